package client

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"

	"github.com/adred-codev/bitgrid/internal/auth"
	"github.com/adred-codev/bitgrid/internal/codec"
	"github.com/adred-codev/bitgrid/internal/cursor"
	"github.com/adred-codev/bitgrid/internal/fabric"
	"github.com/adred-codev/bitgrid/internal/grid"
	"github.com/adred-codev/bitgrid/internal/guard"
	"github.com/adred-codev/bitgrid/internal/router"
	"github.com/adred-codev/bitgrid/internal/shard"
	"github.com/adred-codev/bitgrid/internal/store"
	"github.com/adred-codev/bitgrid/internal/tile"
)

type testServer struct {
	url   string
	tiles *tile.Registry
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	kv, err := store.OpenLocalKV(t.TempDir(), zerolog.Nop())
	assert.NilError(t, err)
	t.Cleanup(func() { kv.Close() })

	fab := fabric.NewLocal(zerolog.Nop())
	reg := tile.NewRegistry(fab, kv, zerolog.Nop())
	t.Cleanup(reg.Close)

	var conns int64
	shards := make([]*shard.Shard, 0, 2)
	names := []string{"shard-0", "shard-1"}
	for i, name := range names {
		peers := []string{names[1-i]}
		s := shard.New(name, reg, cursor.New(name, peers, fab, zerolog.Nop()), &conns, zerolog.Nop())
		assert.NilError(t, fab.Register(name, s))
		t.Cleanup(s.Close)
		shards = append(shards, s)
	}

	g := guard.New(guard.Config{MaxConnections: 100, CPURejectThreshold: 100}, &conns, zerolog.Nop())
	t.Cleanup(g.Close)

	rt, err := router.New(router.Options{
		Shards:             shards,
		Tiles:              reg,
		Tokens:             auth.NewManager("e2e-secret", time.Minute),
		Guard:              g,
		ConnRateGlobPerSec: 1000,
		ConnRateGlobBurst:  1000,
		ConnRateIPPerSec:   1000,
		ConnRateIPBurst:    1000,
	}, zerolog.Nop())
	assert.NilError(t, err)

	srv := httptest.NewServer(rt.Handler())
	t.Cleanup(srv.Close)

	return &testServer{
		url:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		tiles: reg,
	}
}

func startClient(t *testing.T, url string, cb Callbacks) *Client {
	t.Helper()
	c := New(url, zerolog.Nop(), cb)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		c.Close()
	})
	go c.Run(ctx)
	return c
}

func poll(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func hasTileAt(c *Client, key grid.TileKey, ver uint32) bool {
	entry := c.Tiles.Get(key)
	return entry != nil && entry.Ver == ver
}

func TestTwoClientConvergence(t *testing.T) {
	srv := startServer(t)
	key := grid.TileKey{Tx: 0, Ty: 0}

	a := startClient(t, srv.url, Callbacks{})
	b := startClient(t, srv.url, Callbacks{})
	a.SetViewport(0, 0, 63, 63)
	b.SetViewport(0, 0, 63, 63)

	poll(t, "initial snapshots", func() bool {
		return hasTileAt(a, key, 0) && hasTileAt(b, key, 0)
	})

	a.SetCell(key, 1337, 1)

	poll(t, "convergence", func() bool {
		ea, eb := a.Tiles.Get(key), b.Tiles.Get(key)
		return ea != nil && eb != nil &&
			ea.Ver == 1 && eb.Ver == 1 &&
			ea.Bits[1337] == 1 && eb.Bits[1337] == 1
	})
	assert.Equal(t, a.Unsynced(), 0)
}

func TestDuplicateOpKeepsVersion(t *testing.T) {
	srv := startServer(t)
	key := grid.TileKey{Tx: 0, Ty: 0}

	a := startClient(t, srv.url, Callbacks{})
	a.SetViewport(0, 0, 63, 63)
	poll(t, "snapshot", func() bool { return hasTileAt(a, key, 0) })

	// The same op id twice: the retry must not advance the version.
	frame := codec.MustEncode(&codec.SetCell{Tile: key, I: 42, V: 1, Op: "c:dup:1"})
	a.tr.Send(frame)
	poll(t, "first apply", func() bool { return hasTileAt(a, key, 1) })

	a.tr.Send(frame)
	time.Sleep(300 * time.Millisecond)

	owner := srv.tiles.Peek(key)
	ver, _ := owner.Snapshot()
	assert.Equal(t, ver, uint32(1))
	assert.Equal(t, a.Tiles.Get(key).Ver, uint32(1))
}

func TestGapTriggersResync(t *testing.T) {
	srv := startServer(t)
	key := grid.TileKey{Tx: 0, Ty: 0}

	a := startClient(t, srv.url, Callbacks{})
	a.SetViewport(0, 0, 63, 63)
	poll(t, "snapshot", func() bool { return hasTileAt(a, key, 0) })

	// Advance the authoritative tile behind the client's back.
	owner, err := srv.tiles.Get(context.Background(), key)
	assert.NilError(t, err)
	for i := 0; i < 3; i++ {
		owner.SetCell(tile.SetCellRequest{
			I: i, V: 1, Op: fmt.Sprintf("c:gap:%d", i),
			UID: "u_ghost001", Name: "QuietLynx001", AtMs: time.Now().UnixMilli(),
		})
	}

	// A future single lands as a gap; the resync round-trip converges the
	// client onto the server's version.
	a.onFrame(codec.MustEncode(&codec.CellUp{Tile: key, I: 9, V: 1, Ver: 7}))

	poll(t, "resync", func() bool {
		entry := a.Tiles.Get(key)
		return entry != nil && entry.Ver == 3 && entry.Bits[0] == 1 && entry.Bits[2] == 1
	})
}

func TestOutboxSurvivesReconnect(t *testing.T) {
	srv := startServer(t)
	key := grid.TileKey{Tx: 0, Ty: 0}

	a := startClient(t, srv.url, Callbacks{})
	a.SetViewport(0, 0, 63, 63)
	poll(t, "snapshot", func() bool { return hasTileAt(a, key, 0) })

	// Sever the socket, then write while the transport is down.
	a.tr.mu.Lock()
	conn := a.tr.conn
	a.tr.mu.Unlock()
	assert.Assert(t, conn != nil)
	conn.Close()

	a.SetCell(key, 77, 1)
	assert.Equal(t, a.Unsynced(), 1)

	// Reconnect resubscribes and the echo clears the outbox.
	poll(t, "replay and ack", func() bool {
		entry := a.Tiles.Get(key)
		return a.Unsynced() == 0 && entry != nil && entry.Bits[77] == 1
	})
}

func TestCursorPresence(t *testing.T) {
	srv := startServer(t)
	_ = srv

	var mu sync.Mutex
	seen := make(map[string]codec.CurUp)
	a := startClient(t, srv.url, Callbacks{
		OnCursor: func(uid, name string, x, y float32) {
			mu.Lock()
			seen[uid] = codec.CurUp{UID: uid, Name: name, X: x, Y: y}
			mu.Unlock()
		},
	})

	var bUID string
	var idMu sync.Mutex
	b := startClient(t, srv.url, Callbacks{
		OnIdentity: func(uid, name string) {
			idMu.Lock()
			bUID = uid
			idMu.Unlock()
		},
	})

	a.SetViewport(0, 0, 63, 63)
	b.SetViewport(0, 0, 63, 63)
	poll(t, "identity", func() bool {
		idMu.Lock()
		defer idMu.Unlock()
		return bUID != ""
	})

	// Both report cursors; a should learn b's position regardless of
	// which shard each landed on.
	poll(t, "presence", func() bool {
		a.MoveCursor(0.5, 0.5)
		b.MoveCursor(10, 10)
		idMu.Lock()
		uid := bUID
		idMu.Unlock()
		mu.Lock()
		up, ok := seen[uid]
		mu.Unlock()
		return ok && up.X == 10
	})
}
