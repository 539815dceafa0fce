package cursor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"

	"github.com/adred-codev/bitgrid/internal/codec"
	"github.com/adred-codev/bitgrid/internal/fabric"
	"github.com/adred-codev/bitgrid/internal/grid"
)

type recorder struct {
	mu  sync.Mutex
	ups []codec.CurUp
}

func (r *recorder) send(up codec.CurUp) {
	r.mu.Lock()
	r.ups = append(r.ups, up)
	r.mu.Unlock()
}

func (r *recorder) uids() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, up := range r.ups {
		out[up.UID]++
	}
	return out
}

func (r *recorder) last(uid string) (codec.CurUp, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.ups) - 1; i >= 0; i-- {
		if r.ups[i].UID == uid {
			return r.ups[i], true
		}
	}
	return codec.CurUp{}, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func relayState(uid string, x, y float32, seq uint64) fabric.CursorState {
	return fabric.CursorState{
		UID: uid, Name: "BraveOtter042", X: x, Y: y,
		Seq: seq, SeenAt: time.Now().UnixMilli(),
	}
}

func TestNearestNSelection(t *testing.T) {
	fab := fabric.NewLocal(zerolog.Nop())
	c := New("shard-0", nil, fab, zerolog.Nop())
	defer c.Close()

	rec := &recorder{}
	c.AddClient("conn-1", "u_viewer01", rec.send)
	c.SetSubscriptions("conn-1", []grid.TileKey{{Tx: 0, Ty: 0}})
	c.LocalCursor("conn-1", "BraveOtter042", 0.5, 0.5)

	// Twelve remote cursors on tile 0:0, distinct x. The ten nearest to
	// (0.5, 0.5) are x=1..10; x=11 and x=12 must never be delivered.
	states := make([]fabric.CursorState, 0, 12)
	for i := 1; i <= 12; i++ {
		states = append(states, relayState(fmt.Sprintf("u_c%02d", i), float32(i), 0.5, 1))
	}
	c.DeliverCursorBatch("shard-1", states)

	waitFor(t, "10 selected cursors", func() bool { return len(rec.uids()) == 10 })

	got := rec.uids()
	for i := 1; i <= 10; i++ {
		uid := fmt.Sprintf("u_c%02d", i)
		assert.Assert(t, got[uid] > 0, "missing %s", uid)
	}
	_, far11 := got["u_c11"]
	_, far12 := got["u_c12"]
	assert.Assert(t, !far11)
	assert.Assert(t, !far12)
}

func TestSeqOrderingDropsStale(t *testing.T) {
	fab := fabric.NewLocal(zerolog.Nop())
	c := New("shard-0", nil, fab, zerolog.Nop())
	defer c.Close()

	rec := &recorder{}
	c.AddClient("conn-1", "u_viewer01", rec.send)
	c.SetSubscriptions("conn-1", []grid.TileKey{{Tx: 0, Ty: 0}})
	c.LocalCursor("conn-1", "BraveOtter042", 0.5, 0.5)

	c.DeliverCursorBatch("shard-1", []fabric.CursorState{relayState("u_mover", 10, 10, 5)})
	waitFor(t, "initial selection", func() bool { return len(rec.uids()) == 1 })

	// seq 3 arrives after seq 5: silently dropped.
	c.DeliverCursorBatch("shard-1", []fabric.CursorState{relayState("u_mover", 99, 99, 3)})
	// seq 6 advances and is fanned out immediately.
	c.DeliverCursorBatch("shard-1", []fabric.CursorState{relayState("u_mover", 20, 20, 6)})

	waitFor(t, "motion delivery", func() bool {
		up, ok := rec.last("u_mover")
		return ok && up.X == 20
	})
	up, _ := rec.last("u_mover")
	assert.Equal(t, up.Y, float32(20))

	// The stale seq-3 coordinates never surfaced.
	rec.mu.Lock()
	for _, u := range rec.ups {
		assert.Assert(t, u.X != 99)
	}
	rec.mu.Unlock()
}

// relaySink records cursor batches a peer shard would receive.
type relaySink struct {
	mu      sync.Mutex
	batches [][]fabric.CursorState
	froms   []string
}

func (s *relaySink) DeliverTileBatch(*codec.CellUpBatch) {}

func (s *relaySink) DeliverCursorBatch(fromShard string, states []fabric.CursorState) {
	s.mu.Lock()
	s.batches = append(s.batches, states)
	s.froms = append(s.froms, fromShard)
	s.mu.Unlock()
}

func (s *relaySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestRelayBatchCoalesces(t *testing.T) {
	fab := fabric.NewLocal(zerolog.Nop())
	sink := &relaySink{}
	assert.NilError(t, fab.Register("shard-1", sink))

	c := New("shard-0", []string{"shard-1"}, fab, zerolog.Nop())
	defer c.Close()

	rec := &recorder{}
	c.AddClient("conn-1", "u_mover001", rec.send)

	// Two rapid moves inside one flush window: the peer sees one batch
	// with only the latest position.
	c.LocalCursor("conn-1", "BraveOtter042", 1, 1)
	c.LocalCursor("conn-1", "BraveOtter042", 2, 2)

	waitFor(t, "relay flush", func() bool { return sink.count() == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, sink.froms[0], "shard-0")
	assert.Equal(t, len(sink.batches[0]), 1)
	st := sink.batches[0][0]
	assert.Equal(t, st.UID, "u_mover001")
	assert.Equal(t, st.X, float32(2))
	assert.Equal(t, st.Seq, uint64(2))
}

func TestOwnShardRelayIgnored(t *testing.T) {
	fab := fabric.NewLocal(zerolog.Nop())
	c := New("shard-0", nil, fab, zerolog.Nop())
	defer c.Close()

	rec := &recorder{}
	c.AddClient("conn-1", "u_viewer01", rec.send)
	c.LocalCursor("conn-1", "BraveOtter042", 0, 0)

	// A loopback batch from our own shard name must not apply.
	c.DeliverCursorBatch("shard-0", []fabric.CursorState{relayState("u_echo0001", 5, 5, 1)})

	c.mu.Lock()
	_, present := c.cursorByUID["u_echo0001"]
	c.mu.Unlock()
	assert.Assert(t, !present)
}

func TestTTLExpiry(t *testing.T) {
	fab := fabric.NewLocal(zerolog.Nop())
	c := New("shard-0", nil, fab, zerolog.Nop())
	defer c.Close()

	rec := &recorder{}
	c.AddClient("conn-1", "u_viewer01", rec.send)
	c.SetSubscriptions("conn-1", []grid.TileKey{{Tx: 0, Ty: 0}})
	c.LocalCursor("conn-1", "BraveOtter042", 0.5, 0.5)

	c.DeliverCursorBatch("shard-1", []fabric.CursorState{relayState("u_fader001", 1, 1, 1)})
	waitFor(t, "presence", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.cursorByUID) > 0
	})

	// Jump the clock past the TTL; the sweeper removes the entry.
	c.mu.Lock()
	c.now = func() time.Time { return time.Now().Add(TTL + time.Second) }
	c.mu.Unlock()

	waitFor(t, "expiry sweep", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.cursorByUID["u_fader001"]
		return !ok
	})
}

func TestNoSelectionWithoutOwnCursor(t *testing.T) {
	fab := fabric.NewLocal(zerolog.Nop())
	c := New("shard-0", nil, fab, zerolog.Nop())
	defer c.Close()

	rec := &recorder{}
	c.AddClient("conn-1", "u_viewer01", rec.send)
	c.SetSubscriptions("conn-1", []grid.TileKey{{Tx: 0, Ty: 0}})

	c.DeliverCursorBatch("shard-1", []fabric.CursorState{relayState("u_other001", 1, 1, 1)})

	// Give the refresh throttle time to fire; nothing should arrive for a
	// client that has never reported a cursor.
	time.Sleep(350 * time.Millisecond)
	assert.Equal(t, len(rec.uids()), 0)
}
