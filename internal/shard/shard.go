// Package shard owns a uid-hash bucket of client sockets: it validates
// and dispatches inbound messages, maintains the client-to-tile
// subscription graph, and fans tile-owner broadcasts out to sockets.
package shard

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/bitgrid/internal/codec"
	"github.com/adred-codev/bitgrid/internal/cursor"
	"github.com/adred-codev/bitgrid/internal/fabric"
	"github.com/adred-codev/bitgrid/internal/grid"
	"github.com/adred-codev/bitgrid/internal/metrics"
	"github.com/adred-codev/bitgrid/internal/tile"
)

// Shard serializes all subscription-graph mutations under one mutex. It
// implements the fabric Sink for its shard name.
type Shard struct {
	name    string
	tiles   *tile.Registry
	cursors *cursor.Coordinator
	logger  zerolog.Logger
	now     func() time.Time

	// conns is the process-wide live connection counter the admission
	// guard reads; nil when no guard is wired.
	conns *int64

	mu            sync.Mutex
	clients       map[string]*Client
	tileToClients map[grid.TileKey]map[string]*Client
	closed        bool
}

func New(name string, tiles *tile.Registry, cursors *cursor.Coordinator, conns *int64, logger zerolog.Logger) *Shard {
	return &Shard{
		name:          name,
		tiles:         tiles,
		cursors:       cursors,
		logger:        logger.With().Str("component", "shard").Str("shard", name).Logger(),
		now:           time.Now,
		conns:         conns,
		clients:       make(map[string]*Client),
		tileToClients: make(map[grid.TileKey]map[string]*Client),
	}
}

// Name returns the shard's fabric name.
func (s *Shard) Name() string { return s.name }

// Accept takes ownership of an upgraded socket. If the uid is already
// connected, the previous socket is fully torn down first, including its
// subscriptions.
func (s *Shard) Accept(conn net.Conn, uid, name, token string) {
	c := newClient(uid, name, conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if old, ok := s.clients[uid]; ok {
		s.teardownLocked(old)
	}
	s.clients[uid] = c
	s.mu.Unlock()

	if s.conns != nil {
		atomic.AddInt64(s.conns, 1)
	}
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()

	s.cursors.AddClient(uid, uid, func(up codec.CurUp) {
		c.enqueue(codec.MustEncode(&up))
	})

	c.enqueue(codec.MustEncode(&codec.Hello{UID: uid, Name: name, Token: token}))

	go c.writePump()
	go s.readPump(c)
}

func (s *Shard) readPump(c *Client) {
	defer func() {
		c.closeSocket()
		s.disconnect(c)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			s.logger.Debug().Str("uid", c.uid).Err(err).Msg("Client disconnected")
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpBinary:
			s.handleMessage(c, msg)
		case ws.OpClose:
			return
		}
	}
}

// disconnect is the single cleanup path for a socket: it unsubscribes
// every tile and releases watcher refs for tiles this shard no longer
// serves.
func (s *Shard) disconnect(c *Client) {
	c.cleanOnce.Do(func() {
		s.mu.Lock()
		if s.clients[c.uid] == c {
			delete(s.clients, c.uid)
		}
		s.dropSubscriptionsLocked(c)
		s.mu.Unlock()

		c.stop()
		s.cursors.RemoveClient(c.uid)
		if s.conns != nil {
			atomic.AddInt64(s.conns, -1)
		}
		metrics.ConnectionsActive.Dec()
	})
}

// teardownLocked synchronously removes a replaced client under the shard
// lock; the old pumps exit on their own once the socket closes.
func (s *Shard) teardownLocked(old *Client) {
	old.closeSocket()
	old.cleanOnce.Do(func() {
		delete(s.clients, old.uid)
		s.dropSubscriptionsLocked(old)
		old.stop()
		s.cursors.RemoveClient(old.uid)
		if s.conns != nil {
			atomic.AddInt64(s.conns, -1)
		}
		metrics.ConnectionsActive.Dec()
	})
}

func (s *Shard) dropSubscriptionsLocked(c *Client) {
	for key := range c.subscribed {
		s.removeFromIndexLocked(key, c)
	}
	metrics.SubscriptionsActive.Sub(float64(len(c.subscribed)))
	c.subscribed = make(map[grid.TileKey]struct{})
}

func (s *Shard) removeFromIndexLocked(key grid.TileKey, c *Client) {
	bucket, ok := s.tileToClients[key]
	if !ok {
		return
	}
	delete(bucket, c.uid)
	if len(bucket) == 0 {
		delete(s.tileToClients, key)
		if owner := s.tiles.Peek(key); owner != nil {
			owner.Watch(s.name, false)
		}
	}
}

func (s *Shard) handleMessage(c *Client, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("uid", c.uid).Interface("panic", r).Msg("Message handler panicked")
			s.sendErr(c, codec.ErrInternal, "internal error")
		}
	}()

	msg, err := codec.Decode(data)
	if err != nil {
		// Unknown tags pass silently for forward compatibility.
		if errors.Is(err, codec.ErrUnknownTag) {
			return
		}
		s.sendErr(c, codec.ErrBadMessage, err.Error())
		return
	}

	switch m := msg.(type) {
	case *codec.Sub:
		s.handleSub(c, m.Tiles)
	case *codec.Unsub:
		s.handleUnsub(c, m.Tiles)
	case *codec.SetCell:
		s.handleSetCell(c, m)
	case *codec.ResyncTile:
		s.handleResync(c, m)
	case *codec.Cur:
		s.cursors.LocalCursor(c.uid, c.name, m.X, m.Y)
	}
}

// handleSub processes tiles in order; limit violations stop the message,
// an invalid key only skips its tile.
func (s *Shard) handleSub(c *Client, tiles []grid.TileKey) {
	now := s.now()
	changed := false

	s.mu.Lock()
	for _, key := range tiles {
		if _, ok := c.subscribed[key]; ok {
			continue
		}
		if len(c.subscribed) >= maxTilesSubscribed {
			s.sendErrLocked(c, codec.ErrSubLimit, "subscription limit reached")
			break
		}
		if !c.churn.allow(now) {
			metrics.RateLimitHits.WithLabelValues("churn").Inc()
			s.sendErrLocked(c, codec.ErrChurnLimit, "subscription churn limit reached")
			break
		}
		if !key.Valid() {
			s.sendErrLocked(c, codec.ErrBadTile, "tile out of range")
			continue
		}

		owner, err := s.tiles.Get(context.Background(), key)
		if err != nil {
			s.logger.Error().Err(err).Str("tile", key.String()).Msg("Tile owner unavailable")
			s.sendErrLocked(c, codec.ErrInternal, "tile unavailable")
			continue
		}

		bucket, existed := s.tileToClients[key]
		if !existed {
			res := owner.Watch(s.name, true)
			if !res.OK {
				s.sendErrLocked(c, res.Code, "tile watcher limit reached")
				break
			}
			bucket = make(map[string]*Client)
			s.tileToClients[key] = bucket
		}
		bucket[c.uid] = c
		c.subscribed[key] = struct{}{}
		changed = true
		metrics.SubscriptionsActive.Inc()

		s.pushSnapshotLocked(c, owner)
	}
	subs := subscribedKeysLocked(c)
	s.mu.Unlock()

	if changed {
		s.cursors.SetSubscriptions(c.uid, subs)
	}
}

func (s *Shard) handleUnsub(c *Client, tiles []grid.TileKey) {
	now := s.now()
	changed := false

	s.mu.Lock()
	for _, key := range tiles {
		if _, ok := c.subscribed[key]; !ok {
			continue
		}
		c.churn.allow(now)
		delete(c.subscribed, key)
		s.removeFromIndexLocked(key, c)
		changed = true
		metrics.SubscriptionsActive.Dec()
	}
	subs := subscribedKeysLocked(c)
	s.mu.Unlock()

	if changed {
		s.cursors.SetSubscriptions(c.uid, subs)
	}
}

func (s *Shard) handleSetCell(c *Client, m *codec.SetCell) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	burstOK := c.burst.allow(now)
	sustainedOK := c.sustained.allow(now)
	if !burstOK || !sustainedOK {
		metrics.RateLimitHits.WithLabelValues("setcell").Inc()
		s.sendErrLocked(c, codec.ErrSetCellLimit, "setCell rate limit reached")
		return
	}
	if !m.Tile.Valid() {
		s.sendErrLocked(c, codec.ErrBadTile, "tile out of range")
		return
	}

	owner, err := s.tiles.Get(context.Background(), m.Tile)
	if err != nil {
		s.logger.Error().Err(err).Str("tile", m.Tile.String()).Msg("Tile owner unavailable")
		s.sendErrLocked(c, codec.ErrInternal, "tile unavailable")
		return
	}

	if _, ok := c.subscribed[m.Tile]; !ok {
		// Stale client: refuse and hand it a fresh snapshot to converge.
		s.sendErrLocked(c, codec.ErrNotSubscribed, "not subscribed to tile")
		s.pushSnapshotLocked(c, owner)
		return
	}

	// Reassert the watch so a recycled owner relearns this shard.
	if res := owner.Watch(s.name, true); !res.OK {
		s.sendErrLocked(c, res.Code, "tile watcher limit reached")
		return
	}

	res := owner.SetCell(tile.SetCellRequest{
		I:    int(m.I),
		V:    m.V,
		Op:   m.Op,
		UID:  c.uid,
		Name: c.name,
		AtMs: now.UnixMilli(),
	})
	switch {
	case !res.Accepted:
		s.sendErrLocked(c, codec.ErrSetCellRejected, res.Reason)
	case !res.Changed:
		// Duplicate or no-op: the client's local cache may be stale.
		s.pushSnapshotLocked(c, owner)
	}
}

func (s *Shard) handleResync(c *Client, m *codec.ResyncTile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !m.Tile.Valid() {
		s.sendErrLocked(c, codec.ErrBadTile, "tile out of range")
		return
	}
	owner, err := s.tiles.Get(context.Background(), m.Tile)
	if err != nil {
		s.sendErrLocked(c, codec.ErrInternal, "tile unavailable")
		return
	}
	metrics.ResyncsServed.Inc()
	s.pushSnapshotLocked(c, owner)
}

// DeliverTileBatch fans an owner broadcast out to every socket subscribed
// to the tile. Emit-path errors are swallowed; disconnect handles cleanup.
func (s *Shard) DeliverTileBatch(batch *codec.CellUpBatch) {
	frame, err := codec.Encode(batch)
	if err != nil {
		s.logger.Error().Err(err).Msg("Batch encode failed")
		return
	}

	s.mu.Lock()
	bucket := s.tileToClients[batch.Tile]
	targets := make([]*Client, 0, len(bucket))
	for _, c := range bucket {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// DeliverCursorBatch forwards relayed presence to the coordinator.
func (s *Shard) DeliverCursorBatch(fromShard string, states []fabric.CursorState) {
	s.cursors.DeliverCursorBatch(fromShard, states)
}

// Close tears down every client. Used on drain shutdown.
func (s *Shard) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.closeSocket()
		s.disconnect(c)
	}
	s.cursors.Close()
}

func (s *Shard) pushSnapshotLocked(c *Client, owner *tile.Owner) {
	ver, rle := owner.Snapshot()
	c.enqueue(codec.MustEncode(&codec.TileSnap{
		Tile: owner.Key(),
		Ver:  ver,
		Enc:  codec.EncodingRLE64,
		Bits: []byte(rle),
	}))
}

func (s *Shard) sendErr(c *Client, code, msg string) {
	metrics.ErrorsSent.WithLabelValues(code).Inc()
	c.enqueue(codec.MustEncode(&codec.Err{Code: code, Msg: msg}))
}

func (s *Shard) sendErrLocked(c *Client, code, msg string) {
	// enqueue never blocks, so emitting under the lock is safe.
	s.sendErr(c, code, msg)
}

func subscribedKeysLocked(c *Client) []grid.TileKey {
	keys := make([]grid.TileKey, 0, len(c.subscribed))
	for k := range c.subscribed {
		keys = append(keys, k)
	}
	return keys
}
