// Package cursor tracks presence per shard: seq-ordered upserts, a
// tile-bucketed index, nearest-N selection per viewer, and batched relay
// of local motion to peer shards.
package cursor

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/bitgrid/internal/codec"
	"github.com/adred-codev/bitgrid/internal/fabric"
	"github.com/adred-codev/bitgrid/internal/grid"
	"github.com/adred-codev/bitgrid/internal/metrics"
)

const (
	// MaxRemoteCursors bounds the subscription set per viewing client.
	MaxRemoteCursors = 10

	// TTL after which a cursor stops counting as present.
	TTL = 5 * time.Second

	relayFlushInterval  = 100 * time.Millisecond
	refreshMinInterval  = 250 * time.Millisecond
	expirySweepInterval = time.Second
)

type presence struct {
	uid    string
	name   string
	x, y   float32
	seenAt time.Time
	seq    uint64
	tile   grid.TileKey
}

type clientView struct {
	connID    string
	uid       string
	send      func(codec.CurUp)
	tiles     map[grid.TileKey]struct{}
	hasCursor bool
	x, y      float32
	subs      map[string]struct{}
}

// Coordinator is the per-shard presence actor. All state is serialized
// under one mutex; timers re-enter through the same lock.
type Coordinator struct {
	shardName string
	peers     []string
	fab       fabric.Fabric
	logger    zerolog.Logger
	now       func() time.Time

	mu          sync.Mutex
	cursorByUID map[string]*presence
	tileIndex   map[grid.TileKey]map[string]struct{}
	localSeq    map[string]uint64
	clients     map[string]*clientView

	pendingRelays map[string]fabric.CursorState
	relayTimer    *time.Timer

	selectionDirty bool
	lastRefresh    time.Time
	refreshTimer   *time.Timer

	sweeper   *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a coordinator for shardName. peers lists every other shard
// that should receive relay batches.
func New(shardName string, peers []string, fab fabric.Fabric, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		shardName:     shardName,
		peers:         peers,
		fab:           fab,
		logger:        logger.With().Str("component", "cursor_coordinator").Str("shard", shardName).Logger(),
		now:           time.Now,
		cursorByUID:   make(map[string]*presence),
		tileIndex:     make(map[grid.TileKey]map[string]struct{}),
		localSeq:      make(map[string]uint64),
		clients:       make(map[string]*clientView),
		pendingRelays: make(map[string]fabric.CursorState),
		sweeper:       time.NewTicker(expirySweepInterval),
		done:          make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// AddClient registers a connection. send must not block; the shard's
// outbound queue sits behind it.
func (c *Coordinator) AddClient(connID, uid string, send func(codec.CurUp)) {
	c.mu.Lock()
	c.clients[connID] = &clientView{
		connID: connID,
		uid:    uid,
		send:   send,
		tiles:  make(map[grid.TileKey]struct{}),
		subs:   make(map[string]struct{}),
	}
	c.refreshLocked()
	c.mu.Unlock()
}

// RemoveClient drops a connection's view. Its presence entry, if any,
// ages out through the TTL.
func (c *Coordinator) RemoveClient(connID string) {
	c.mu.Lock()
	delete(c.clients, connID)
	c.refreshLocked()
	c.mu.Unlock()
}

// SetSubscriptions replaces a connection's tile set and forces a
// selection refresh.
func (c *Coordinator) SetSubscriptions(connID string, tiles []grid.TileKey) {
	c.mu.Lock()
	if cl, ok := c.clients[connID]; ok {
		cl.tiles = make(map[grid.TileKey]struct{}, len(tiles))
		for _, k := range tiles {
			cl.tiles[k] = struct{}{}
		}
		c.refreshLocked()
	}
	c.mu.Unlock()
}

// LocalCursor handles a cur message from a local connection: bump the
// uid's seq, upsert, fan out to subscribed viewers, and queue the update
// for the 100ms peer relay.
func (c *Coordinator) LocalCursor(connID string, name string, x, y float32) {
	c.mu.Lock()
	cl, ok := c.clients[connID]
	if !ok {
		c.mu.Unlock()
		return
	}
	uid := cl.uid
	cl.hasCursor = true
	cl.x, cl.y = x, y

	c.localSeq[uid]++
	p := &presence{
		uid:    uid,
		name:   name,
		x:      x,
		y:      y,
		seenAt: c.now(),
		seq:    c.localSeq[uid],
		tile:   grid.TileForPoint(float64(x), float64(y)),
	}
	c.upsertLocked(p)
	c.markDirtyLocked()
	c.fanOutLocked(p)

	c.pendingRelays[uid] = fabric.CursorState{
		UID: uid, Name: name, X: x, Y: y,
		Seq: p.seq, SeenAt: p.seenAt.UnixMilli(),
	}
	if c.relayTimer == nil {
		c.relayTimer = time.AfterFunc(relayFlushInterval, c.flushRelays)
	}
	c.mu.Unlock()
}

// DeliverCursorBatch ingests a relay batch from a peer shard. Updates
// whose seq does not advance the uid's known seq are dropped.
func (c *Coordinator) DeliverCursorBatch(fromShard string, states []fabric.CursorState) {
	if fromShard == c.shardName {
		return
	}
	c.mu.Lock()
	for _, s := range states {
		if existing, ok := c.cursorByUID[s.UID]; ok && s.Seq <= existing.seq {
			continue
		}
		p := &presence{
			uid:    s.UID,
			name:   s.Name,
			x:      s.X,
			y:      s.Y,
			seenAt: time.UnixMilli(s.SeenAt),
			seq:    s.Seq,
			tile:   grid.TileForPoint(float64(s.X), float64(s.Y)),
		}
		c.upsertLocked(p)
		c.fanOutLocked(p)
	}
	c.markDirtyLocked()
	c.mu.Unlock()
}

// Close stops timers. Presence state is ephemeral and not persisted.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sweeper.Stop()
		c.mu.Lock()
		if c.relayTimer != nil {
			c.relayTimer.Stop()
		}
		if c.refreshTimer != nil {
			c.refreshTimer.Stop()
		}
		c.mu.Unlock()
	})
}

func (c *Coordinator) upsertLocked(p *presence) {
	if old, ok := c.cursorByUID[p.uid]; ok && old.tile != p.tile {
		if bucket, ok := c.tileIndex[old.tile]; ok {
			delete(bucket, p.uid)
			if len(bucket) == 0 {
				delete(c.tileIndex, old.tile)
			}
		}
	}
	c.cursorByUID[p.uid] = p
	bucket, ok := c.tileIndex[p.tile]
	if !ok {
		bucket = make(map[string]struct{})
		c.tileIndex[p.tile] = bucket
	}
	bucket[p.uid] = struct{}{}
	metrics.CursorsActive.Set(float64(len(c.cursorByUID)))
}

// fanOutLocked delivers one update to every local client already
// subscribed to the uid. Selection changes are handled by refresh.
func (c *Coordinator) fanOutLocked(p *presence) {
	up := codec.CurUp{UID: p.uid, Name: p.name, X: p.x, Y: p.y}
	for _, cl := range c.clients {
		if _, ok := cl.subs[p.uid]; ok {
			cl.send(up)
		}
	}
}

// markDirtyLocked requests a refresh, throttled to once per 250ms.
func (c *Coordinator) markDirtyLocked() {
	c.selectionDirty = true
	since := c.now().Sub(c.lastRefresh)
	if since >= refreshMinInterval {
		c.refreshLocked()
		return
	}
	if c.refreshTimer == nil {
		c.refreshTimer = time.AfterFunc(refreshMinInterval-since, func() {
			c.mu.Lock()
			c.refreshTimer = nil
			if c.selectionDirty {
				c.refreshLocked()
			}
			c.mu.Unlock()
		})
	}
}

// refreshLocked recomputes every client's nearest-N subscription set and
// emits one curUp per newly selected uid.
func (c *Coordinator) refreshLocked() {
	c.selectionDirty = false
	c.lastRefresh = c.now()
	now := c.now()

	for _, cl := range c.clients {
		if !cl.hasCursor {
			continue
		}
		selected := c.selectLocked(cl, now)

		next := make(map[string]struct{}, len(selected))
		for _, p := range selected {
			next[p.uid] = struct{}{}
			if _, had := cl.subs[p.uid]; !had {
				cl.send(codec.CurUp{UID: p.uid, Name: p.name, X: p.x, Y: p.y})
			}
		}
		cl.subs = next
	}
}

func (c *Coordinator) selectLocked(cl *clientView, now time.Time) []*presence {
	seen := make(map[string]struct{})
	candidates := make([]*presence, 0, MaxRemoteCursors*2)

	add := func(uid string) {
		if uid == cl.uid {
			return
		}
		if _, dup := seen[uid]; dup {
			return
		}
		p, ok := c.cursorByUID[uid]
		if !ok || now.Sub(p.seenAt) >= TTL {
			return
		}
		seen[uid] = struct{}{}
		candidates = append(candidates, p)
	}

	for k := range cl.tiles {
		for uid := range c.tileIndex[k] {
			add(uid)
		}
	}
	if len(candidates) < MaxRemoteCursors {
		for uid := range c.cursorByUID {
			add(uid)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := sqDist(candidates[i], cl.x, cl.y)
		dj := sqDist(candidates[j], cl.x, cl.y)
		if di != dj {
			return di < dj
		}
		return candidates[i].seenAt.After(candidates[j].seenAt)
	})
	if len(candidates) > MaxRemoteCursors {
		candidates = candidates[:MaxRemoteCursors]
	}
	return candidates
}

func sqDist(p *presence, x, y float32) float64 {
	dx := float64(p.x) - float64(x)
	dy := float64(p.y) - float64(y)
	return dx*dx + dy*dy
}

func (c *Coordinator) flushRelays() {
	c.mu.Lock()
	c.relayTimer = nil
	if len(c.pendingRelays) == 0 {
		c.mu.Unlock()
		return
	}
	states := make([]fabric.CursorState, 0, len(c.pendingRelays))
	for _, s := range c.pendingRelays {
		states = append(states, s)
	}
	c.pendingRelays = make(map[string]fabric.CursorState)
	peers := c.peers
	from := c.shardName
	c.mu.Unlock()

	for _, peer := range peers {
		c.fab.SendCursorBatch(peer, from, states)
	}
	metrics.CursorRelays.Add(float64(len(states) * len(peers)))
}

func (c *Coordinator) sweepLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.sweeper.C:
			c.mu.Lock()
			now := c.now()
			expired := false
			for uid, p := range c.cursorByUID {
				if now.Sub(p.seenAt) < TTL {
					continue
				}
				if bucket, ok := c.tileIndex[p.tile]; ok {
					delete(bucket, uid)
					if len(bucket) == 0 {
						delete(c.tileIndex, p.tile)
					}
				}
				delete(c.cursorByUID, uid)
				delete(c.localSeq, uid)
				expired = true
			}
			if expired {
				metrics.CursorsActive.Set(float64(len(c.cursorByUID)))
				c.markDirtyLocked()
			}
			c.mu.Unlock()
		}
	}
}
