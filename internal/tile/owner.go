// Package tile implements the authoritative owner of one tile: totally
// ordered writes, monotonic versioning, dedup of retried ops, watcher
// admission, WAL-style batched broadcast and snapshot persistence.
package tile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/bitgrid/internal/codec"
	"github.com/adred-codev/bitgrid/internal/grid"
	"github.com/adred-codev/bitgrid/internal/metrics"
	"github.com/adred-codev/bitgrid/internal/store"
)

const (
	// Watcher-count thresholds for hot-tile degradation.
	ReadonlyWatcherThreshold = 8
	DenyWatcherThreshold     = 12

	// WAL batch flush triggers.
	walFlushOps      = 128
	walFlushInterval = 50 * time.Millisecond

	// Snapshot flush triggers.
	snapshotFlushOps      = 500
	snapshotFlushInterval = 5 * time.Second

	// Dedup ring capacity for recent op ids.
	dedupRingSize = 4096

	// Recent-edit FIFO used for spawn sampling.
	recentEditCap = 128
)

// Broadcaster delivers flushed batches to watcher shards. Sends must not
// block the write path; implementations are fire-and-forget.
type Broadcaster interface {
	SendTileBatch(toShard string, batch *codec.CellUpBatch)
}

// Edit is the last-editor metadata kept per touched cell.
type Edit struct {
	UID  string
	Name string
	AtMs int64
}

// RecentEdit is one entry of the bounded recent-activity FIFO.
type RecentEdit struct {
	I    uint16 `json:"i"`
	AtMs int64  `json:"atMs"`
}

// SetCellRequest is one client write as it reaches the owner.
type SetCellRequest struct {
	I    int
	V    byte
	Op   string
	UID  string
	Name string
	AtMs int64
}

// SetCellResult reports the outcome of a write.
type SetCellResult struct {
	Accepted bool
	Changed  bool
	Ver      uint32
	Reason   string
}

// WatchResult reports the outcome of a watcher mutation.
type WatchResult struct {
	OK   bool
	Code string
}

// Owner is the authoritative actor for one tile. All state mutations are
// serialized; this is the linearization point for concurrent setCell.
type Owner struct {
	key    grid.TileKey
	bc     Broadcaster
	store  store.Store
	logger zerolog.Logger

	mu        sync.Mutex
	bits      []byte
	version   uint32
	lastEdits map[uint16]Edit

	dedupRing []string
	dedupSet  map[string]struct{}

	watchers map[string]struct{}

	recentEdits []RecentEdit

	// WAL batch: fromVer is the version after the first apply of the batch.
	pending     []codec.CellOp
	pendingFrom uint32
	walTimer    *time.Timer

	// Snapshot flush state. Flushes are serialized; dirty captures work
	// that arrived during an in-flight flush.
	opsSinceSnap  int
	flushInFlight bool
	flushDirty    bool
	flushCond     *sync.Cond
	snapTicker    *time.Ticker
	done          chan struct{}
	closeOnce     sync.Once
}

// NewOwner creates an owner with empty state. Callers load persisted state
// through LoadSnapshot before serving writes.
func NewOwner(key grid.TileKey, bc Broadcaster, st store.Store, logger zerolog.Logger) *Owner {
	o := &Owner{
		key:        key,
		bc:         bc,
		store:      st,
		logger:     logger.With().Str("component", "tile_owner").Str("tile", key.String()).Logger(),
		bits:       make([]byte, grid.TileCellCount),
		lastEdits:  make(map[uint16]Edit),
		dedupSet:   make(map[string]struct{}),
		watchers:   make(map[string]struct{}),
		snapTicker: time.NewTicker(snapshotFlushInterval),
		done:       make(chan struct{}),
	}
	o.flushCond = sync.NewCond(&o.mu)
	go o.snapshotLoop()
	metrics.TilesLive.Inc()
	return o
}

// Key returns the tile this owner is authoritative for.
func (o *Owner) Key() grid.TileKey { return o.key }

// LoadSnapshot initializes state from persistence. It rejects snapshots
// with the wrong cell count and clears the dedup ring: op ids from before
// a restart cannot be replayed against reloaded state.
func (o *Owner) LoadSnapshot(bits []byte, ver uint32, edits []store.EditRecord) error {
	if len(bits) != grid.TileCellCount {
		return ErrBadSnapshot
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	copy(o.bits, bits)
	o.version = ver
	o.lastEdits = make(map[uint16]Edit, len(edits))
	for _, e := range edits {
		o.lastEdits[e.I] = Edit{UID: e.UID, Name: e.Name, AtMs: e.AtMs}
	}
	o.dedupRing = o.dedupRing[:0]
	o.dedupSet = make(map[string]struct{})
	return nil
}

// SetWatchers seeds the watcher set from persistence.
func (o *Owner) SetWatchers(shards []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.watchers = make(map[string]struct{}, len(shards))
	for _, s := range shards {
		o.watchers[s] = struct{}{}
	}
}

// Watch adds or removes a shard from the watcher set. Repeated sub
// assertions from an already-watching shard always succeed; that is how
// the set self-heals after an owner reload. A sub from a new shard is
// denied once the watcher count reaches the deny threshold. Unsub is
// idempotent.
func (o *Owner) Watch(shardName string, subscribe bool) WatchResult {
	o.mu.Lock()
	if subscribe {
		if _, ok := o.watchers[shardName]; !ok {
			if len(o.watchers) >= DenyWatcherThreshold {
				o.mu.Unlock()
				return WatchResult{OK: false, Code: codec.ErrTileSubDenied}
			}
			o.watchers[shardName] = struct{}{}
			o.persistWatchersLocked()
		}
	} else {
		if _, ok := o.watchers[shardName]; ok {
			delete(o.watchers, shardName)
			o.persistWatchersLocked()
		}
	}
	o.mu.Unlock()
	return WatchResult{OK: true}
}

// WatcherCount returns the current number of watcher shards.
func (o *Owner) WatcherCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.watchers)
}

// SetCell applies one write. The reply never waits on persistence or on
// broadcast fanout.
func (o *Owner) SetCell(req SetCellRequest) SetCellResult {
	if !grid.CellIndexValid(req.I) {
		metrics.SetCellTotal.WithLabelValues("invalid_cell_index").Inc()
		return SetCellResult{Accepted: false, Reason: "invalid_cell_index"}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.watchers) >= ReadonlyWatcherThreshold {
		metrics.SetCellTotal.WithLabelValues("readonly_hot").Inc()
		return SetCellResult{Accepted: false, Reason: codec.ErrTileReadonlyHot, Ver: o.version}
	}

	if _, dup := o.dedupSet[req.Op]; dup {
		metrics.SetCellTotal.WithLabelValues("duplicate_op").Inc()
		return SetCellResult{Accepted: true, Changed: false, Reason: "duplicate_op", Ver: o.version}
	}

	i := uint16(req.I)
	if o.bits[i] == req.V {
		metrics.SetCellTotal.WithLabelValues("no_change").Inc()
		return SetCellResult{Accepted: true, Changed: false, Ver: o.version}
	}

	o.bits[i] = req.V
	o.version++
	o.lastEdits[i] = Edit{UID: req.UID, Name: req.Name, AtMs: req.AtMs}
	o.pushOpIDLocked(req.Op)
	o.pushRecentEditLocked(i, req.AtMs)
	o.enqueueWALLocked(codec.CellOp{I: i, V: req.V})
	o.noteSnapshotWorkLocked()

	metrics.SetCellTotal.WithLabelValues("changed").Inc()
	return SetCellResult{Accepted: true, Changed: true, Ver: o.version}
}

// Snapshot returns the current version and rle64-encoded bits.
func (o *Owner) Snapshot() (ver uint32, rle string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	enc, err := codec.EncodeRLE64(o.bits)
	if err != nil {
		// bits only ever hold 0/1; an encode failure is a corrupted owner.
		o.logger.Error().Err(err).Msg("Snapshot encode failed")
		return o.version, ""
	}
	return o.version, enc
}

// CellLastEdit returns last-editor metadata for a cell, or nil if the cell
// has never been edited.
func (o *Owner) CellLastEdit(i int) *Edit {
	if !grid.CellIndexValid(i) {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.lastEdits[uint16(i)]; ok {
		cp := e
		return &cp
	}
	return nil
}

// RecentEdits returns a copy of the bounded recent-activity FIFO.
func (o *Owner) RecentEdits() []RecentEdit {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]RecentEdit, len(o.recentEdits))
	copy(out, o.recentEdits)
	return out
}

// Close stops timers and forces a final snapshot flush.
func (o *Owner) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
		o.snapTicker.Stop()
		o.mu.Lock()
		if o.walTimer != nil {
			o.walTimer.Stop()
		}
		o.flushWALLocked()
		o.mu.Unlock()
		o.flushSnapshot(true)
		metrics.TilesLive.Dec()
	})
}

func (o *Owner) pushOpIDLocked(op string) {
	if len(o.dedupRing) >= dedupRingSize {
		oldest := o.dedupRing[0]
		o.dedupRing = o.dedupRing[1:]
		delete(o.dedupSet, oldest)
	}
	o.dedupRing = append(o.dedupRing, op)
	o.dedupSet[op] = struct{}{}
}

func (o *Owner) pushRecentEditLocked(i uint16, atMs int64) {
	if len(o.recentEdits) >= recentEditCap {
		o.recentEdits = o.recentEdits[1:]
	}
	o.recentEdits = append(o.recentEdits, RecentEdit{I: i, AtMs: atMs})
}

// enqueueWALLocked appends one changed op to the pending batch. The first
// op pins fromVer to the version after its apply, so
// toVer-fromVer+1 == len(ops) holds by construction.
func (o *Owner) enqueueWALLocked(op codec.CellOp) {
	if len(o.pending) == 0 {
		o.pendingFrom = o.version
		if o.walTimer == nil {
			o.walTimer = time.AfterFunc(walFlushInterval, o.walTimerFired)
		} else {
			o.walTimer.Reset(walFlushInterval)
		}
	}
	o.pending = append(o.pending, op)
	if len(o.pending) >= walFlushOps {
		o.walTimer.Stop()
		o.flushWALLocked()
	}
}

func (o *Owner) walTimerFired() {
	o.mu.Lock()
	o.flushWALLocked()
	o.mu.Unlock()
}

// flushWALLocked emits the pending batch to every watcher shard. Fanout is
// fire-and-forget: the write path never waits on shard delivery.
func (o *Owner) flushWALLocked() {
	if len(o.pending) == 0 {
		return
	}
	batch := &codec.CellUpBatch{
		Tile:    o.key,
		FromVer: o.pendingFrom,
		ToVer:   o.pendingFrom + uint32(len(o.pending)) - 1,
		Ops:     o.pending,
	}
	o.pending = nil

	targets := make([]string, 0, len(o.watchers))
	for s := range o.watchers {
		targets = append(targets, s)
	}

	metrics.WALBatchesTotal.Inc()
	metrics.WALBatchOps.Observe(float64(len(batch.Ops)))

	go func() {
		for _, shardName := range targets {
			o.bc.SendTileBatch(shardName, batch)
		}
	}()
}

func (o *Owner) noteSnapshotWorkLocked() {
	o.opsSinceSnap++
	if o.opsSinceSnap >= snapshotFlushOps {
		go o.flushSnapshot(false)
	}
}

func (o *Owner) snapshotLoop() {
	for {
		select {
		case <-o.done:
			return
		case <-o.snapTicker.C:
			o.flushSnapshot(false)
		}
	}
}

// flushSnapshot persists current state. At most one flush runs at a time;
// work arriving mid-flight sets the dirty flag and triggers a follow-up.
func (o *Owner) flushSnapshot(force bool) {
	o.mu.Lock()
	if !force && o.opsSinceSnap == 0 {
		o.mu.Unlock()
		return
	}
	if o.flushInFlight {
		if !force {
			o.flushDirty = true
			o.mu.Unlock()
			return
		}
		// A forced flush must capture the ops the in-flight flush missed:
		// wait it out and run one more, unconditionally.
		for o.flushInFlight {
			o.flushCond.Wait()
		}
	}
	o.flushInFlight = true
	o.opsSinceSnap = 0

	enc, err := codec.EncodeRLE64(o.bits)
	if err != nil {
		o.flushInFlight = false
		o.flushCond.Broadcast()
		o.mu.Unlock()
		o.logger.Error().Err(err).Msg("Snapshot encode failed")
		return
	}
	snap := &store.Snapshot{
		Bits:  enc,
		Ver:   o.version,
		Edits: o.editRecordsLocked(),
	}
	o.mu.Unlock()

	saveErr := o.store.SaveSnapshot(context.Background(), o.key, snap)
	if saveErr != nil {
		// In-memory state and the WAL broadcast still hold the data; the
		// next flush trigger retries.
		o.logger.Warn().Err(saveErr).Msg("Snapshot persistence failed")
		metrics.SnapshotFlushes.WithLabelValues("error").Inc()
	} else {
		metrics.SnapshotFlushes.WithLabelValues("ok").Inc()
	}

	o.mu.Lock()
	o.flushInFlight = false
	o.flushCond.Broadcast()
	redo := o.flushDirty || saveErr != nil
	o.flushDirty = false
	o.mu.Unlock()

	if redo && !force {
		select {
		case <-o.done:
		default:
			go o.flushSnapshot(false)
		}
	}
}

// editRecordsLocked flattens the sparse last-edit table, ordered by cell
// index for stable persisted output.
func (o *Owner) editRecordsLocked() []store.EditRecord {
	if len(o.lastEdits) == 0 {
		return nil
	}
	out := make([]store.EditRecord, 0, len(o.lastEdits))
	for i := 0; i < grid.TileCellCount; i++ {
		if e, ok := o.lastEdits[uint16(i)]; ok {
			out = append(out, store.EditRecord{I: uint16(i), UID: e.UID, Name: e.Name, AtMs: e.AtMs})
		}
	}
	return out
}

func (o *Owner) persistWatchersLocked() {
	subs := make([]string, 0, len(o.watchers))
	for s := range o.watchers {
		subs = append(subs, s)
	}
	go func() {
		if err := o.store.SaveSubscribers(context.Background(), o.key, subs); err != nil {
			o.logger.Warn().Err(err).Msg("Subscriber persistence failed")
		}
	}()
}
