package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/bitgrid/internal/grid"
)

const (
	outboxCap         = 100
	outboxEntryTTL    = 90 * time.Second
	outboxMaxAttempts = 6
	outboxReplayPer   = 2

	// An entry is replayable once it has gone unacknowledged this long.
	outboxReplayAfter = 500 * time.Millisecond
)

// OutboxEntry is one unacknowledged local write.
type OutboxEntry struct {
	Tile     grid.TileKey
	I        uint16
	V        byte
	Op       string
	At       time.Time
	LastSent time.Time
	Attempts int
}

// Outbox buffers local setCell intents until the server echoes them back
// through a broadcast. Keyed per cell: a newer toggle of the same cell
// replaces the older intent.
type Outbox struct {
	mu      sync.Mutex
	entries map[string]*OutboxEntry
}

func NewOutbox() *Outbox {
	return &Outbox{entries: make(map[string]*OutboxEntry)}
}

func outboxKey(tile grid.TileKey, i uint16) string {
	return fmt.Sprintf("%s:%d", tile, i)
}

// Put records or refreshes the intent for a cell.
func (o *Outbox) Put(tile grid.TileKey, i uint16, v byte, op string, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.entries) >= outboxCap {
		if _, exists := o.entries[outboxKey(tile, i)]; !exists {
			return
		}
	}
	o.entries[outboxKey(tile, i)] = &OutboxEntry{
		Tile: tile, I: i, V: v, Op: op, At: now, LastSent: now,
	}
}

// Ack deletes the entry for (tile, i, v) if the observed value matches:
// the server has seen our write.
func (o *Outbox) Ack(tile grid.TileKey, i uint16, v byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := outboxKey(tile, i)
	if e, ok := o.entries[key]; ok && e.V == v {
		delete(o.entries, key)
	}
}

// ReplayBatch returns up to two entries due for another send, bumping
// their attempt counts, and evicts entries that are expired or out of
// attempts.
func (o *Outbox) ReplayBatch(now time.Time) []OutboxEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutboxEntry, 0, outboxReplayPer)
	for key, e := range o.entries {
		if now.Sub(e.At) > outboxEntryTTL || e.Attempts >= outboxMaxAttempts {
			delete(o.entries, key)
			continue
		}
		if now.Sub(e.LastSent) < outboxReplayAfter {
			continue
		}
		if len(out) < outboxReplayPer {
			e.Attempts++
			e.LastSent = now
			out = append(out, *e)
		}
	}
	return out
}

// Len reports the number of pending entries, surfaced in the UI as the
// unsynced-edit count.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
