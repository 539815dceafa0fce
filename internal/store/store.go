// Package store persists tile state. Two strategies implement the same
// three-method contract: a local KV (leveldb) and a migrating blob store
// that prefers the blob bucket and falls back to the KV while old tiles
// migrate over.
package store

import (
	"context"
	"errors"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/adred-codev/bitgrid/internal/grid"
)

// ErrNotFound is returned by blob stores for missing keys.
var ErrNotFound = errors.New("store: not found")

// EditRecord is one entry of a tile's sparse last-edit table.
type EditRecord struct {
	I    uint16 `json:"i"`
	UID  string `json:"uid"`
	Name string `json:"name"`
	AtMs int64  `json:"atMs"`
}

// Snapshot is the persisted form of a tile: rle64-encoded bits, version,
// and the last-edit table as an ordered list.
type Snapshot struct {
	Bits  string       `json:"bits"`
	Ver   uint32       `json:"ver"`
	Edits []EditRecord `json:"edits,omitempty"`
}

// LoadResult carries whatever persisted state exists for a tile. A nil
// Snapshot means the tile has never been flushed.
type LoadResult struct {
	Snapshot    *Snapshot
	Subscribers []string
}

// Store is the persistence contract tile owners speak.
type Store interface {
	Load(ctx context.Context, key grid.TileKey) (LoadResult, error)
	SaveSnapshot(ctx context.Context, key grid.TileKey, snap *Snapshot) error
	SaveSubscribers(ctx context.Context, key grid.TileKey, subscribers []string) error
	Close() error
}

// BlobStore is the external bucket surface the migrating strategy writes
// through. Implementations live outside the core; a filesystem-backed one
// ships for dev and tests.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

// snapshot reads are sampled at 2% for telemetry.
const readSampleRate = 0.02

func sampleRead(logger zerolog.Logger, key grid.TileKey, source string, ver uint32, hit bool) {
	if rand.Float64() >= readSampleRate {
		return
	}
	logger.Info().
		Str("event", "snapshot_read").
		Str("tile", key.String()).
		Str("source", source).
		Uint32("ver", ver).
		Bool("hit", hit).
		Msg("Sampled snapshot read")
}
