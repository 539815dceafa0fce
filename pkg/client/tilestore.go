// Package client is the data core a grid frontend embeds: a versioned
// tile cache with gap detection, a viewport subscription reconciler, an
// offline outbox, and the reconnecting wire transport.
package client

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adred-codev/bitgrid/internal/codec"
	"github.com/adred-codev/bitgrid/internal/grid"
)

// TileCacheSize bounds the number of tiles kept client-side.
const TileCacheSize = 512

// TileEntry is one cached tile: full bit plane plus the last version the
// cache has contiguously applied.
type TileEntry struct {
	Bits []byte
	Ver  uint32
}

// ApplyResult reports whether an update landed or exposed a version gap.
// HaveVer is -1 when the tile is not cached at all.
type ApplyResult struct {
	Gap     bool
	HaveVer int64
}

// TileStore is the client's authoritative-state mirror. Updates apply
// only in contiguous version order; anything else is a gap, and anything
// older than the cached version is dropped as already applied.
type TileStore struct {
	mu    sync.Mutex
	cache *lru.Cache[grid.TileKey, *TileEntry]
}

func NewTileStore() *TileStore {
	cache, err := lru.New[grid.TileKey, *TileEntry](TileCacheSize)
	if err != nil {
		// Size is a positive constant; lru.New cannot fail on it.
		panic(err)
	}
	return &TileStore{cache: cache}
}

// SetSnapshot overwrites a tile unconditionally.
func (s *TileStore) SetSnapshot(key grid.TileKey, bits []byte, ver uint32) {
	cp := make([]byte, len(bits))
	copy(cp, bits)
	s.mu.Lock()
	s.cache.Add(key, &TileEntry{Bits: cp, Ver: ver})
	s.mu.Unlock()
}

// Get returns a copy of the cached tile, or nil.
func (s *TileStore) Get(key grid.TileKey) *TileEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache.Get(key)
	if !ok {
		return nil
	}
	cp := make([]byte, len(entry.Bits))
	copy(cp, entry.Bits)
	return &TileEntry{Bits: cp, Ver: entry.Ver}
}

// ApplySingle applies one cellUp.
func (s *TileStore) ApplySingle(key grid.TileKey, i uint16, v byte, ver uint32) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache.Get(key)
	if !ok {
		return ApplyResult{Gap: true, HaveVer: -1}
	}
	if ver <= entry.Ver {
		// Belated in-order delivery after a snapshot already covered it.
		return ApplyResult{HaveVer: int64(entry.Ver)}
	}
	if ver != entry.Ver+1 {
		return ApplyResult{Gap: true, HaveVer: int64(entry.Ver)}
	}
	entry.Bits[i] = v
	entry.Ver = ver
	return ApplyResult{HaveVer: int64(ver)}
}

// ApplyBatch applies a cellUpBatch with the same contiguity rule keyed on
// fromVer.
func (s *TileStore) ApplyBatch(key grid.TileKey, fromVer, toVer uint32, ops []codec.CellOp) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache.Get(key)
	if !ok {
		return ApplyResult{Gap: true, HaveVer: -1}
	}
	if fromVer <= entry.Ver {
		return ApplyResult{HaveVer: int64(entry.Ver)}
	}
	if fromVer != entry.Ver+1 {
		return ApplyResult{Gap: true, HaveVer: int64(entry.Ver)}
	}
	for _, op := range ops {
		entry.Bits[op.I] = op.V
	}
	entry.Ver = toVer
	return ApplyResult{HaveVer: int64(toVer)}
}
