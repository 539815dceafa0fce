package tile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/bitgrid/internal/codec"
	"github.com/adred-codev/bitgrid/internal/grid"
	"github.com/adred-codev/bitgrid/internal/store"
)

// ErrBadSnapshot marks persisted tile state that fails validation.
var ErrBadSnapshot = errors.New("bad_snapshot")

// Registry lazily materializes tile owners from persistence. The first
// touch of a tile creates its owner; subsequent lookups return the same
// instance until Close.
type Registry struct {
	bc     Broadcaster
	store  store.Store
	logger zerolog.Logger

	mu     sync.Mutex
	owners map[grid.TileKey]*Owner
	closed bool
}

func NewRegistry(bc Broadcaster, st store.Store, logger zerolog.Logger) *Registry {
	return &Registry{
		bc:     bc,
		store:  st,
		logger: logger.With().Str("component", "tile_registry").Logger(),
		owners: make(map[grid.TileKey]*Owner),
	}
}

// Get returns the owner for a tile, creating and loading it on first
// touch. Creation happens under the registry lock so two shards racing on
// the same cold tile observe a single owner.
func (r *Registry) Get(ctx context.Context, key grid.TileKey) (*Owner, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("tile out of range: %s", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("tile registry closed")
	}
	if o, ok := r.owners[key]; ok {
		return o, nil
	}

	res, err := r.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load tile %s: %w", key, err)
	}

	o := NewOwner(key, r.bc, r.store, r.logger)
	if res.Snapshot != nil {
		bits, err := codec.DecodeRLE64(res.Snapshot.Bits)
		if err != nil {
			o.Close()
			return nil, fmt.Errorf("tile %s: %w: %v", key, ErrBadSnapshot, err)
		}
		if err := o.LoadSnapshot(bits, res.Snapshot.Ver, res.Snapshot.Edits); err != nil {
			o.Close()
			return nil, fmt.Errorf("tile %s: %w", key, err)
		}
	}
	if len(res.Subscribers) > 0 {
		o.SetWatchers(res.Subscribers)
	}
	r.owners[key] = o
	return o, nil
}

// Peek returns the owner if it is already live, without materializing it.
func (r *Registry) Peek(key grid.TileKey) *Owner {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owners[key]
}

// Live returns the currently materialized owners.
func (r *Registry) Live() []*Owner {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Owner, 0, len(r.owners))
	for _, o := range r.owners {
		out = append(out, o)
	}
	return out
}

// Close flushes and stops every live owner.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	owners := make([]*Owner, 0, len(r.owners))
	for _, o := range r.owners {
		owners = append(owners, o)
	}
	r.owners = nil
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, o := range owners {
		wg.Add(1)
		go func(o *Owner) {
			defer wg.Done()
			o.Close()
		}(o)
	}
	wg.Wait()
}
