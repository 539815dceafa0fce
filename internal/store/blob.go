package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/adred-codev/bitgrid/internal/grid"
)

// blobKey is the bucket layout for tile snapshots.
func blobKey(key grid.TileKey) string {
	return fmt.Sprintf("tiles/v1/tx=%d/ty=%d.json", key.Tx, key.Ty)
}

// MigratingBlob prefers the blob bucket for snapshots, falling back to the
// local KV for tiles that have not migrated yet. A fallback hit lazily
// rewrites the snapshot to the bucket. While migration is on, snapshot
// writes go to both stores. Subscriber sets stay in the local KV; they are
// shard-local coordination state, not bucket material.
type MigratingBlob struct {
	blob      BlobStore
	kv        *LocalKV
	dualWrite bool
	logger    zerolog.Logger
}

func NewMigratingBlob(blob BlobStore, kv *LocalKV, dualWrite bool, logger zerolog.Logger) *MigratingBlob {
	return &MigratingBlob{
		blob:      blob,
		kv:        kv,
		dualWrite: dualWrite,
		logger:    logger.With().Str("component", "store_blob").Logger(),
	}
}

func (s *MigratingBlob) Load(ctx context.Context, key grid.TileKey) (LoadResult, error) {
	// Subscribers always come from the KV.
	res, err := s.kv.Load(ctx, key)
	if err != nil {
		return res, err
	}
	kvSnap := res.Snapshot

	raw, err := s.blob.Get(ctx, blobKey(key))
	switch {
	case err == nil:
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return res, fmt.Errorf("blob: corrupt snapshot for %s: %w", key, err)
		}
		res.Snapshot = &snap
		sampleRead(s.logger, key, "blob", snap.Ver, true)
		return res, nil
	case errors.Is(err, ErrNotFound):
		// Fall back to the KV copy; rewrite it to the bucket so the next
		// read is served from there.
		if kvSnap != nil {
			if err := s.putBlob(ctx, key, kvSnap); err != nil {
				s.logger.Warn().Err(err).Str("tile", key.String()).Msg("Lazy blob rewrite failed")
			}
		}
		ver := uint32(0)
		if kvSnap != nil {
			ver = kvSnap.Ver
		}
		sampleRead(s.logger, key, "localkv_fallback", ver, kvSnap != nil)
		return res, nil
	default:
		return res, fmt.Errorf("blob: load snapshot %s: %w", key, err)
	}
}

func (s *MigratingBlob) SaveSnapshot(ctx context.Context, key grid.TileKey, snap *Snapshot) error {
	if err := s.putBlob(ctx, key, snap); err != nil {
		return err
	}
	if s.dualWrite {
		if err := s.kv.SaveSnapshot(ctx, key, snap); err != nil {
			return err
		}
	}
	return nil
}

func (s *MigratingBlob) putBlob(ctx context.Context, key grid.TileKey, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("blob: marshal snapshot %s: %w", key, err)
	}
	if err := s.blob.Put(ctx, blobKey(key), raw); err != nil {
		return fmt.Errorf("blob: save snapshot %s: %w", key, err)
	}
	return nil
}

func (s *MigratingBlob) SaveSubscribers(ctx context.Context, key grid.TileKey, subscribers []string) error {
	return s.kv.SaveSubscribers(ctx, key, subscribers)
}

func (s *MigratingBlob) Close() error {
	return s.kv.Close()
}

// FSBlob is a filesystem-backed BlobStore for dev and tests.
type FSBlob struct {
	root string
}

func NewFSBlob(root string) *FSBlob {
	return &FSBlob{root: root}
}

func (b *FSBlob) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.root, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *FSBlob) Put(ctx context.Context, key string, data []byte) error {
	path := filepath.Join(b.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// MemBlob is an in-memory BlobStore for tests.
type MemBlob struct {
	objects map[string][]byte
}

func NewMemBlob() *MemBlob {
	return &MemBlob{objects: make(map[string][]byte)}
}

func (b *MemBlob) Get(ctx context.Context, key string) ([]byte, error) {
	data, ok := b.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (b *MemBlob) Put(ctx context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	b.objects[key] = cp
	return nil
}
