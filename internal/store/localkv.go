package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/adred-codev/bitgrid/internal/grid"
)

// LocalKV persists tiles in a leveldb database, one key per field.
type LocalKV struct {
	db     *leveldb.DB
	logger zerolog.Logger
}

// OpenLocalKV opens (or creates) the leveldb database under dir.
func OpenLocalKV(dir string, logger zerolog.Logger) (*LocalKV, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open local kv: %w", err)
	}
	return &LocalKV{
		db:     db,
		logger: logger.With().Str("component", "store_localkv").Logger(),
	}, nil
}

func snapKey(key grid.TileKey) []byte {
	return []byte(fmt.Sprintf("tile:snap:%d:%d", key.Tx, key.Ty))
}

func subsKey(key grid.TileKey) []byte {
	return []byte(fmt.Sprintf("tile:subs:%d:%d", key.Tx, key.Ty))
}

func (s *LocalKV) Load(ctx context.Context, key grid.TileKey) (LoadResult, error) {
	var res LoadResult

	raw, err := s.db.Get(snapKey(key), nil)
	switch {
	case err == nil:
		var snap Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return res, fmt.Errorf("local kv: corrupt snapshot for %s: %w", key, err)
		}
		res.Snapshot = &snap
	case errors.Is(err, leveldb.ErrNotFound):
		// First sight of this tile.
	default:
		return res, fmt.Errorf("local kv: load snapshot %s: %w", key, err)
	}

	raw, err = s.db.Get(subsKey(key), nil)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &res.Subscribers); err != nil {
			return res, fmt.Errorf("local kv: corrupt subscribers for %s: %w", key, err)
		}
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return res, fmt.Errorf("local kv: load subscribers %s: %w", key, err)
	}

	ver := uint32(0)
	if res.Snapshot != nil {
		ver = res.Snapshot.Ver
	}
	sampleRead(s.logger, key, "localkv", ver, res.Snapshot != nil)
	return res, nil
}

func (s *LocalKV) SaveSnapshot(ctx context.Context, key grid.TileKey, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("local kv: marshal snapshot %s: %w", key, err)
	}
	if err := s.db.Put(snapKey(key), raw, nil); err != nil {
		return fmt.Errorf("local kv: save snapshot %s: %w", key, err)
	}
	return nil
}

func (s *LocalKV) SaveSubscribers(ctx context.Context, key grid.TileKey, subscribers []string) error {
	raw, err := json.Marshal(subscribers)
	if err != nil {
		return fmt.Errorf("local kv: marshal subscribers %s: %w", key, err)
	}
	if err := s.db.Put(subsKey(key), raw, nil); err != nil {
		return fmt.Errorf("local kv: save subscribers %s: %w", key, err)
	}
	return nil
}

func (s *LocalKV) Close() error {
	return s.db.Close()
}
