// bitgridd is the realtime grid server: router front door, connection
// shards, tile owners, and persistence in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/bitgrid/internal/auth"
	"github.com/adred-codev/bitgrid/internal/config"
	"github.com/adred-codev/bitgrid/internal/cursor"
	"github.com/adred-codev/bitgrid/internal/fabric"
	"github.com/adred-codev/bitgrid/internal/grid"
	"github.com/adred-codev/bitgrid/internal/guard"
	"github.com/adred-codev/bitgrid/internal/logging"
	"github.com/adred-codev/bitgrid/internal/router"
	"github.com/adred-codev/bitgrid/internal/shard"
	"github.com/adred-codev/bitgrid/internal/store"
	"github.com/adred-codev/bitgrid/internal/tile"
)

const drainTimeout = 10 * time.Second

func main() {
	bootstrap := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Configuration error")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	fab, err := openFabric(cfg, logger)
	if err != nil {
		return err
	}
	defer fab.Close()

	tiles := tile.NewRegistry(fab, st, logger)
	defer tiles.Close()

	var conns int64

	names := make([]string, cfg.ShardCount)
	for i := range names {
		names[i] = fmt.Sprintf("shard-%d", i)
	}
	shards := make([]*shard.Shard, cfg.ShardCount)
	for i, name := range names {
		peers := make([]string, 0, len(names)-1)
		for _, p := range names {
			if p != name {
				peers = append(peers, p)
			}
		}
		s := shard.New(name, tiles, cursor.New(name, peers, fab, logger), &conns, logger)
		if err := fab.Register(name, s); err != nil {
			return fmt.Errorf("register shard %s: %w", name, err)
		}
		shards[i] = s
	}

	maxConns := cfg.MaxConnections
	if maxConns == 0 {
		maxConns = guard.AutoMaxConnections(logger)
	}

	g := guard.New(guard.Config{
		MaxConnections:     maxConns,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MaxGoroutines:      cfg.MaxGoroutines,
	}, &conns, logger)
	defer g.Close()

	rt, err := router.New(router.Options{
		Shards:             shards,
		Tiles:              tiles,
		Tokens:             auth.NewManager(cfg.TokenSecret, cfg.TokenTTL),
		Guard:              g,
		ConnRateGlobPerSec: cfg.ConnRateGlobPerSec,
		ConnRateGlobBurst:  cfg.ConnRateGlobBurst,
		ConnRateIPPerSec:   cfg.ConnRateIPPerSec,
		ConnRateIPBurst:    cfg.ConnRateIPBurst,
	}, logger)
	if err != nil {
		return err
	}

	// Preload the origin neighborhood so first viewers get snapshots
	// without a cold leveldb read on the accept path.
	warm := make([]grid.TileKey, 0, 9)
	for tx := int32(-1); tx <= 1; tx++ {
		for ty := int32(-1); ty <= 1; ty++ {
			warm = append(warm, grid.TileKey{Tx: tx, Ty: ty})
		}
	}
	if err := rt.Warm(context.Background(), warm); err != nil {
		logger.Warn().Err(err).Msg("Tile warmup failed")
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      rt.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("Draining")
	}

	// Stop accepting, close sockets, then flush tiles. Registry close
	// forces a final snapshot per live owner.
	atomic.StoreInt64(&conns, int64(maxConns))
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown timed out")
	}
	for _, s := range shards {
		s.Close()
	}
	tiles.Close()
	logger.Info().Msg("Drained")
	return nil
}

func openStore(cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	kv, err := store.OpenLocalKV(cfg.DataDir, logger)
	if err != nil {
		return nil, err
	}
	if cfg.BlobDir == "" {
		return kv, nil
	}
	return store.NewMigratingBlob(store.NewFSBlob(cfg.BlobDir), kv, cfg.BlobMigrate, logger), nil
}

func openFabric(cfg *config.Config, logger zerolog.Logger) (fabric.Fabric, error) {
	if cfg.NATSURL == "" {
		return fabric.NewLocal(logger), nil
	}
	return fabric.NewNATS(cfg.NATSURL, logger)
}
