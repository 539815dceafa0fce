package fabric

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/bitgrid/internal/codec"
	"github.com/adred-codev/bitgrid/internal/metrics"
)

// Local dispatches directly to co-located shard sinks. This is the
// single-process deployment shape and the fabric used by tests.
type Local struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewLocal(logger zerolog.Logger) *Local {
	return &Local{
		logger: logger.With().Str("component", "fabric_local").Logger(),
		sinks:  make(map[string]Sink),
	}
}

func (f *Local) Register(shardName string, sink Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[shardName] = sink
	return nil
}

func (f *Local) SendTileBatch(toShard string, batch *codec.CellUpBatch) {
	f.mu.RLock()
	sink, ok := f.sinks[toShard]
	f.mu.RUnlock()
	if !ok {
		metrics.BroadcastFailures.Inc()
		f.logger.Warn().Str("shard", toShard).Msg("Tile batch for unknown shard dropped")
		return
	}
	sink.DeliverTileBatch(batch)
}

func (f *Local) SendCursorBatch(toShard, fromShard string, states []CursorState) {
	f.mu.RLock()
	sink, ok := f.sinks[toShard]
	f.mu.RUnlock()
	if !ok {
		metrics.BroadcastFailures.Inc()
		return
	}
	sink.DeliverCursorBatch(fromShard, states)
}

func (f *Local) Close() error {
	f.mu.Lock()
	f.sinks = make(map[string]Sink)
	f.mu.Unlock()
	return nil
}
