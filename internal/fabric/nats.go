package fabric

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/bitgrid/internal/codec"
	"github.com/adred-codev/bitgrid/internal/grid"
	"github.com/adred-codev/bitgrid/internal/metrics"
)

const (
	tileSubjectPrefix   = "bitgrid.tile."
	cursorSubjectPrefix = "bitgrid.cursor."
)

type tileBatchMsg struct {
	Tx      int32       `json:"tx"`
	Ty      int32       `json:"ty"`
	FromVer uint32      `json:"fromVer"`
	ToVer   uint32      `json:"toVer"`
	Ops     []cellOpMsg `json:"ops"`
}

type cellOpMsg struct {
	I uint16 `json:"i"`
	V uint8  `json:"v"`
}

type cursorBatchMsg struct {
	From   string        `json:"from"`
	States []CursorState `json:"states"`
}

// NATS carries fabric traffic over a NATS bus, one subject per shard per
// stream. Cross-process deployments point every process at the same bus
// and register only the shards they host.
type NATS struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNATS(url string, logger zerolog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("bitgrid-fabric"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("fabric: connect nats: %w", err)
	}
	return &NATS{
		conn:   conn,
		logger: logger.With().Str("component", "fabric_nats").Logger(),
	}, nil
}

func (f *NATS) Register(shardName string, sink Sink) error {
	tileSub, err := f.conn.Subscribe(tileSubjectPrefix+shardName, func(m *nats.Msg) {
		var msg tileBatchMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			f.logger.Warn().Err(err).Msg("Malformed tile batch dropped")
			return
		}
		ops := make([]codec.CellOp, len(msg.Ops))
		for i, op := range msg.Ops {
			ops[i] = codec.CellOp{I: op.I, V: op.V}
		}
		sink.DeliverTileBatch(&codec.CellUpBatch{
			Tile:    grid.TileKey{Tx: msg.Tx, Ty: msg.Ty},
			FromVer: msg.FromVer,
			ToVer:   msg.ToVer,
			Ops:     ops,
		})
	})
	if err != nil {
		return fmt.Errorf("fabric: subscribe tile stream: %w", err)
	}

	cursorSub, err := f.conn.Subscribe(cursorSubjectPrefix+shardName, func(m *nats.Msg) {
		var msg cursorBatchMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			f.logger.Warn().Err(err).Msg("Malformed cursor batch dropped")
			return
		}
		sink.DeliverCursorBatch(msg.From, msg.States)
	})
	if err != nil {
		tileSub.Unsubscribe()
		return fmt.Errorf("fabric: subscribe cursor stream: %w", err)
	}

	f.mu.Lock()
	f.subs = append(f.subs, tileSub, cursorSub)
	f.mu.Unlock()
	return nil
}

func (f *NATS) SendTileBatch(toShard string, batch *codec.CellUpBatch) {
	ops := make([]cellOpMsg, len(batch.Ops))
	for i, op := range batch.Ops {
		ops[i] = cellOpMsg{I: op.I, V: op.V}
	}
	data, err := json.Marshal(tileBatchMsg{
		Tx: batch.Tile.Tx, Ty: batch.Tile.Ty,
		FromVer: batch.FromVer, ToVer: batch.ToVer, Ops: ops,
	})
	if err != nil {
		metrics.BroadcastFailures.Inc()
		return
	}
	if err := f.conn.Publish(tileSubjectPrefix+toShard, data); err != nil {
		metrics.BroadcastFailures.Inc()
		f.logger.Warn().Err(err).Str("shard", toShard).Msg("Tile batch publish failed")
	}
}

func (f *NATS) SendCursorBatch(toShard, fromShard string, states []CursorState) {
	data, err := json.Marshal(cursorBatchMsg{From: fromShard, States: states})
	if err != nil {
		metrics.BroadcastFailures.Inc()
		return
	}
	if err := f.conn.Publish(cursorSubjectPrefix+toShard, data); err != nil {
		metrics.BroadcastFailures.Inc()
		f.logger.Warn().Err(err).Str("shard", toShard).Msg("Cursor batch publish failed")
	}
}

func (f *NATS) Close() error {
	f.mu.Lock()
	for _, sub := range f.subs {
		sub.Unsubscribe()
	}
	f.subs = nil
	f.mu.Unlock()
	f.conn.Drain()
	f.conn.Close()
	return nil
}
