// Package fabric moves owner and cursor traffic between connection
// shards. The local fabric dispatches in-process; the NATS fabric carries
// the same payloads over the bus so shards can live in separate processes.
package fabric

import (
	"github.com/adred-codev/bitgrid/internal/codec"
)

// CursorState is one user's cursor as relayed between shards.
type CursorState struct {
	UID    string  `json:"uid"`
	Name   string  `json:"name"`
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Seq    uint64  `json:"seq"`
	SeenAt int64   `json:"seenAt"`
}

// Sink is the receiving side a shard registers with the fabric.
type Sink interface {
	DeliverTileBatch(batch *codec.CellUpBatch)
	DeliverCursorBatch(fromShard string, states []CursorState)
}

// Fabric routes traffic to named shards. Sends are fire-and-forget;
// delivery failures are counted, never propagated to the caller.
type Fabric interface {
	Register(shardName string, sink Sink) error
	SendTileBatch(toShard string, batch *codec.CellUpBatch)
	SendCursorBatch(toShard, fromShard string, states []CursorState)
	Close() error
}
