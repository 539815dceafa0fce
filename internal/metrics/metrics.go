// Package metrics exposes the Prometheus instrumentation for the realtime
// grid core. Counters and gauges are package-level and registered once;
// actors call the exported vars directly on their hot paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bitgrid_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bitgrid_connections_active",
		Help: "Current number of active WebSocket connections",
	})
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitgrid_connections_rejected_total",
		Help: "Connections rejected before upgrade, by reason",
	}, []string{"reason"})

	// Tile owner metrics
	TilesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bitgrid_tiles_live",
		Help: "Tile owners currently resident in memory",
	})
	SetCellTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitgrid_setcell_total",
		Help: "setCell results at tile owners, by outcome",
	}, []string{"outcome"})
	WALBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bitgrid_wal_batches_total",
		Help: "cellUpBatch broadcasts flushed by tile owners",
	})
	WALBatchOps = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bitgrid_wal_batch_ops",
		Help:    "Ops per flushed cellUpBatch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})
	SnapshotFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitgrid_snapshot_flushes_total",
		Help: "Tile snapshot persistence flushes, by result",
	}, []string{"result"})
	BroadcastFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bitgrid_broadcast_failures_total",
		Help: "Tile batch deliveries that failed to reach a shard",
	})

	// Shard metrics
	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bitgrid_subscriptions_active",
		Help: "Client tile subscriptions currently held across shards",
	})
	MessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bitgrid_messages_dropped_total",
		Help: "Outbound messages dropped on full client buffers",
	})
	RateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitgrid_rate_limit_hits_total",
		Help: "Client operations refused by sliding-window limits, by limit",
	}, []string{"limit"})
	ErrorsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bitgrid_errors_sent_total",
		Help: "err messages emitted to clients, by code",
	}, []string{"code"})
	ResyncsServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bitgrid_resyncs_served_total",
		Help: "Tile snapshots pushed in response to resync or recovery",
	})

	// Cursor metrics
	CursorsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bitgrid_cursors_active",
		Help: "Fresh cursor presences tracked across shards",
	})
	CursorRelays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bitgrid_cursor_relays_total",
		Help: "Cursor batches relayed to peer shards",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		TilesLive,
		SetCellTotal,
		WALBatchesTotal,
		WALBatchOps,
		SnapshotFlushes,
		BroadcastFailures,
		SubscriptionsActive,
		MessagesDropped,
		RateLimitHits,
		ErrorsSent,
		ResyncsServed,
		CursorsActive,
		CursorRelays,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
