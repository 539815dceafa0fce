// Package guard is the connection admission brake: static limits checked
// against sampled CPU, goroutine count, and the live connection count.
package guard

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/adred-codev/bitgrid/internal/metrics"
)

const cpuSampleInterval = 5 * time.Second

type Config struct {
	MaxConnections     int
	CPURejectThreshold float64
	MaxGoroutines      int
}

// Guard samples system load in the background and answers admission
// checks without blocking.
type Guard struct {
	cfg    Config
	logger zerolog.Logger

	currentCPU atomic.Value // float64
	conns      *int64

	done      chan struct{}
	closeOnce atomic.Bool
}

// New starts the CPU sampler. conns points at the server's live
// connection counter, read atomically.
func New(cfg Config, conns *int64, logger zerolog.Logger) *Guard {
	g := &Guard{
		cfg:    cfg,
		logger: logger.With().Str("component", "guard").Logger(),
		conns:  conns,
		done:   make(chan struct{}),
	}
	g.currentCPU.Store(0.0)
	go g.sampleLoop()
	return g
}

// ShouldAccept reports whether a new connection may be admitted, with a
// human-readable reason on rejection.
func (g *Guard) ShouldAccept() (bool, string) {
	conns := atomic.LoadInt64(g.conns)
	if g.cfg.MaxConnections > 0 && conns >= int64(g.cfg.MaxConnections) {
		metrics.ConnectionsRejected.WithLabelValues("at_max_connections").Inc()
		return false, fmt.Sprintf("at max connections (%d)", g.cfg.MaxConnections)
	}

	cpuNow := g.currentCPU.Load().(float64)
	if g.cfg.CPURejectThreshold > 0 && cpuNow > g.cfg.CPURejectThreshold {
		metrics.ConnectionsRejected.WithLabelValues("cpu_overload").Inc()
		g.logger.Warn().Float64("cpu", cpuNow).Float64("threshold", g.cfg.CPURejectThreshold).
			Msg("Connection rejected on CPU brake")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuNow, g.cfg.CPURejectThreshold)
	}

	if g.cfg.MaxGoroutines > 0 && runtime.NumGoroutine() > g.cfg.MaxGoroutines {
		metrics.ConnectionsRejected.WithLabelValues("goroutine_limit").Inc()
		return false, "goroutine limit exceeded"
	}
	return true, ""
}

func (g *Guard) sampleLoop() {
	ticker := time.NewTicker(cpuSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			// 100ms sample window: cpu.Percent(0) has no baseline on the
			// first call and a 1s window blocks too long per cycle.
			pct, err := cpu.Percent(100*time.Millisecond, false)
			if err != nil || len(pct) == 0 {
				continue
			}
			g.currentCPU.Store(pct[0])
		}
	}
}

func (g *Guard) Close() {
	if g.closeOnce.CompareAndSwap(false, true) {
		close(g.done)
	}
}
