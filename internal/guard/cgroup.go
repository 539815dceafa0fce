package guard

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// memoryLimit returns the container memory limit in bytes from the
// cgroup filesystem. Tries cgroup v2 (/sys/fs/cgroup/memory.max), then
// cgroup v1. Returns 0 when no limit is found (bare metal, dev boxes,
// containers without a memory cap).
func memoryLimit() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		s := strings.TrimSpace(string(data))
		if s != "max" {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
		}
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// AutoMaxConnections sizes the connection cap from the detected cgroup
// memory limit. The per-connection footprint is dominated by the send
// queue (256 frames), the subscription set (up to 300 tiles), and the
// rate-limit windows; ~64KB covers the lot with headroom.
func AutoMaxConnections(logger zerolog.Logger) int {
	limit := memoryLimit()
	if limit == 0 {
		return 10000
	}

	// Runtime, leveldb block cache, and tile owners come off the top.
	const runtimeOverheadBytes = 128 * 1024 * 1024
	const bytesPerConnection = 64 * 1024

	available := limit - runtimeOverheadBytes
	if available < 0 {
		available = limit / 2
	}

	maxConns := int(available / bytesPerConnection)
	if maxConns < 100 {
		maxConns = 100
	}
	if maxConns > 50000 {
		maxConns = 50000
	}
	logger.Info().
		Int64("memory_limit_bytes", limit).
		Int("max_connections", maxConns).
		Msg("Sized connection cap from cgroup memory limit")
	return maxConns
}
