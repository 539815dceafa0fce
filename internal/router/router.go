// Package router is the stateless front door: it resolves identity,
// picks the shard for a uid, upgrades WebSocket connections, and serves
// the small HTTP read surface.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/adred-codev/bitgrid/internal/auth"
	"github.com/adred-codev/bitgrid/internal/grid"
	"github.com/adred-codev/bitgrid/internal/guard"
	"github.com/adred-codev/bitgrid/internal/metrics"
	"github.com/adred-codev/bitgrid/internal/shard"
	"github.com/adred-codev/bitgrid/internal/tile"
)

// activitySampleCap bounds the /activity response.
const activitySampleCap = 100

type Router struct {
	shards  []*shard.Shard
	tiles   *tile.Registry
	tokens  *auth.Manager
	guard   *guard.Guard
	limiter *connLimiter
	logger  zerolog.Logger
}

type Options struct {
	Shards             []*shard.Shard
	Tiles              *tile.Registry
	Tokens             *auth.Manager
	Guard              *guard.Guard
	ConnRateGlobPerSec float64
	ConnRateGlobBurst  int
	ConnRateIPPerSec   float64
	ConnRateIPBurst    int
}

func New(opts Options, logger zerolog.Logger) (*Router, error) {
	limiter, err := newConnLimiter(
		int(opts.ConnRateGlobPerSec), opts.ConnRateGlobBurst,
		opts.ConnRateIPPerSec, opts.ConnRateIPBurst,
	)
	if err != nil {
		return nil, err
	}
	return &Router{
		shards:  opts.Shards,
		tiles:   opts.Tiles,
		tokens:  opts.Tokens,
		guard:   opts.Guard,
		limiter: limiter,
		logger:  logger.With().Str("component", "router").Logger(),
	}, nil
}

// Handler builds the HTTP mux.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", rt.handleHealth)
	mux.HandleFunc("/ws", rt.handleWS)
	mux.HandleFunc("/cell-last-edit", rt.handleCellLastEdit)
	mux.HandleFunc("/activity", rt.handleActivity)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// ShardFor maps a uid onto its shard with FNV-1a.
func (rt *Router) ShardFor(uid string) *shard.Shard {
	h := fnv.New32a()
	h.Write([]byte(uid))
	return rt.shards[h.Sum32()%uint32(len(rt.shards))]
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ws": "/ws"})
}

func (rt *Router) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") == "" {
		http.Error(w, "upgrade required", http.StatusUpgradeRequired)
		return
	}
	if !rt.limiter.allow(r) {
		metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if ok, reason := rt.guard.ShouldAccept(); !ok {
		http.Error(w, reason, http.StatusServiceUnavailable)
		return
	}

	// A valid token wins; spoofed uid/name query params are ignored.
	var uid, name string
	if claims := rt.tokens.Verify(r.URL.Query().Get("token")); claims != nil {
		uid, name = claims.UID, claims.Name
	} else {
		var err error
		uid, name, err = auth.NewGuestIdentity()
		if err != nil {
			rt.logger.Error().Err(err).Msg("Guest identity generation failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	token, err := rt.tokens.Issue(uid, name)
	if err != nil {
		rt.logger.Error().Err(err).Msg("Token issue failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		rt.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	target := rt.ShardFor(uid)
	rt.logger.Debug().Str("uid", uid).Str("shard", target.Name()).Msg("Connection accepted")
	target.Accept(conn, uid, name, token)
}

func (rt *Router) handleCellLastEdit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	key, err := grid.ParseTileKey(r.URL.Query().Get("tile"))
	if err != nil {
		http.Error(w, "invalid tile", http.StatusBadRequest)
		return
	}
	i, err := strconv.Atoi(r.URL.Query().Get("i"))
	if err != nil || !grid.CellIndexValid(i) {
		http.Error(w, "invalid cell index", http.StatusBadRequest)
		return
	}

	owner, err := rt.tiles.Get(r.Context(), key)
	if err != nil {
		rt.logger.Error().Err(err).Str("tile", key.String()).Msg("Tile owner unavailable")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{"tile": key.String(), "i": i, "edit": nil}
	if edit := owner.CellLastEdit(i); edit != nil {
		resp["edit"] = map[string]any{"uid": edit.UID, "name": edit.Name, "atMs": edit.AtMs}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleActivity samples recent edits across live tiles so new clients
// can spawn near activity instead of an empty quadrant.
func (rt *Router) handleActivity(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	type tileActivity struct {
		Tile   string `json:"tile"`
		Edits  int    `json:"edits"`
		LastMs int64  `json:"lastMs"`
	}
	out := make([]tileActivity, 0, activitySampleCap)
	for _, owner := range rt.tiles.Live() {
		edits := owner.RecentEdits()
		if len(edits) == 0 {
			continue
		}
		out = append(out, tileActivity{
			Tile:   owner.Key().String(),
			Edits:  len(edits),
			LastMs: edits[len(edits)-1].AtMs,
		})
		if len(out) >= activitySampleCap {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiles": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Warm preloads a set of tiles at startup, used by the load generator
// and drain tests to avoid first-touch latency.
func (rt *Router) Warm(ctx context.Context, keys []grid.TileKey) error {
	for _, key := range keys {
		if _, err := rt.tiles.Get(ctx, key); err != nil {
			return fmt.Errorf("warm tile %s: %w", key, err)
		}
	}
	return nil
}
