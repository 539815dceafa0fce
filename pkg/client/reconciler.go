package client

import (
	"github.com/adred-codev/bitgrid/internal/grid"
)

// viewportMargin pre-subscribes one ring of tiles beyond the camera so
// panning reveals populated cells.
const viewportMargin = 1

// Reconciler diffs the visible tile set against the subscribed set and
// produces the minimal sub/unsub pair per frame.
type Reconciler struct {
	subscribed map[grid.TileKey]struct{}
}

func NewReconciler() *Reconciler {
	return &Reconciler{subscribed: make(map[grid.TileKey]struct{})}
}

// Reconcile computes the subscription delta for a camera rectangle in
// world coordinates and replaces the tracked set with the visible one.
func (r *Reconciler) Reconcile(x0, y0, x1, y1 float64) (toSub, toUnsub []grid.TileKey) {
	visible := grid.TilesForRect(x0, y0, x1, y1, viewportMargin)
	visibleSet := make(map[grid.TileKey]struct{}, len(visible))
	for _, k := range visible {
		visibleSet[k] = struct{}{}
		if _, ok := r.subscribed[k]; !ok {
			toSub = append(toSub, k)
		}
	}
	for k := range r.subscribed {
		if _, ok := visibleSet[k]; !ok {
			toUnsub = append(toUnsub, k)
		}
	}
	r.subscribed = visibleSet
	return toSub, toUnsub
}

// Subscribed returns the currently tracked tile set.
func (r *Reconciler) Subscribed() []grid.TileKey {
	out := make([]grid.TileKey, 0, len(r.subscribed))
	for k := range r.subscribed {
		out = append(out, k)
	}
	return out
}

// Reset clears the tracked set so the next reconcile resubscribes
// everything. Called on transport reconnect: the shard rebuilt our state
// from scratch.
func (r *Reconciler) Reset() {
	r.subscribed = make(map[grid.TileKey]struct{})
}
