package client

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/adred-codev/bitgrid/internal/grid"
)

func keySet(keys []grid.TileKey) map[grid.TileKey]struct{} {
	out := make(map[grid.TileKey]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

func TestReconcileInitialView(t *testing.T) {
	r := NewReconciler()

	// One tile visible plus the margin ring: a 3x3 block.
	toSub, toUnsub := r.Reconcile(0, 0, 63, 63)
	assert.Equal(t, len(toSub), 9)
	assert.Equal(t, len(toUnsub), 0)
	_, ok := keySet(toSub)[grid.TileKey{Tx: -1, Ty: -1}]
	assert.Assert(t, ok)
}

func TestReconcilePan(t *testing.T) {
	r := NewReconciler()
	r.Reconcile(0, 0, 63, 63)

	// Pan one tile right: one new column subs, one old column unsubs.
	toSub, toUnsub := r.Reconcile(64, 0, 127, 63)
	assert.Equal(t, len(toSub), 3)
	assert.Equal(t, len(toUnsub), 3)
	subs := keySet(toSub)
	for ty := int32(-1); ty <= 1; ty++ {
		_, ok := subs[grid.TileKey{Tx: 2, Ty: ty}]
		assert.Assert(t, ok)
	}
	unsubs := keySet(toUnsub)
	for ty := int32(-1); ty <= 1; ty++ {
		_, ok := unsubs[grid.TileKey{Tx: -1, Ty: ty}]
		assert.Assert(t, ok)
	}

	// Same viewport again: no traffic.
	toSub, toUnsub = r.Reconcile(64, 0, 127, 63)
	assert.Equal(t, len(toSub), 0)
	assert.Equal(t, len(toUnsub), 0)
}

func TestReconcileReset(t *testing.T) {
	r := NewReconciler()
	r.Reconcile(0, 0, 63, 63)
	assert.Equal(t, len(r.Subscribed()), 9)

	r.Reset()
	assert.Equal(t, len(r.Subscribed()), 0)

	// Everything resubscribes after a reset.
	toSub, toUnsub := r.Reconcile(0, 0, 63, 63)
	assert.Equal(t, len(toSub), 9)
	assert.Equal(t, len(toUnsub), 0)
}
