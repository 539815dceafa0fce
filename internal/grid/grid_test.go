package grid

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestParseTileKey(t *testing.T) {
	tests := []struct {
		in   string
		want TileKey
		ok   bool
	}{
		{"0:0", TileKey{0, 0}, true},
		{"3:-7", TileKey{3, -7}, true},
		{"-15625000:15625000", TileKey{-15625000, 15625000}, true},
		{"01:2", TileKey{}, false},
		{"1:-02", TileKey{}, false},
		{"-0:1", TileKey{}, false},
		{" 1:2", TileKey{}, false},
		{"1:2 ", TileKey{}, false},
		{"1:", TileKey{}, false},
		{":2", TileKey{}, false},
		{"1", TileKey{}, false},
		{"1:2:3", TileKey{}, false},
		{"a:b", TileKey{}, false},
		{"15625001:0", TileKey{}, false},
		{"0:-15625001", TileKey{}, false},
		{"-:1", TileKey{}, false},
		{"1:+2", TileKey{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTileKey(tt.in)
			if tt.ok {
				assert.NilError(t, err)
				assert.Equal(t, got, tt.want)
			} else {
				assert.Assert(t, err != nil)
			}
		})
	}
}

func TestTileKeyRoundTrip(t *testing.T) {
	keys := []TileKey{{0, 0}, {1, -1}, {-15625000, 15625000}, {42, 1337}}
	for _, k := range keys {
		got, err := ParseTileKey(k.String())
		assert.NilError(t, err)
		assert.Equal(t, got, k)
	}
}

func TestTileForWorld(t *testing.T) {
	tests := []struct {
		x, y int64
		want TileKey
	}{
		{0, 0, TileKey{0, 0}},
		{63, 63, TileKey{0, 0}},
		{64, 0, TileKey{1, 0}},
		{-1, -1, TileKey{-1, -1}},
		{-64, 0, TileKey{-1, 0}},
		{-65, -129, TileKey{-2, -3}},
	}
	for _, tt := range tests {
		assert.Equal(t, TileForWorld(tt.x, tt.y), tt.want)
	}
}

func TestCellIndexForWorld(t *testing.T) {
	tests := []struct {
		x, y int64
		want int
	}{
		{0, 0, 0},
		{63, 0, 63},
		{0, 1, 64},
		{63, 63, 4095},
		{64, 64, 0},
		{-1, 0, 63},   // negative x wraps to rightmost column
		{0, -1, 4032}, // negative y wraps to bottom row
		{-1, -1, 4095},
	}
	for _, tt := range tests {
		assert.Equal(t, CellIndexForWorld(tt.x, tt.y), tt.want)
	}
}

func TestCellIndexValid(t *testing.T) {
	assert.Assert(t, CellIndexValid(0))
	assert.Assert(t, CellIndexValid(4095))
	assert.Assert(t, !CellIndexValid(-1))
	assert.Assert(t, !CellIndexValid(4096))
}

func TestTilesForRect(t *testing.T) {
	// One tile viewport with margin 1 expands to a 3x3 block.
	keys := TilesForRect(10, 10, 20, 20, 1)
	assert.Equal(t, len(keys), 9)

	// Inverted rectangle normalizes.
	keys2 := TilesForRect(20, 20, 10, 10, 1)
	assert.DeepEqual(t, keys, keys2)

	// Zero margin, exact tile.
	keys = TilesForRect(0, 0, 63, 63, 0)
	assert.Equal(t, len(keys), 1)
	assert.Equal(t, keys[0], TileKey{0, 0})

	// Spanning a tile border.
	keys = TilesForRect(60, 0, 70, 10, 0)
	assert.Equal(t, len(keys), 2)
}
