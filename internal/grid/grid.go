// Package grid holds the pure coordinate math of the infinite cell grid:
// world coordinates, tile keys and cell indices. Everything here is
// allocation-free and safe for concurrent use.
package grid

import (
	"fmt"
	"math"
)

const (
	// TileSize is the number of cells along one tile edge.
	TileSize = 64

	// TileCellCount is the number of cells in one tile (TileSize squared).
	TileCellCount = TileSize * TileSize

	// WorldMax is the absolute cap on a world coordinate.
	WorldMax = 1_000_000_000

	// MaxTileAbs is the absolute cap on a tile coordinate.
	MaxTileAbs = WorldMax / TileSize
)

// TileKey identifies one tile. Canonical text form is "tx:ty".
type TileKey struct {
	Tx int32
	Ty int32
}

func (k TileKey) String() string {
	return fmt.Sprintf("%d:%d", k.Tx, k.Ty)
}

// Valid reports whether both tile coordinates are within world bounds.
func (k TileKey) Valid() bool {
	return k.Tx >= -MaxTileAbs && k.Tx <= MaxTileAbs &&
		k.Ty >= -MaxTileAbs && k.Ty <= MaxTileAbs
}

// ParseTileKey parses the canonical "tx:ty" form. Parsing is strict: no
// whitespace, no sign other than a leading '-', and no leading zeros beyond
// a single "0".
func ParseTileKey(s string) (TileKey, error) {
	sep := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return TileKey{}, fmt.Errorf("tile key %q: missing separator", s)
	}
	tx, err := parseCoord(s[:sep])
	if err != nil {
		return TileKey{}, fmt.Errorf("tile key %q: %w", s, err)
	}
	ty, err := parseCoord(s[sep+1:])
	if err != nil {
		return TileKey{}, fmt.Errorf("tile key %q: %w", s, err)
	}
	k := TileKey{Tx: tx, Ty: ty}
	if !k.Valid() {
		return TileKey{}, fmt.Errorf("tile key %q: out of bounds", s)
	}
	return k, nil
}

func parseCoord(s string) (int32, error) {
	if s == "" {
		return 0, fmt.Errorf("empty coordinate")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
		if s == "" {
			return 0, fmt.Errorf("bare sign")
		}
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, fmt.Errorf("leading zero")
	}
	if neg && s == "0" {
		return 0, fmt.Errorf("negative zero")
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid digit %q", c)
		}
		n = n*10 + int64(c-'0')
		if n > math.MaxInt32 {
			return 0, fmt.Errorf("coordinate overflow")
		}
	}
	if neg {
		n = -n
	}
	return int32(n), nil
}

// TileForWorld returns the tile containing the integer world cell (x, y).
// Division floors toward negative infinity so negative coordinates land in
// the expected tile.
func TileForWorld(x, y int64) TileKey {
	return TileKey{Tx: int32(floorDiv(x, TileSize)), Ty: int32(floorDiv(y, TileSize))}
}

// TileForPoint returns the tile containing a continuous world point, used
// for cursor positions.
func TileForPoint(x, y float64) TileKey {
	return TileKey{
		Tx: int32(math.Floor(x / TileSize)),
		Ty: int32(math.Floor(y / TileSize)),
	}
}

// CellIndexForWorld maps an integer world cell to its index within its
// tile, row-major. The modulo is mathematical: negative world coordinates
// map to [0, TileSize).
func CellIndexForWorld(x, y int64) int {
	cx := ((x % TileSize) + TileSize) % TileSize
	cy := ((y % TileSize) + TileSize) % TileSize
	return int(cy*TileSize + cx)
}

// CellIndexValid reports whether i is a valid in-tile cell index.
func CellIndexValid(i int) bool {
	return i >= 0 && i < TileCellCount
}

// WorldCoordValid reports whether a continuous world coordinate is finite
// and within the world cap.
func WorldCoordValid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && math.Abs(v) <= WorldMax
}

// TilesForRect returns the keys of every tile intersecting the world-space
// rectangle [x0,x1]×[y0,y1] expanded by margin tiles on every side. Keys
// outside world bounds are skipped.
func TilesForRect(x0, y0, x1, y1 float64, margin int32) []TileKey {
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	if y1 < y0 {
		y0, y1 = y1, y0
	}
	lo := TileForPoint(x0, y0)
	hi := TileForPoint(x1, y1)
	keys := make([]TileKey, 0, int(hi.Tx-lo.Tx+1+2*margin)*int(hi.Ty-lo.Ty+1+2*margin))
	for ty := lo.Ty - margin; ty <= hi.Ty+margin; ty++ {
		for tx := lo.Tx - margin; tx <= hi.Tx+margin; tx++ {
			k := TileKey{Tx: tx, Ty: ty}
			if k.Valid() {
				keys = append(keys, k)
			}
		}
	}
	return keys
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
