package codec

import (
	"errors"
	"testing"

	"github.com/adred-codev/bitgrid/internal/grid"
	"gotest.tools/v3/assert"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"Sub", &Sub{Tiles: []grid.TileKey{{Tx: 0, Ty: 0}, {Tx: -3, Ty: 7}}}},
		{"SubEmpty", &Sub{Tiles: []grid.TileKey{}}},
		{"Unsub", &Unsub{Tiles: []grid.TileKey{{Tx: 1, Ty: 2}}}},
		{"SetCell", &SetCell{Tile: grid.TileKey{Tx: -1, Ty: 5}, I: 1337, V: 1, Op: "op-abc123"}},
		{"SetCellZero", &SetCell{Tile: grid.TileKey{}, I: 0, V: 0, Op: "x"}},
		{"Cur", &Cur{X: 12.5, Y: -7.25}},
		{"CurOrigin", &Cur{X: 0, Y: 0}},
		{"ResyncTile", &ResyncTile{Tile: grid.TileKey{Tx: 9, Ty: -9}, HaveVer: 41}},
		{"Hello", &Hello{UID: "u_ab12cd34", Name: "BraveOtter042", Token: "v1.payload.sig"}},
		{"TileSnap", &TileSnap{Tile: grid.TileKey{Tx: 2, Ty: 2}, Ver: 17, Enc: "rle64", Bits: []byte("EAEQAA==")}},
		{"CellUp", &CellUp{Tile: grid.TileKey{Tx: 0, Ty: 0}, I: 4095, V: 1, Ver: 3}},
		{"CellUpBatch", &CellUpBatch{
			Tile:    grid.TileKey{Tx: 4, Ty: -4},
			FromVer: 10,
			ToVer:   12,
			Ops:     []CellOp{{I: 1, V: 1}, {I: 2, V: 0}, {I: 4095, V: 1}},
		}},
		{"CellUpBatchEmpty", &CellUpBatch{Tile: grid.TileKey{}, FromVer: 1, ToVer: 0, Ops: []CellOp{}}},
		{"CurUp", &CurUp{UID: "u_deadbeef", Name: "QuietHeron311", X: 1.5, Y: 2.5}},
		{"Err", &Err{Code: ErrTileReadonlyHot, Msg: "tile has 9 watcher shards"}},
		{"ErrEmptyMsg", &Err{Code: ErrBadTile, Msg: ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			assert.NilError(t, err)
			got, err := Decode(data)
			assert.NilError(t, err)
			assert.Equal(t, got.Type(), tt.msg.Type())
			assert.DeepEqual(t, got, tt.msg)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	valid := MustEncode(&SetCell{Tile: grid.TileKey{Tx: 1, Ty: 1}, I: 7, V: 1, Op: "op-1"})

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := Decode(append(append([]byte{}, valid...), 0x00))
		assert.ErrorContains(t, err, "trailing bytes")
	})

	t.Run("empty frame", func(t *testing.T) {
		_, err := Decode(nil)
		assert.ErrorContains(t, err, "empty frame")
	})

	t.Run("unknown tag", func(t *testing.T) {
		_, err := Decode([]byte{0x7F, 0x00})
		assert.Assert(t, errors.Is(err, ErrUnknownTag))
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Decode(valid[:len(valid)-2])
		assert.Assert(t, err != nil)
	})

	t.Run("non-bit setCell value", func(t *testing.T) {
		bad := append([]byte{}, valid...)
		// v is the 11th byte: tag(1) + tile(8) + i(2), then v.
		bad[11] = 2
		_, err := Decode(bad)
		assert.ErrorContains(t, err, "non-bit value")
	})

	t.Run("empty op id", func(t *testing.T) {
		msg := MustEncode(&SetCell{Tile: grid.TileKey{}, I: 0, V: 0, Op: "z"})
		// Rewrite the op length prefix to zero and drop the byte.
		bad := append([]byte{}, msg[:len(msg)-3]...)
		bad = append(bad, 0x00, 0x00)
		_, err := Decode(bad)
		assert.ErrorContains(t, err, "empty op id")
	})

	t.Run("cur out of range", func(t *testing.T) {
		data := MustEncode(&Cur{X: 2e9, Y: 0})
		_, err := Decode(data)
		assert.ErrorContains(t, err, "out of range")
	})

	t.Run("tileSnap unknown encoding", func(t *testing.T) {
		data := MustEncode(&TileSnap{Tile: grid.TileKey{}, Ver: 1, Enc: "raw", Bits: nil})
		_, err := Decode(data)
		assert.ErrorContains(t, err, "unknown encoding")
	})
}

func TestBatchVersionShape(t *testing.T) {
	// toVer - fromVer + 1 == len(ops) is the owner's construction rule;
	// the codec must carry it through untouched.
	b := &CellUpBatch{Tile: grid.TileKey{Tx: 1, Ty: 1}, FromVer: 5, ToVer: 7,
		Ops: []CellOp{{I: 10, V: 1}, {I: 11, V: 1}, {I: 12, V: 0}}}
	data, err := Encode(b)
	assert.NilError(t, err)
	got, err := Decode(data)
	assert.NilError(t, err)
	batch := got.(*CellUpBatch)
	assert.Equal(t, int(batch.ToVer-batch.FromVer+1), len(batch.Ops))
}
