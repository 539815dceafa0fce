// Package codec implements the binary wire protocol of the grid: a typed
// message union with 1-byte tags, big-endian scalars, length-prefixed
// strings and byte arrays, and the rle64 tile-bit encoding. Tile keys
// travel as two i32, never as strings.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/adred-codev/bitgrid/internal/grid"
)

// ErrUnknownTag marks frames with a tag this build does not know. Receivers
// drop such frames silently for forward compatibility.
var ErrUnknownTag = errors.New("unknown message tag")

// Message tags.
const (
	// Client → Server
	TypeSub        uint8 = 0x01
	TypeUnsub      uint8 = 0x02
	TypeSetCell    uint8 = 0x03
	TypeCur        uint8 = 0x04
	TypeResyncTile uint8 = 0x05

	// Server → Client
	TypeHello       uint8 = 0x81
	TypeTileSnap    uint8 = 0x82
	TypeCellUp      uint8 = 0x83
	TypeCellUpBatch uint8 = 0x84
	TypeCurUp       uint8 = 0x85
	TypeErr         uint8 = 0x86
)

// Error codes carried in Err messages.
const (
	ErrBadMessage      = "bad_message"
	ErrBadTile         = "bad_tile"
	ErrSubLimit        = "sub_limit"
	ErrChurnLimit      = "churn_limit"
	ErrSetCellLimit    = "setcell_limit"
	ErrNotSubscribed   = "not_subscribed"
	ErrTileSubDenied   = "tile_sub_denied"
	ErrTileReadonlyHot = "tile_readonly_hot"
	ErrSetCellRejected = "setcell_rejected"
	ErrInternal        = "internal"
)

// EncodingRLE64 is the only tile-bit encoding the protocol speaks.
const EncodingRLE64 = "rle64"

// Message is implemented by every wire message.
type Message interface {
	Type() uint8
	encode(*Encoder) error
	decode(*Decoder) error
}

// CellOp is one (index, value) step inside a CellUpBatch.
type CellOp struct {
	I uint16
	V uint8
}

// --- Client → Server ---

type Sub struct {
	Tiles []grid.TileKey
}

type Unsub struct {
	Tiles []grid.TileKey
}

type SetCell struct {
	Tile grid.TileKey
	I    uint16
	V    uint8
	Op   string
}

type Cur struct {
	X float32
	Y float32
}

type ResyncTile struct {
	Tile    grid.TileKey
	HaveVer uint32
}

// --- Server → Client ---

type Hello struct {
	UID   string
	Name  string
	Token string
}

type TileSnap struct {
	Tile grid.TileKey
	Ver  uint32
	Enc  string
	Bits []byte
}

type CellUp struct {
	Tile grid.TileKey
	I    uint16
	V    uint8
	Ver  uint32
}

type CellUpBatch struct {
	Tile    grid.TileKey
	FromVer uint32
	ToVer   uint32
	Ops     []CellOp
}

type CurUp struct {
	UID  string
	Name string
	X    float32
	Y    float32
}

type Err struct {
	Code string
	Msg  string
}

func (m *Sub) Type() uint8         { return TypeSub }
func (m *Unsub) Type() uint8       { return TypeUnsub }
func (m *SetCell) Type() uint8     { return TypeSetCell }
func (m *Cur) Type() uint8         { return TypeCur }
func (m *ResyncTile) Type() uint8  { return TypeResyncTile }
func (m *Hello) Type() uint8       { return TypeHello }
func (m *TileSnap) Type() uint8    { return TypeTileSnap }
func (m *CellUp) Type() uint8      { return TypeCellUp }
func (m *CellUpBatch) Type() uint8 { return TypeCellUpBatch }
func (m *CurUp) Type() uint8       { return TypeCurUp }
func (m *Err) Type() uint8         { return TypeErr }

func writeTile(e *Encoder, k grid.TileKey) error {
	if err := e.WriteI32(k.Tx); err != nil {
		return err
	}
	return e.WriteI32(k.Ty)
}

func readTile(d *Decoder) (grid.TileKey, error) {
	tx, err := d.ReadI32()
	if err != nil {
		return grid.TileKey{}, err
	}
	ty, err := d.ReadI32()
	if err != nil {
		return grid.TileKey{}, err
	}
	return grid.TileKey{Tx: tx, Ty: ty}, nil
}

func writeTileList(e *Encoder, tiles []grid.TileKey) error {
	if len(tiles) > 0xFFFF {
		return fmt.Errorf("tile list too long: %d", len(tiles))
	}
	if err := e.WriteU16(uint16(len(tiles))); err != nil {
		return err
	}
	for _, k := range tiles {
		if err := writeTile(e, k); err != nil {
			return err
		}
	}
	return nil
}

func readTileList(d *Decoder) ([]grid.TileKey, error) {
	n, err := d.ReadU16()
	if err != nil {
		return nil, err
	}
	tiles := make([]grid.TileKey, n)
	for i := range tiles {
		if tiles[i], err = readTile(d); err != nil {
			return nil, err
		}
	}
	return tiles, nil
}

func (m *Sub) encode(e *Encoder) error { return writeTileList(e, m.Tiles) }
func (m *Sub) decode(d *Decoder) error {
	var err error
	m.Tiles, err = readTileList(d)
	return err
}

func (m *Unsub) encode(e *Encoder) error { return writeTileList(e, m.Tiles) }
func (m *Unsub) decode(d *Decoder) error {
	var err error
	m.Tiles, err = readTileList(d)
	return err
}

func (m *SetCell) encode(e *Encoder) error {
	if err := writeTile(e, m.Tile); err != nil {
		return err
	}
	if err := e.WriteU16(m.I); err != nil {
		return err
	}
	if err := e.WriteU8(m.V); err != nil {
		return err
	}
	return e.WriteString(m.Op)
}

func (m *SetCell) decode(d *Decoder) error {
	var err error
	if m.Tile, err = readTile(d); err != nil {
		return err
	}
	if m.I, err = d.ReadU16(); err != nil {
		return err
	}
	if m.V, err = d.ReadU8(); err != nil {
		return err
	}
	if m.V > 1 {
		return fmt.Errorf("setCell: non-bit value %d", m.V)
	}
	if m.Op, err = d.ReadString(); err != nil {
		return err
	}
	if m.Op == "" {
		return fmt.Errorf("setCell: empty op id")
	}
	return nil
}

func (m *Cur) encode(e *Encoder) error {
	if err := e.WriteF32(m.X); err != nil {
		return err
	}
	return e.WriteF32(m.Y)
}

func (m *Cur) decode(d *Decoder) error {
	var err error
	if m.X, err = d.ReadF32(); err != nil {
		return err
	}
	if m.Y, err = d.ReadF32(); err != nil {
		return err
	}
	if !grid.WorldCoordValid(float64(m.X)) || !grid.WorldCoordValid(float64(m.Y)) {
		return fmt.Errorf("cur: coordinate out of range")
	}
	return nil
}

func (m *ResyncTile) encode(e *Encoder) error {
	if err := writeTile(e, m.Tile); err != nil {
		return err
	}
	return e.WriteU32(m.HaveVer)
}

func (m *ResyncTile) decode(d *Decoder) error {
	var err error
	if m.Tile, err = readTile(d); err != nil {
		return err
	}
	m.HaveVer, err = d.ReadU32()
	return err
}

func (m *Hello) encode(e *Encoder) error {
	if err := e.WriteString(m.UID); err != nil {
		return err
	}
	if err := e.WriteString(m.Name); err != nil {
		return err
	}
	return e.WriteString(m.Token)
}

func (m *Hello) decode(d *Decoder) error {
	var err error
	if m.UID, err = d.ReadString(); err != nil {
		return err
	}
	if m.Name, err = d.ReadString(); err != nil {
		return err
	}
	m.Token, err = d.ReadString()
	return err
}

func (m *TileSnap) encode(e *Encoder) error {
	if err := writeTile(e, m.Tile); err != nil {
		return err
	}
	if err := e.WriteU32(m.Ver); err != nil {
		return err
	}
	if err := e.WriteString(m.Enc); err != nil {
		return err
	}
	return e.WriteBytes(m.Bits)
}

func (m *TileSnap) decode(d *Decoder) error {
	var err error
	if m.Tile, err = readTile(d); err != nil {
		return err
	}
	if m.Ver, err = d.ReadU32(); err != nil {
		return err
	}
	if m.Enc, err = d.ReadString(); err != nil {
		return err
	}
	if m.Enc != EncodingRLE64 {
		return fmt.Errorf("tileSnap: unknown encoding %q", m.Enc)
	}
	m.Bits, err = d.ReadBytes()
	return err
}

func (m *CellUp) encode(e *Encoder) error {
	if err := writeTile(e, m.Tile); err != nil {
		return err
	}
	if err := e.WriteU16(m.I); err != nil {
		return err
	}
	if err := e.WriteU8(m.V); err != nil {
		return err
	}
	return e.WriteU32(m.Ver)
}

func (m *CellUp) decode(d *Decoder) error {
	var err error
	if m.Tile, err = readTile(d); err != nil {
		return err
	}
	if m.I, err = d.ReadU16(); err != nil {
		return err
	}
	if m.V, err = d.ReadU8(); err != nil {
		return err
	}
	if m.V > 1 {
		return fmt.Errorf("cellUp: non-bit value %d", m.V)
	}
	m.Ver, err = d.ReadU32()
	return err
}

func (m *CellUpBatch) encode(e *Encoder) error {
	if err := writeTile(e, m.Tile); err != nil {
		return err
	}
	if err := e.WriteU32(m.FromVer); err != nil {
		return err
	}
	if err := e.WriteU32(m.ToVer); err != nil {
		return err
	}
	if len(m.Ops) > 0xFFFF {
		return fmt.Errorf("cellUpBatch: ops list too long: %d", len(m.Ops))
	}
	if err := e.WriteU16(uint16(len(m.Ops))); err != nil {
		return err
	}
	for _, op := range m.Ops {
		if err := e.WriteU16(op.I); err != nil {
			return err
		}
		if err := e.WriteU8(op.V); err != nil {
			return err
		}
	}
	return nil
}

func (m *CellUpBatch) decode(d *Decoder) error {
	var err error
	if m.Tile, err = readTile(d); err != nil {
		return err
	}
	if m.FromVer, err = d.ReadU32(); err != nil {
		return err
	}
	if m.ToVer, err = d.ReadU32(); err != nil {
		return err
	}
	n, err := d.ReadU16()
	if err != nil {
		return err
	}
	m.Ops = make([]CellOp, n)
	for i := range m.Ops {
		if m.Ops[i].I, err = d.ReadU16(); err != nil {
			return err
		}
		if m.Ops[i].V, err = d.ReadU8(); err != nil {
			return err
		}
		if m.Ops[i].V > 1 {
			return fmt.Errorf("cellUpBatch: non-bit value %d at op %d", m.Ops[i].V, i)
		}
	}
	return nil
}

func (m *CurUp) encode(e *Encoder) error {
	if err := e.WriteString(m.UID); err != nil {
		return err
	}
	if err := e.WriteString(m.Name); err != nil {
		return err
	}
	if err := e.WriteF32(m.X); err != nil {
		return err
	}
	return e.WriteF32(m.Y)
}

func (m *CurUp) decode(d *Decoder) error {
	var err error
	if m.UID, err = d.ReadString(); err != nil {
		return err
	}
	if m.Name, err = d.ReadString(); err != nil {
		return err
	}
	if m.X, err = d.ReadF32(); err != nil {
		return err
	}
	m.Y, err = d.ReadF32()
	return err
}

func (m *Err) encode(e *Encoder) error {
	if err := e.WriteString(m.Code); err != nil {
		return err
	}
	return e.WriteString(m.Msg)
}

func (m *Err) decode(d *Decoder) error {
	var err error
	if m.Code, err = d.ReadString(); err != nil {
		return err
	}
	m.Msg, err = d.ReadString()
	return err
}

func newMessage(t uint8) (Message, error) {
	switch t {
	case TypeSub:
		return &Sub{}, nil
	case TypeUnsub:
		return &Unsub{}, nil
	case TypeSetCell:
		return &SetCell{}, nil
	case TypeCur:
		return &Cur{}, nil
	case TypeResyncTile:
		return &ResyncTile{}, nil
	case TypeHello:
		return &Hello{}, nil
	case TypeTileSnap:
		return &TileSnap{}, nil
	case TypeCellUp:
		return &CellUp{}, nil
	case TypeCellUpBatch:
		return &CellUpBatch{}, nil
	case TypeCurUp:
		return &CurUp{}, nil
	case TypeErr:
		return &Err{}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, t)
	}
}

// Encode serializes a message into one opaque frame: tag byte + payload.
func Encode(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.WriteU8(msg.Type()); err != nil {
		return nil, err
	}
	if err := msg.encode(enc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for messages built from in-range server state, where
// an encode failure is a programming error.
func MustEncode(msg Message) []byte {
	b, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses one frame. Trailing bytes after the payload are rejected.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	r := bytes.NewReader(data)
	d := NewDecoder(r)
	tag, err := d.ReadU8()
	if err != nil {
		return nil, err
	}
	msg, err := newMessage(tag)
	if err != nil {
		return nil, err
	}
	if err := msg.decode(d); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("trailing bytes after message 0x%02x: %d", tag, r.Len())
	}
	return msg, nil
}
