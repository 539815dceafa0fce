package codec

import (
	"encoding/base64"
	"fmt"

	"github.com/adred-codev/bitgrid/internal/grid"
)

// rle64 packs a 4096-cell tile as (run_length, bit_value) byte pairs,
// base64-encoded. Runs longer than 255 split into multiple pairs.

// EncodeRLE64 encodes a full tile of 0/1 bytes.
func EncodeRLE64(bits []byte) (string, error) {
	if len(bits) != grid.TileCellCount {
		return "", fmt.Errorf("rle64 encode: got %d cells, want %d", len(bits), grid.TileCellCount)
	}
	raw := make([]byte, 0, 64)
	run := byte(1)
	cur := bits[0]
	if cur > 1 {
		return "", fmt.Errorf("rle64 encode: non-bit value %d at index 0", cur)
	}
	for i := 1; i < len(bits); i++ {
		v := bits[i]
		if v > 1 {
			return "", fmt.Errorf("rle64 encode: non-bit value %d at index %d", v, i)
		}
		if v == cur && run < 255 {
			run++
			continue
		}
		raw = append(raw, run, cur)
		cur = v
		run = 1
	}
	raw = append(raw, run, cur)
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeRLE64 decodes back to exactly TileCellCount 0/1 bytes. It rejects
// odd pair counts, zero run lengths, non-bit values and cell count
// mismatches.
func DecodeRLE64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("rle64 decode: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("rle64 decode: odd byte count %d", len(raw))
	}
	bits := make([]byte, 0, grid.TileCellCount)
	for i := 0; i < len(raw); i += 2 {
		run, v := int(raw[i]), raw[i+1]
		if run == 0 {
			return nil, fmt.Errorf("rle64 decode: zero run length at pair %d", i/2)
		}
		if v > 1 {
			return nil, fmt.Errorf("rle64 decode: non-bit value %d at pair %d", v, i/2)
		}
		if len(bits)+run > grid.TileCellCount {
			return nil, fmt.Errorf("rle64 decode: cell count exceeds %d", grid.TileCellCount)
		}
		for j := 0; j < run; j++ {
			bits = append(bits, v)
		}
	}
	if len(bits) != grid.TileCellCount {
		return nil, fmt.Errorf("rle64 decode: got %d cells, want %d", len(bits), grid.TileCellCount)
	}
	return bits, nil
}
