package codec

import (
	"encoding/base64"
	"math/rand"
	"testing"

	"github.com/adred-codev/bitgrid/internal/grid"
	"gotest.tools/v3/assert"
)

func TestRLE64RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	tiles := map[string][]byte{
		"all zero": make([]byte, grid.TileCellCount),
		"all one":  filled(1),
		"random":   randomBits(rng, 0.5),
		"sparse":   randomBits(rng, 0.01),
		"dense":    randomBits(rng, 0.99),
		"alternating": func() []byte {
			b := make([]byte, grid.TileCellCount)
			for i := range b {
				b[i] = byte(i % 2)
			}
			return b
		}(),
	}

	for name, bits := range tiles {
		t.Run(name, func(t *testing.T) {
			enc, err := EncodeRLE64(bits)
			assert.NilError(t, err)
			dec, err := DecodeRLE64(enc)
			assert.NilError(t, err)
			assert.DeepEqual(t, dec, bits)
		})
	}
}

func TestRLE64LongRunSplit(t *testing.T) {
	// 4096 zeros cannot fit in one u8 run; it must split into ceil(4096/255)
	// pairs and still round-trip.
	enc, err := EncodeRLE64(make([]byte, grid.TileCellCount))
	assert.NilError(t, err)
	raw, err := base64.StdEncoding.DecodeString(enc)
	assert.NilError(t, err)
	assert.Equal(t, len(raw)/2, 17) // 16 runs of 255 + 1 run of 16
	for i := 0; i < len(raw); i += 2 {
		assert.Assert(t, raw[i] >= 1)
		assert.Equal(t, raw[i+1], byte(0))
	}
}

func TestRLE64DecodeRejects(t *testing.T) {
	b64 := func(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

	tests := []struct {
		name string
		in   string
	}{
		{"not base64", "!!!"},
		{"odd byte count", b64([]byte{255, 0, 1})},
		{"zero run", b64([]byte{0, 0})},
		{"non-bit value", b64([]byte{255, 2})},
		{"too few cells", b64([]byte{255, 0})},
		{"too many cells", func() string {
			raw := make([]byte, 0, 36)
			for i := 0; i < 17; i++ {
				raw = append(raw, 255, 0)
			}
			return b64(raw) // 17*255 = 4335 > 4096
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRLE64(tt.in)
			assert.Assert(t, err != nil)
		})
	}
}

func TestRLE64EncodeRejects(t *testing.T) {
	_, err := EncodeRLE64(make([]byte, 100))
	assert.ErrorContains(t, err, "cells")

	bad := make([]byte, grid.TileCellCount)
	bad[9] = 3
	_, err = EncodeRLE64(bad)
	assert.ErrorContains(t, err, "non-bit")
}

func filled(v byte) []byte {
	b := make([]byte, grid.TileCellCount)
	for i := range b {
		b[i] = v
	}
	return b
}

func randomBits(rng *rand.Rand, p float64) []byte {
	b := make([]byte, grid.TileCellCount)
	for i := range b {
		if rng.Float64() < p {
			b[i] = 1
		}
	}
	return b
}
