package dvweights

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// QuantMapEntries is the number of entries in a quantization map.
const QuantMapEntries = 256

// QuantMapSize is the packed size of a quantization map in bytes.
const QuantMapSize = QuantMapEntries * 2

// QuantMap translates 8-bit weight indices into half-precision floats. Each
// entry holds the raw float16 bit pattern.
type QuantMap [QuantMapEntries]uint16

// QuantMapFromFloat32 builds a map from up to 256 values. Missing entries
// are left at +0.
func QuantMapFromFloat32(values []float32) (*QuantMap, error) {
	if len(values) > QuantMapEntries {
		return nil, invalidf("quantization map takes at most %d values, got %d", QuantMapEntries, len(values))
	}
	var m QuantMap
	for i, v := range values {
		m[i] = float16.Fromfloat32(v).Bits()
	}
	return &m, nil
}

// QuantMapFromBytes decodes a 512-byte little-endian table.
func QuantMapFromBytes(b []byte) (*QuantMap, error) {
	if len(b) != QuantMapSize {
		return nil, invalidf("quantization map must be %d bytes, got %d", QuantMapSize, len(b))
	}
	var m QuantMap
	for i := range m {
		m[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return &m, nil
}

// Bytes returns the table in the layout the accelerator expects.
func (m *QuantMap) Bytes() []byte {
	out := make([]byte, QuantMapSize)
	m.put(out)
	return out
}

func (m *QuantMap) put(dst []byte) {
	for i, h := range m {
		binary.LittleEndian.PutUint16(dst[i*2:], h)
	}
}

// Value returns entry i as a float32.
func (m *QuantMap) Value(i uint8) float32 {
	return float16.Frombits(m[i]).Float32()
}

// Validate rejects tables containing NaN or infinite entries; the hardware
// would propagate them into every accumulation that touches the index.
func (m *QuantMap) Validate() error {
	for i, h := range m {
		f := float16.Frombits(h)
		if f.IsNaN() || f.IsInf(0) {
			return invalidf("quantization map entry %d is not finite (0x%04x)", i, h)
		}
	}
	return nil
}

// Nearest returns the index of the entry closest to v. Ties resolve to the
// lowest index; NaN entries are never selected.
func (m *QuantMap) Nearest(v float32) uint8 {
	best := 0
	bestDist := math.Inf(1)
	for i, h := range m {
		f := float16.Frombits(h)
		if f.IsNaN() {
			continue
		}
		d := math.Abs(float64(f.Float32()) - float64(v))
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return uint8(best)
}

// Quantize maps every value to its nearest entry.
func (m *QuantMap) Quantize(values []float32) []uint8 {
	out := make([]uint8, len(values))
	for i, v := range values {
		out[i] = m.Nearest(v)
	}
	return out
}

// Dequantize expands indices into half-float bit patterns, which packs the
// same tensor through the 16-bit path.
func (m *QuantMap) Dequantize(idx []uint8) []uint16 {
	out := make([]uint16, len(idx))
	for i, q := range idx {
		out[i] = m[q]
	}
	return out
}

// HalfFromFloat32 converts float32 values to half-float bit patterns.
func HalfFromFloat32(values []float32) []uint16 {
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}
