package dvweights

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestPackFCRoundTrip(t *testing.T) {
	t.Parallel()

	rng := xorshift128{1, 2, 3, 4}
	const channels, outputs = 37, 11

	bias := make([]uint16, outputs)
	for i := range bias {
		bias[i] = testHalfs[rng.next()>>24]
	}
	idx := make([]uint8, channels*outputs)
	for i := range idx {
		idx[i] = uint8(rng.next() >> 24)
	}
	qm := testHalfs

	t.Run("quantized", func(t *testing.T) {
		t.Parallel()
		l := FCLayer{Channels: channels, Height: 1, Width: 1, Outputs: outputs, Weights: Quantized(&qm, idx), Bias: bias}
		size, err := FCSize(l)
		if err != nil {
			t.Fatalf("size: %v", err)
		}
		if want := QuantMapSize + len(idx) + outputs*2; size != want {
			t.Fatalf("size %d want %d", size, want)
		}
		// No alignment is required here.
		buf := make([]byte, size+1)[1:]
		n, err := PackFC(l, buf)
		if err != nil || n != size {
			t.Fatalf("pack: got (%d, %v)", n, err)
		}
		if !bytes.Equal(buf[:QuantMapSize], qm.Bytes()) {
			t.Fatalf("quantization map mismatch")
		}
		if !bytes.Equal(buf[QuantMapSize:QuantMapSize+len(idx)], idx) {
			t.Fatalf("weights mismatch")
		}
		for i, want := range bias {
			if got := binary.LittleEndian.Uint16(buf[QuantMapSize+len(idx)+i*2:]); got != want {
				t.Fatalf("bias[%d] = %#x want %#x", i, got, want)
			}
		}
	})

	t.Run("half", func(t *testing.T) {
		t.Parallel()
		half := qm.Dequantize(idx)
		l := FCLayer{Channels: channels, Height: 1, Width: 1, Outputs: outputs, Weights: HalfFloat(half), Bias: bias}
		size, err := FCSize(l)
		if err != nil {
			t.Fatalf("size: %v", err)
		}
		if want := len(half)*2 + outputs*2; size != want {
			t.Fatalf("size %d want %d", size, want)
		}
		buf := make([]byte, size)
		if _, err := PackFC(l, buf); err != nil {
			t.Fatalf("pack: %v", err)
		}
		for i, want := range half {
			if got := binary.LittleEndian.Uint16(buf[i*2:]); got != want {
				t.Fatalf("weight[%d] = %#x want %#x", i, got, want)
			}
		}
		for i, want := range bias {
			if got := binary.LittleEndian.Uint16(buf[len(half)*2+i*2:]); got != want {
				t.Fatalf("bias[%d] = %#x want %#x", i, got, want)
			}
		}
	})
}

func TestPackFCErrors(t *testing.T) {
	t.Parallel()

	if _, err := FCSize(FCLayer{Channels: 4, Height: 2, Width: 1, Outputs: 3}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported for 2D input, got %v", err)
	}
	if _, err := FCSize(FCLayer{Channels: 0, Height: 1, Width: 1, Outputs: 3}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	huge := FCLayer{Channels: 1 << 40, Height: 1, Width: 1, Outputs: 1 << 40, Weights: HalfFloat(nil), Bias: make([]uint16, 4)}
	if _, err := PackFC(huge, make([]byte, 64)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for wrapping weight count, got %v", err)
	}
	shaped := FCShapedLayer{Shape: FCShape{InC: 1 << 32, InH: 1 << 16, InW: 1 << 16, OutC: 1, OutH: 1, OutW: 1}}
	if _, err := PackFCShaped(shaped, Alloc(64)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for wrapping shaped weight count, got %v", err)
	}

	l := FCLayer{Channels: 4, Height: 1, Width: 1, Outputs: 3, Weights: HalfFloat(make([]uint16, 12)), Bias: make([]uint16, 3)}
	n, err := PackFC(l, make([]byte, 20))
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
	if n != 30 {
		t.Fatalf("reported size %d want 30", n)
	}
}

// fcGoldenLayer draws bias first, then weights.
func fcGoldenLayer(quantized bool, s FCShape) FCShapedLayer {
	rng := xorshift128{1, 2, 3, 4}
	l := FCShapedLayer{Shape: s, Bias: make([]uint16, s.outputs())}
	for i := range l.Bias {
		l.Bias[i] = testHalfs[rng.next()>>24]
	}
	n, _ := s.numWeights()
	if quantized {
		qm := testHalfs
		idx := make([]uint8, n)
		for i := range idx {
			idx[i] = uint8(rng.next() >> 24)
		}
		l.Weights = Quantized(&qm, idx)
		return l
	}
	half := make([]uint16, n)
	for i := range half {
		half[i] = testHalfs[rng.next()>>24]
	}
	l.Weights = HalfFloat(half)
	return l
}

func TestPackFCShapedGolden(t *testing.T) {
	t.Parallel()

	cases := []struct {
		quantized bool
		shape     FCShape
		size      int
		hash      string
	}{
		{true, FCShape{10, 3, 2, 12, 1, 1}, 1264, "A2CA88ACBD5B95F3D0802DE578B8735AEF6BBBE801E6B1E9A81797B2A5702E6C"},
		{false, FCShape{10, 3, 2, 12, 1, 1}, 1472, "01A78B0A72C37E1A4A8FAFB4F1210CBB9B0212106450CD3E25E78FACB8A4C061"},
		{false, FCShape{17, 2, 3, 9, 2, 2}, 7424, "C52DAA2CB41753FDE454D687BA703C89585E13A2362DCAC13C0BB2A646FCB165"},
		{true, FCShape{7, 1, 1, 5, 1, 1}, 576, "3816A7BD2C9193DB67D4C6A574024BC5F978ADE38DBF5D3F030103D470458956"},
		{false, FCShape{7, 1, 1, 5, 1, 1}, 96, "7F97FC58756A0B14F4C60A2C9EFEE3F8E4E190C0D8166AAEC47AA31EDCB117E6"},
	}
	for _, tc := range cases {
		l := fcGoldenLayer(tc.quantized, tc.shape)
		size, err := FCShapedSize(l)
		if err != nil {
			t.Fatalf("%+v: size: %v", tc.shape, err)
		}
		if size != tc.size {
			t.Fatalf("%+v q=%t: size %d want %d", tc.shape, tc.quantized, size, tc.size)
		}
		buf := Alloc(size)
		if _, err := PackFCShaped(l, buf); err != nil {
			t.Fatalf("pack: %v", err)
		}
		if got := packedHash(buf); got != tc.hash {
			t.Fatalf("%+v q=%t: hash mismatch\n got %s\nwant %s", tc.shape, tc.quantized, got, tc.hash)
		}
	}
}

func TestPackFCShapedOrder(t *testing.T) {
	t.Parallel()

	// One output, 9 input channels over 1x2: the first chunk of 8 channels
	// for w=0, then for w=1, then the ninth channel for w=0 and w=1.
	s := FCShape{InC: 9, InH: 1, InW: 2, OutC: 1, OutH: 1, OutW: 1}
	n, _ := s.numWeights()
	half := make([]uint16, n)
	for i := range half {
		half[i] = uint16(i)
	}
	l := FCShapedLayer{Shape: s, Weights: HalfFloat(half), Bias: []uint16{0x3c00}}
	size, err := FCShapedSize(l)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	buf := Alloc(size)
	if _, err := PackFCShaped(l, buf); err != nil {
		t.Fatalf("pack: %v", err)
	}

	var want []uint16
	for wi := range 2 {
		for ci := range 8 {
			want = append(want, uint16(ci*2+wi))
		}
	}
	want = append(want, 16, 17)
	for i, v := range want {
		if got := binary.LittleEndian.Uint16(buf[i*2:]); got != v {
			t.Fatalf("element %d = %d want %d", i, got, v)
		}
	}
	// Bias after the 36 weight bytes, aligned to 48.
	if got := binary.LittleEndian.Uint16(buf[48:]); got != 0x3c00 {
		t.Fatalf("bias = %#x", got)
	}
	if size != 64 {
		t.Fatalf("size %d want 64", size)
	}
}

func TestPackFCShapedMisaligned(t *testing.T) {
	t.Parallel()

	l := fcGoldenLayer(false, FCShape{4, 2, 2, 3, 1, 1})
	size, err := FCShapedSize(l)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	buf := Alloc(size + Alignment)[3 : size+3]
	if _, err := PackFCShaped(l, buf); !errors.Is(err, ErrMisaligned) {
		t.Fatalf("expected ErrMisaligned, got %v", err)
	}
}
