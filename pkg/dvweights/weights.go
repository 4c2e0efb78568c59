package dvweights

// Weights is a weight tensor in one of the two encodings the accelerator
// accepts. A non-nil QuantMap selects 8-bit indices into the map, otherwise
// the elements are raw half-float bit patterns.
type Weights struct {
	QuantMap *QuantMap
	Indices  []uint8
	Half     []uint16
}

// Quantized returns weights that index into m.
func Quantized(m *QuantMap, idx []uint8) Weights {
	return Weights{QuantMap: m, Indices: idx}
}

// HalfFloat returns unquantized half-float weights.
func HalfFloat(w []uint16) Weights {
	return Weights{Half: w}
}

// IsQuantized reports whether the 8-bit path is selected.
func (w Weights) IsQuantized() bool { return w.QuantMap != nil }

// ElemSize is the packed size of one weight in bytes.
func (w Weights) ElemSize() int {
	if w.IsQuantized() {
		return 1
	}
	return 2
}

// Len returns the number of elements of the selected encoding.
func (w Weights) Len() int {
	if w.IsQuantized() {
		return len(w.Indices)
	}
	return len(w.Half)
}

func (w Weights) at(i int) uint16 {
	if w.QuantMap != nil {
		return uint16(w.Indices[i])
	}
	return w.Half[i]
}

func (w Weights) check(want int) error {
	if w.Len() < want {
		enc := "half-float"
		if w.IsQuantized() {
			enc = "quantized"
		}
		return invalidf("%s weights hold %d elements, %d required", enc, w.Len(), want)
	}
	return nil
}

// ConvLayer describes the weights of one convolution.
//
// The tensor is laid out as (Kernels, Channels, KY, KX). For depthwise
// convolution Channels must be 1, see Depthwise.
type ConvLayer struct {
	Channels int
	KX, KY   int
	Kernels  int

	Weights Weights
	Bias    []uint16
	// PReLU holds per-kernel slopes; nil disables the PReLU section.
	PReLU []uint16
}

// Depthwise returns a layer for depthwise convolution, where each kernel
// sees a single input channel.
func Depthwise(kx, ky, kernels int, w Weights, bias, prelu []uint16) ConvLayer {
	return ConvLayer{
		Channels: 1,
		KX:       kx,
		KY:       ky,
		Kernels:  kernels,
		Weights:  w,
		Bias:     bias,
		PReLU:    prelu,
	}
}

// Class returns the padded kernel size the hardware tiles with:
// max(KX, KY) rounded up to the next odd number.
func (l ConvLayer) Class() int {
	return max(l.KX, l.KY) | 1
}

// MaxWeights bounds the number of weights in one layer.
const MaxWeights = 1 << 28

// WeightCount returns the product of dims. It fails with ErrInvalidArgument
// when a factor is not positive or the product exceeds MaxWeights.
func WeightCount(dims ...int) (int, error) {
	n := 1
	for _, d := range dims {
		if d <= 0 {
			return 0, invalidf("dimensions must be positive, got %v", dims)
		}
		if d > MaxWeights/n {
			return 0, invalidf("dimensions %v hold more than %d weights", dims, MaxWeights)
		}
		n *= d
	}
	return n, nil
}

// NumWeights returns Kernels*Channels*KY*KX. The result is only meaningful
// for layers whose dimensions passed WeightCount.
func (l ConvLayer) NumWeights() int {
	return l.Kernels * l.Channels * l.KY * l.KX
}

func (l ConvLayer) validateDims() error {
	if l.Class() > 7 || min(l.KX, l.KY) <= 0 {
		return invalidf("only kernels of sizes {1, 2, 3, 4, 5, 6, 7} are supported, got %dx%d", l.KX, l.KY)
	}
	if l.Channels <= 0 {
		return invalidf("number of input channels must be positive, got %d", l.Channels)
	}
	if l.Kernels <= 0 {
		return invalidf("number of output channels must be positive, got %d", l.Kernels)
	}
	_, err := WeightCount(l.Kernels, l.Channels, l.KY, l.KX)
	return err
}

// validateData checks that every slice read during a fill holds enough
// elements.
func (l ConvLayer) validateData() error {
	if err := l.Weights.check(l.NumWeights()); err != nil {
		return err
	}
	if len(l.Bias) < l.Kernels {
		return invalidf("bias holds %d values, %d required", len(l.Bias), l.Kernels)
	}
	if l.PReLU != nil && len(l.PReLU) < l.Kernels {
		return invalidf("prelu holds %d values, %d required", len(l.PReLU), l.Kernels)
	}
	return nil
}
