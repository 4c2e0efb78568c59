package dvweights

import "encoding/binary"

// FCLayer describes a fully connected layer over a flattened input.
// Weights are laid out as (Outputs, Channels, Height, Width).
type FCLayer struct {
	Channels int
	Height   int
	Width    int
	Outputs  int

	Weights Weights
	Bias    []uint16
}

// FCSize returns the number of bytes PackFC needs for l.
func FCSize(l FCLayer) (int, error) {
	return packFC(l, nil)
}

// PackFC packs fully connected weights: the optional quantization map, the
// weight matrix as is, then the bias as is, without padding. Only 1D input
// (Height == Width == 1) is supported; see PackFCShaped for other shapes.
//
// An empty dst turns the call into a size query.
func PackFC(l FCLayer, dst []byte) (int, error) {
	return packFC(l, dst)
}

func packFC(l FCLayer, dst []byte) (int, error) {
	if l.Channels <= 0 || l.Height <= 0 || l.Width <= 0 || l.Outputs <= 0 {
		return 0, invalidf("dimensions must be positive, got channels=%d height=%d width=%d outputs=%d",
			l.Channels, l.Height, l.Width, l.Outputs)
	}
	if l.Height != 1 || l.Width != 1 {
		return 0, unsupportedf("only 1D input is supported, got %dx%d", l.Height, l.Width)
	}
	n, err := WeightCount(l.Channels, l.Outputs)
	if err != nil {
		return 0, err
	}
	if len(dst) > 0 {
		if err := l.Weights.check(n); err != nil {
			return 0, err
		}
		if len(l.Bias) < l.Outputs {
			return 0, invalidf("bias holds %d values, %d required", len(l.Bias), l.Outputs)
		}
	}

	w := newWriter(dst)
	if l.Weights.IsQuantized() {
		w.quantMap(l.Weights.QuantMap)
	}
	writeRaw(w, l.Weights, n)
	if w.sizing() {
		w.zeros(l.Outputs * 2)
	} else {
		w.halfs(l.Bias[:l.Outputs])
	}
	return w.finish()
}

func writeRaw(w *writer, wt Weights, n int) {
	switch {
	case w.sizing():
		w.zeros(n * wt.ElemSize())
	case wt.IsQuantized():
		w.bytes(wt.Indices[:n])
	default:
		w.halfs(wt.Half[:n])
	}
}

// FCShape is the input and output geometry of a fully connected layer
// whose tensors are not flat.
type FCShape struct {
	InC, InH, InW    int
	OutC, OutH, OutW int
}

func (s FCShape) is1D() bool {
	return s.InH == 1 && s.InW == 1 && s.OutH == 1 && s.OutW == 1
}

func (s FCShape) outputs() int { return s.OutC * s.OutH * s.OutW }

func (s FCShape) numWeights() (int, error) {
	return WeightCount(s.InC, s.InH, s.InW, s.OutC, s.OutH, s.OutW)
}

// FCShapedLayer is a fully connected layer with explicit input and output
// shapes. Weights are NCHW with N = OutC*OutH*OutW.
type FCShapedLayer struct {
	Shape   FCShape
	Weights Weights
	Bias    []uint16
}

// FCShapedSize returns the number of bytes PackFCShaped needs for l.
func FCShapedSize(l FCShapedLayer) (int, error) {
	return packFCShaped(l, nil)
}

// PackFCShaped packs fully connected weights for the DV WHC8 activation
// format: channels grouped by 8, then width, then height. Weights are
// rearranged so that both the input and the output are consumed in that
// order. The bias starts on a 16-byte boundary and the total is padded to 16
// bytes. dst must be 16-byte aligned; an empty dst is a size query.
func PackFCShaped(l FCShapedLayer, dst []byte) (int, error) {
	return packFCShaped(l, dst)
}

func packFCShaped(l FCShapedLayer, dst []byte) (int, error) {
	s := l.Shape
	if s.InC <= 0 || s.InH <= 0 || s.InW <= 0 || s.OutC <= 0 || s.OutH <= 0 || s.OutW <= 0 {
		return 0, invalidf("input/output dimensions must be positive, got %+v", s)
	}
	if !IsAligned(dst) {
		return 0, ErrMisaligned
	}
	n, err := s.numWeights()
	if err != nil {
		return 0, err
	}
	if len(dst) > 0 {
		if err := l.Weights.check(n); err != nil {
			return 0, err
		}
		if len(l.Bias) < s.outputs() {
			return 0, invalidf("bias holds %d values, %d required", len(l.Bias), s.outputs())
		}
	}

	w := newWriter(dst)
	if l.Weights.IsQuantized() {
		w.quantMap(l.Weights.QuantMap)
	}
	if s.is1D() {
		writeRaw(w, l.Weights, n)
	} else {
		elem := l.Weights.ElemSize()
		if w.fits(n * elem) {
			writeWHC8(w.buf[w.off:w.off+n*elem], s, l.Weights)
		}
		w.off += n * elem
	}

	w.align()
	if w.sizing() {
		w.zeros(s.outputs() * 2)
	} else {
		w.halfs(l.Bias[:s.outputs()])
	}
	w.align()
	return w.finish()
}

// writeWHC8 reorders (OutC, OutH, OutW, InC, InH, InW) weights into output
// chunks of 8 channels by (w_out, h_out, c_out), each followed by the input
// in chunks of 8 channels by (w_in, h_in, c_in).
func writeWHC8(dst []byte, s FCShape, wt Weights) {
	s1 := s.InH * s.InW
	s2 := s.InC * s1
	s3 := s.OutW * s2
	s4 := s.OutH * s3
	o := 0
	for coStart := 0; coStart < s.OutC; coStart += 8 {
		coEnd := min(coStart+8, s.OutC)
		for wo := 0; wo < s.OutW; wo++ {
			for ho := 0; ho < s.OutH; ho++ {
				for co := coStart; co < coEnd; co++ {
					for ciStart := 0; ciStart < s.InC; ciStart += 8 {
						ciEnd := min(ciStart+8, s.InC)
						for wi := 0; wi < s.InW; wi++ {
							for hi := 0; hi < s.InH; hi++ {
								for ci := ciStart; ci < ciEnd; ci++ {
									src := co*s4 + ho*s3 + wo*s2 + ci*s1 + hi*s.InW + wi
									if wt.IsQuantized() {
										dst[o] = wt.Indices[src]
									} else {
										binary.LittleEndian.PutUint16(dst[o*2:], wt.Half[src])
									}
									o++
								}
							}
						}
					}
				}
			}
		}
	}
}
