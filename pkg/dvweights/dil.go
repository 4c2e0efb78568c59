package dvweights

// DilatedSize returns the number of bytes PackDilated needs for l, computed
// in closed form.
func DilatedSize(l ConvLayer) (int, error) {
	if err := l.validateDilated(); err != nil {
		return 0, err
	}
	return DilatedWeightSize(l.Channels, l.Kernels, l.KX, l.KY, l.Weights.IsQuantized())
}

// PackDilated packs weights for a dilated convolution. The hardware runs a
// dilated kernel as a sequence of 1x1 convolutions, one per kernel tap, so
// every tap is packed as its own 1x1 slab and aligned to 16 bytes. Only the
// final tap carries the real bias; earlier taps get zeroed bias sections so
// the bias is accumulated once.
//
// Layers carrying PReLU slopes are rejected with ErrNotSupported. A 1x1
// layer without PReLU packs to the same bytes as PackConv.
//
// An empty dst turns the call into a size query. PackDilated is safe for
// concurrent use on disjoint buffers.
func PackDilated(l ConvLayer, dst []byte) (int, error) {
	if len(dst) == 0 {
		return DilatedSize(l)
	}
	return packDilated(l, dst)
}

func (l ConvLayer) validateDilated() error {
	if err := l.validateDims(); err != nil {
		return err
	}
	if l.PReLU != nil {
		return unsupportedf("PReLU is not supported for dilated convolution")
	}
	return nil
}

func packDilated(l ConvLayer, dst []byte) (int, error) {
	if err := l.validateDilated(); err != nil {
		return 0, err
	}
	if len(dst) > 0 {
		if err := l.validateData(); err != nil {
			return 0, err
		}
	}

	w := newWriter(dst)
	if l.Weights.IsQuantized() {
		w.quantMap(l.Weights.QuantMap)
	}

	p := newPlane(l)
	c := newCell(l.Weights.ElemSize())
	for iy := 0; iy < l.KY; iy++ {
		for ix := 0; ix < l.KX; ix++ {
			c.reset()
			placeholder := iy != l.KY-1 || ix != l.KX-1
			tap := iy*l.KX + ix
			for mStart := 0; mStart < l.Kernels; mStart += chunkKernels {
				mStop := min(mStart+chunkKernels, l.Kernels)
				writeBias(w, mStart, mStop, l.Bias, placeholder)
				p.pack1(w, c, mStart, mStop, tap)
			}
			w.align()
		}
	}
	return w.finish()
}
