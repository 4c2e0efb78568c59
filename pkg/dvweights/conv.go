package dvweights

// ConvSize returns the number of bytes PackConv needs for l. Only the
// dimensions, the encoding and the presence of PReLU are consulted, so the
// weight, bias and PReLU slices may be empty placeholders. The size is
// computed in closed form without walking the layer.
func ConvSize(l ConvLayer) (int, error) {
	if err := l.validateDims(); err != nil {
		return 0, err
	}
	return ConvWeightSize(l.Channels, l.Kernels, l.Class(), l.Weights.IsQuantized(), l.PReLU != nil)
}

// PackConv packs convolution weights, bias and optional PReLU slopes into
// dst and returns the number of bytes the packed layer occupies.
//
// dst must start on a 16-byte boundary. An empty dst turns the call into a
// size query. When dst is shorter than the packed size the bytes that fit
// are written and ErrBufferTooSmall is returned along with the required size.
//
// For deconvolution the kernel planes must be rotated first, see
// RotateDeconv. PackConv is safe for concurrent use on disjoint buffers.
func PackConv(l ConvLayer, dst []byte) (int, error) {
	if len(dst) == 0 {
		return ConvSize(l)
	}
	return packConv(l, dst)
}

func packConv(l ConvLayer, dst []byte) (int, error) {
	if err := l.validateDims(); err != nil {
		return 0, err
	}
	if !IsAligned(dst) {
		return 0, ErrMisaligned
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
	for mStart := 0; mStart < l.Kernels; mStart += chunkKernels {
		mStop := min(mStart+chunkKernels, l.Kernels)

		writeBias(w, mStart, mStop, l.Bias, false)
		if l.PReLU != nil {
			writeBias(w, mStart, mStop, l.PReLU, false)
		}

		switch l.Class() {
		case 7:
			p.pack7(w, c, mStart, mStop)
		case 5:
			p.pack5(w, c, mStart, mStop)
		case 3:
			p.pack3(w, c, mStart, mStop)
		case 1:
			p.pack1(w, c, mStart, mStop, 0)
		}
	}

	w.align()
	return w.finish()
}

// plane addresses a (Kernels, Channels, KY, KX) tensor.
type plane struct {
	wt       Weights
	channels int
	kx, ky   int
	s0, s1   int
}

func newPlane(l ConvLayer) plane {
	return plane{
		wt:       l.Weights,
		channels: l.Channels,
		kx:       l.KX,
		ky:       l.KY,
		s0:       l.Channels * l.KY * l.KX,
		s1:       l.KY * l.KX,
	}
}

func (p plane) base(m, ch int) int { return m*p.s0 + ch*p.s1 }

// pack7 emits one cell per (kernel, channel).
func (p plane) pack7(w *writer, c *cell, mStart, mStop int) {
	for cStart := 0; cStart < p.channels; cStart += channelChunk {
		cStop := min(cStart+channelChunk, p.channels)
		for m := mStart; m < mStop; m++ {
			for ch := cStart; ch < cStop; ch++ {
				if w.fits(c.size()) {
					off := p.base(m, ch)
					for y := 0; y < p.ky; y++ {
						for x := 0; x < p.kx; x++ {
							row, col := pos7(y, x, p.ky)
							c.set(row, col, p.wt.at(off+y*p.kx+x))
						}
					}
				}
				c.emit(w)
			}
		}
	}
}

// pack5 emits one cell per (kernel, channel pair). A lone trailing channel
// gets a cleared cell so the unused half stays zero.
func (p plane) pack5(w *writer, c *cell, mStart, mStop int) {
	for cStart := 0; cStart < p.channels; cStart += channelChunk {
		cStop := min(cStart+channelChunk, p.channels)
		for m := mStart; m < mStop; m++ {
			for ch := cStart; ch < cStop; ch++ {
				t := ch & 1
				last := ch == cStop-1
				if t == 0 && last {
					c.reset()
				}
				if w.fits(c.size()) {
					off := p.base(m, ch)
					for y := 0; y < p.ky; y++ {
						for x := 0; x < p.kx; x++ {
							row, col := pos5(t, y, x, p.ky)
							c.set(row, col, p.wt.at(off+y*p.kx+x))
						}
					}
				}
				if t == 1 || last {
					c.emit(w)
				}
			}
		}
	}
}

// pack3 emits one cell per kernel for every chunk of 8 channels.
func (p plane) pack3(w *writer, c *cell, mStart, mStop int) {
	for cStart := 0; cStart < p.channels; cStart += channelChunk {
		cStop := min(cStart+channelChunk, p.channels)
		if cStop-cStart != channelChunk {
			c.reset()
		}
		for m := mStart; m < mStop; m++ {
			if w.fits(c.size()) {
				for ch := cStart; ch < cStop; ch++ {
					off := p.base(m, ch)
					t := ch & 7
					for y := 0; y < p.ky; y++ {
						for x := 0; x < p.kx; x++ {
							row, col := pos3(t, y, x, p.ky)
							c.set(row, col, p.wt.at(off+y*p.kx+x))
						}
					}
				}
			}
			c.emit(w)
		}
	}
}

// pack1 emits one cell per kernel for every chunk of 64 channels, reading
// the weight at kernel tap index tap of each plane.
func (p plane) pack1(w *writer, c *cell, mStart, mStop, tap int) {
	for cStart := 0; cStart < p.channels; cStart += channelChunk1x {
		cStop := min(cStart+channelChunk1x, p.channels)
		if cStop-cStart != channelChunk1x {
			c.reset()
		}
		for m := mStart; m < mStop; m++ {
			if w.fits(c.size()) {
				for ch := cStart; ch < cStop; ch++ {
					row, col := pos1(ch)
					c.set(row, col, p.wt.at(p.base(m, ch)+tap))
				}
			}
			c.emit(w)
		}
	}
}
