package dvweights

import "encoding/binary"

// writer is the output cursor shared by all packers. With a nil buf it only
// counts bytes; otherwise a write happens only when it fits entirely, and the
// offset advances either way so sizing and filling agree on every offset.
type writer struct {
	buf []byte
	off int
}

func newWriter(dst []byte) *writer {
	if len(dst) == 0 {
		return &writer{}
	}
	clear(dst)
	return &writer{buf: dst}
}

func (w *writer) sizing() bool { return w.buf == nil }

func (w *writer) fits(n int) bool {
	return w.buf != nil && w.off+n <= len(w.buf)
}

func (w *writer) bytes(p []byte) {
	if w.fits(len(p)) {
		copy(w.buf[w.off:], p)
	}
	w.off += len(p)
}

func (w *writer) halfs(v []uint16) {
	n := len(v) * 2
	if w.fits(n) {
		dst := w.buf[w.off : w.off+n]
		for i, h := range v {
			binary.LittleEndian.PutUint16(dst[i*2:], h)
		}
	}
	w.off += n
}

func (w *writer) zeros(n int) {
	if n <= 0 {
		return
	}
	if w.fits(n) {
		clear(w.buf[w.off : w.off+n])
	}
	w.off += n
}

func (w *writer) align() {
	if r := w.off & (Alignment - 1); r != 0 {
		w.zeros(Alignment - r)
	}
}

// finish reports the final size and, for a non-empty destination, whether it
// was large enough.
func (w *writer) finish() (int, error) {
	if w.buf != nil && len(w.buf) < w.off {
		return w.off, tooSmall(len(w.buf), w.off)
	}
	return w.off, nil
}

func (w *writer) quantMap(m *QuantMap) {
	if w.fits(QuantMapSize) {
		m.put(w.buf[w.off:])
	}
	w.off += QuantMapSize
}
