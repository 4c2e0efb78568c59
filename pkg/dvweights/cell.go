package dvweights

import "encoding/binary"

// The accelerator consumes weights in 12x6 cells. Where each weight of a
// kernel plane lands inside a cell is fixed by the hardware and depends only
// on the kernel class (max(kx, ky) rounded up to odd).
const (
	cellRows  = 12
	cellCols  = 6
	cellElems = cellRows * cellCols
)

// Input channels sharing one pass over a kernel chunk.
const (
	channelChunk   = 8
	channelChunk1x = 64
)

// remap7 places the seventh kernel column of a 7-wide kernel into the cell
// slots left free by the 6-column main block, indexed by y+(7-ky).
var remap7 = [7]int{
	2*cellCols + 5,
	0*cellCols + 3,
	1*cellCols + 3,
	2*cellCols + 3,
	0*cellCols + 0,
	1*cellCols + 0,
	2*cellCols + 0,
}

// pos7 maps weight (y, x) of a class 7 kernel with height ky.
func pos7(y, x, ky int) (row, col int) {
	if x < cellCols {
		return 5 + y + (7 - ky), x
	}
	i := remap7[y+(7-ky)]
	return i / cellCols, i % cellCols
}

// pos5 maps weight (y, x) of a class 5 kernel for an input channel of parity
// t. Two channels share a cell.
func pos5(t, y, x, ky int) (row, col int) {
	return 7 - t*6 + y + (5 - ky), x
}

// pos3 maps weight (y, x) of a class 3 kernel for input channel t (c&7).
// Eight channels share a cell as a 4x2 grid of 3x3 blocks.
func pos3(t, y, x, ky int) (row, col int) {
	return 9 - (t>>1)*3 + y + (3 - ky), (t&1)*3 + x
}

// pos1 maps the single weight of input channel c for a class 1 kernel.
// Sixty-four channels share a cell.
func pos1(c int) (row, col int) {
	t := c & 7
	g := (c & 63) >> 3
	return 11 - (t>>1)*3 - g/3, (t&1)*3 + g%3
}

// cell is one 12x6 tile. Values are 8-bit indices or half floats depending
// on elem.
type cell struct {
	v    [cellElems]uint16
	elem int
}

func newCell(elem int) *cell {
	return &cell{elem: elem}
}

func (c *cell) size() int { return cellElems * c.elem }

func (c *cell) reset() { clear(c.v[:]) }

func (c *cell) set(row, col int, val uint16) {
	c.v[row*cellCols+col] = val
}

// emit writes the cell at the cursor, row-major.
func (c *cell) emit(w *writer) {
	n := c.size()
	if w.fits(n) {
		dst := w.buf[w.off : w.off+n]
		if c.elem == 1 {
			for i, v := range c.v {
				dst[i] = byte(v)
			}
		} else {
			for i, v := range c.v {
				binary.LittleEndian.PutUint16(dst[i*2:], v)
			}
		}
	}
	w.off += n
}
