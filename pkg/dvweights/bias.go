package dvweights

// chunkKernels is the number of output channels sharing one bias section.
const chunkKernels = 8

// writeBias appends the values of kernels [mStart, mStop) followed by zero
// padding up to chunkKernels entries, so every section is 16 bytes. With
// placeholder set the values are written as zeros.
func writeBias(w *writer, mStart, mStop int, vals []uint16, placeholder bool) {
	n := mStop - mStart
	if placeholder || w.sizing() {
		w.zeros(n * 2)
	} else {
		w.halfs(vals[mStart:mStop])
	}
	w.zeros((mStart + chunkKernels - mStop) * 2)
}
