package dvweights

import "unsafe"

// Alignment is the byte alignment the accelerator DMA engine requires for
// packed weight buffers.
const Alignment = 16

// Alloc returns a zeroed n-byte slice whose first element sits on an
// Alignment boundary.
func Alloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	raw := make([]byte, n+Alignment-1)
	off := 0
	if r := int(uintptr(unsafe.Pointer(unsafe.SliceData(raw))) & (Alignment - 1)); r != 0 {
		off = Alignment - r
	}
	return raw[off : off+n : off+n]
}

// IsAligned reports whether b starts on an Alignment boundary. Empty slices
// are considered aligned.
func IsAligned(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))&(Alignment-1) == 0
}

// AlignUp rounds n up to the next multiple of Alignment.
func AlignUp(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
