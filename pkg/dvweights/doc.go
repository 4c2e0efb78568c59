// Package dvweights packs neural network weights into the binary layout the
// DV accelerator DMA engine reads.
//
// A packed convolution layer starts with the 512-byte quantization map when
// 8-bit weights are used, followed by one chunk per group of up to 8 output
// channels. Each chunk holds a 16-byte bias section, an optional 16-byte
// PReLU section and a run of 12x6 cells whose internal arrangement depends on
// the kernel class (max(kx, ky) rounded up to an odd number). The total size
// is padded to 16 bytes.
//
// Every packer has a Size variant and a Pack variant. Both walk the same
// layout, so the size reported by one always equals the size filled by the
// other. Packers hold no state and may run concurrently on disjoint buffers.
package dvweights
