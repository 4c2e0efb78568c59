package dvweights

// ConvWeightSize computes the packed size of a convolution layer in closed
// form. p is the kernel class (1, 3, 5 or 7). It agrees with ConvSize for
// every valid layer and mirrors the size check the kernel driver performs
// before accepting a weight buffer.
func ConvWeightSize(channels, kernels, p int, quantized, prelu bool) (int, error) {
	if _, err := WeightCount(channels, kernels); err != nil {
		return 0, err
	}
	var cellsPerKernel int
	switch p {
	case 7:
		cellsPerKernel = channels
	case 5:
		cellsPerKernel = (channels + 1) / 2
	case 3:
		cellsPerKernel = ceilDiv(channels, channelChunk)
	case 1:
		cellsPerKernel = ceilDiv(channels, channelChunk1x)
	default:
		return 0, invalidf("kernel class must be 1, 3, 5 or 7, got %d", p)
	}

	elem, size := 2, 0
	if quantized {
		elem, size = 1, QuantMapSize
	}
	sections := 1
	if prelu {
		sections = 2
	}
	size += ceilDiv(kernels, chunkKernels) * sections * chunkKernels * 2
	size += kernels * cellsPerKernel * cellElems * elem
	return AlignUp(size), nil
}

// DilatedWeightSize computes the packed size of a dilated convolution layer
// in closed form.
func DilatedWeightSize(channels, kernels, kx, ky int, quantized bool) (int, error) {
	if kx <= 0 || ky <= 0 || max(kx, ky) > 7 {
		return 0, invalidf("only kernels of sizes {1, 2, 3, 4, 5, 6, 7} are supported, got %dx%d", kx, ky)
	}
	if _, err := WeightCount(channels, kernels, kx, ky); err != nil {
		return 0, err
	}
	elem, size := 2, 0
	if quantized {
		elem, size = 1, QuantMapSize
	}
	tap := ceilDiv(kernels, chunkKernels)*chunkKernels*2 +
		kernels*ceilDiv(channels, channelChunk1x)*cellElems*elem
	size += kx * ky * AlignUp(tap)
	return size, nil
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
