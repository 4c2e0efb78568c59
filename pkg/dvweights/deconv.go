package dvweights

// Element is a packed weight element: an 8-bit quantization index or a
// half-float bit pattern.
type Element interface {
	~uint8 | ~uint16
}

// RotateDeconv converts deconvolution weights from the Caffe blob layout
// (channels, kernels, ky, kx) into the (kernels, channels, ky, kx) layout the
// packers read, rotating every kernel plane by 180 degrees. For depthwise
// deconvolution the source is already (kernels, 1, ky, kx) and channels must
// be 1; only the rotation applies.
func RotateDeconv[T Element](src []T, channels, kernels, kx, ky int, depthwise bool) ([]T, error) {
	if channels <= 0 || kernels <= 0 || kx <= 0 || ky <= 0 {
		return nil, invalidf("dimensions must be positive, got channels=%d kernels=%d kernel=%dx%d",
			channels, kernels, kx, ky)
	}
	if depthwise && channels != 1 {
		return nil, invalidf("depthwise weights must have 1 channel, got %d", channels)
	}
	n := channels * kernels * ky * kx
	if len(src) != n {
		return nil, invalidf("weights hold %d elements, %d expected", len(src), n)
	}

	plane := ky * kx
	dst := make([]T, n)
	for m := 0; m < kernels; m++ {
		for c := 0; c < channels; c++ {
			from := (c*kernels + m) * plane
			if depthwise {
				from = (m*channels + c) * plane
			}
			to := (m*channels + c) * plane
			for y := 0; y < ky; y++ {
				for x := 0; x < kx; x++ {
					dst[to+y*kx+x] = src[from+(ky-1-y)*kx+(kx-1-x)]
				}
			}
		}
	}
	return dst, nil
}
