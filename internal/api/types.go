package api

import "github.com/samcharles93/dvpack/internal/netspec"

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// SizeRequest describes a layer by its dimensions only.
type SizeRequest struct {
	netspec.Layer
	Quantized bool `json:"quantized,omitempty"`
	PReLU     bool `json:"prelu,omitempty"`
}

type SizeResponse struct {
	Size      int    `json:"size"`
	Kind      string `json:"kind"`
	Quantized bool   `json:"quantized"`
}

// PackRequest carries a layer with inline data. Values are converted to
// half precision. A non-empty QuantMap selects the 8-bit path, in which case
// Indices holds the weights instead of Weights.
type PackRequest struct {
	netspec.Layer
	QuantMap []float32 `json:"quant_map,omitempty"`
	Indices  []int     `json:"indices,omitempty"`
	Weights  []float32 `json:"weights,omitempty"`
	Bias     []float32 `json:"bias"`
	PReLU    []float32 `json:"prelu,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
