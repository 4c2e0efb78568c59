// Package netspec loads the YAML description of a network whose weights are
// to be packed.
package netspec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/dvpack/pkg/dvweights"
)

var ErrInvalidSpec = errors.New("invalid network spec")

// Kind selects the packer used for a layer.
type Kind string

const (
	KindConv      Kind = "conv"
	KindDepthwise Kind = "depthwise"
	KindDilated   Kind = "dilated"
	KindFC        Kind = "fc"
	KindFCShaped  Kind = "fc_shaped"
)

func (k Kind) Valid() bool {
	switch k {
	case KindConv, KindDepthwise, KindDilated, KindFC, KindFCShaped:
		return true
	}
	return false
}

// IsConv reports whether the layer goes through a convolution packer.
func (k Kind) IsConv() bool {
	return k == KindConv || k == KindDepthwise || k == KindDilated
}

// Network is a list of layers backed by one tensor file.
type Network struct {
	Name string `yaml:"name"`
	// Source is the safetensors file holding every tensor. Relative paths
	// are resolved against the spec file by Load.
	Source string  `yaml:"source"`
	Layers []Layer `yaml:"layers"`
}

// Layer describes one layer. Tensor fields name tensors inside the source
// file; an empty PReLU or QuantMap disables that feature.
type Layer struct {
	Name string `yaml:"name" json:"name"`
	Kind Kind   `yaml:"kind" json:"kind"`

	KX       int `yaml:"kx,omitempty" json:"kx,omitempty"`
	KY       int `yaml:"ky,omitempty" json:"ky,omitempty"`
	Channels int `yaml:"channels,omitempty" json:"channels,omitempty"`
	Kernels  int `yaml:"kernels,omitempty" json:"kernels,omitempty"`

	Height    int `yaml:"height,omitempty" json:"height,omitempty"`
	Width     int `yaml:"width,omitempty" json:"width,omitempty"`
	Outputs   int `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	OutHeight int `yaml:"out_height,omitempty" json:"out_height,omitempty"`
	OutWidth  int `yaml:"out_width,omitempty" json:"out_width,omitempty"`

	Weights  string `yaml:"weights,omitempty" json:"-"`
	Bias     string `yaml:"bias,omitempty" json:"-"`
	PReLU    string `yaml:"prelu,omitempty" json:"-"`
	QuantMap string `yaml:"quant_map,omitempty" json:"-"`

	// Deconv marks Caffe deconvolution weights that are rotated before
	// packing.
	Deconv bool `yaml:"deconv,omitempty" json:"deconv,omitempty"`
}

// HasPReLU reports whether a PReLU tensor is named.
func (l *Layer) HasPReLU() bool { return l.PReLU != "" }

// IsQuantized reports whether the weights are 8-bit quantization indices.
func (l *Layer) IsQuantized() bool { return l.QuantMap != "" }

// Load reads and validates a spec file.
func Load(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	n, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !filepath.IsAbs(n.Source) {
		n.Source = filepath.Join(filepath.Dir(path), n.Source)
	}
	return n, nil
}

// Parse decodes and validates a spec document.
func Parse(data []byte) (*Network, error) {
	var n Network
	if err := yaml.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if n.Source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidSpec)
	}
	if len(n.Layers) == 0 {
		return nil, fmt.Errorf("%w: no layers", ErrInvalidSpec)
	}
	seen := make(map[string]struct{}, len(n.Layers))
	for i := range n.Layers {
		l := &n.Layers[i]
		if err := l.Normalize(); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if err := l.requireTensors(); err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		if _, dup := seen[l.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate layer %q", ErrInvalidSpec, l.Name)
		}
		seen[l.Name] = struct{}{}
	}
	return &n, nil
}

// Normalize fills defaults and checks dimensions. Tensor names are not
// required, so it also serves layers whose data arrives inline.
func (l *Layer) Normalize() error {
	if l.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if !l.Kind.Valid() {
		return fmt.Errorf("%w: layer %q: unknown kind %q", ErrInvalidSpec, l.Name, l.Kind)
	}

	switch l.Kind {
	case KindDepthwise:
		if l.Channels == 0 {
			l.Channels = 1
		}
		if l.Channels != 1 {
			return fmt.Errorf("%w: layer %q: depthwise layers have 1 input channel per kernel, got %d", ErrInvalidSpec, l.Name, l.Channels)
		}
		fallthrough
	case KindConv, KindDilated:
		if l.KX < 1 || l.KX > 7 || l.KY < 1 || l.KY > 7 {
			return fmt.Errorf("%w: layer %q: kernel %dx%d outside 1..7", ErrInvalidSpec, l.Name, l.KX, l.KY)
		}
		if l.Channels <= 0 || l.Kernels <= 0 {
			return fmt.Errorf("%w: layer %q: channels and kernels must be positive", ErrInvalidSpec, l.Name)
		}
		if l.Kind == KindDilated && l.HasPReLU() {
			return fmt.Errorf("%w: layer %q: dilated layers cannot carry PReLU", ErrInvalidSpec, l.Name)
		}
		if l.Deconv && l.Kind == KindDilated {
			return fmt.Errorf("%w: layer %q: deconv applies to conv and depthwise layers only", ErrInvalidSpec, l.Name)
		}
	case KindFC, KindFCShaped:
		if l.Height == 0 {
			l.Height = 1
		}
		if l.Width == 0 {
			l.Width = 1
		}
		if l.Kind == KindFCShaped {
			if l.OutHeight == 0 {
				l.OutHeight = 1
			}
			if l.OutWidth == 0 {
				l.OutWidth = 1
			}
		}
		if l.Channels <= 0 || l.Height <= 0 || l.Width <= 0 || l.Outputs <= 0 || l.OutHeight < 0 || l.OutWidth < 0 {
			return fmt.Errorf("%w: layer %q: dimensions must be positive", ErrInvalidSpec, l.Name)
		}
		if l.KX != 0 || l.KY != 0 || l.Kernels != 0 {
			return fmt.Errorf("%w: layer %q: fully connected layers take outputs, not kernels", ErrInvalidSpec, l.Name)
		}
		if l.HasPReLU() || l.Deconv {
			return fmt.Errorf("%w: layer %q: prelu and deconv apply to convolutions only", ErrInvalidSpec, l.Name)
		}
	}
	if _, err := dvweights.WeightCount(l.dims()...); err != nil {
		return fmt.Errorf("%w: layer %q: %v", ErrInvalidSpec, l.Name, err)
	}
	return nil
}

// dims lists every factor of the layer's weight count.
func (l *Layer) dims() []int {
	switch l.Kind {
	case KindFC:
		return []int{l.Channels, l.Height, l.Width, l.Outputs}
	case KindFCShaped:
		return []int{l.Channels, l.Height, l.Width, l.Outputs, l.OutHeight, l.OutWidth}
	default:
		return []int{l.Kernels, l.Channels, l.KX, l.KY}
	}
}

func (l *Layer) requireTensors() error {
	if l.Weights == "" || l.Bias == "" {
		return fmt.Errorf("%w: weights and bias tensors are required", ErrInvalidSpec)
	}
	return nil
}
