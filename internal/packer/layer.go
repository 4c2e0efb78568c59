// Package packer turns a network description into one contiguous buffer of
// packed weights, sizing and filling layers concurrently.
package packer

import (
	"fmt"

	"github.com/samcharles93/dvpack/internal/netspec"
	"github.com/samcharles93/dvpack/internal/safetensors"
	"github.com/samcharles93/dvpack/pkg/dvblob"
	"github.com/samcharles93/dvpack/pkg/dvweights"
)

// Data holds the tensors of one layer. A non-nil QuantMap selects the 8-bit
// Indices, otherwise Half holds the weights.
type Data struct {
	QuantMap *dvweights.QuantMap
	Indices  []uint8
	Half     []uint16
	Bias     []uint16
	PReLU    []uint16
}

func (d Data) weights() dvweights.Weights {
	if d.QuantMap != nil {
		return dvweights.Quantized(d.QuantMap, d.Indices)
	}
	return dvweights.HalfFloat(d.Half)
}

// Layer is a described layer bound to its data, ready for sizing and
// packing.
type Layer struct {
	Spec netspec.Layer

	conv     dvweights.ConvLayer
	fc       dvweights.FCLayer
	fcShaped dvweights.FCShapedLayer
}

// Build binds d to spec. Deconvolution weights are rotated here, so spec
// must already be normalized.
func Build(spec netspec.Layer, d Data) (Layer, error) {
	l := Layer{Spec: spec}
	w := d.weights()

	if spec.Deconv {
		var err error
		depthwise := spec.Kind == netspec.KindDepthwise
		if w.IsQuantized() {
			w.Indices, err = dvweights.RotateDeconv(w.Indices, spec.Channels, spec.Kernels, spec.KX, spec.KY, depthwise)
		} else {
			w.Half, err = dvweights.RotateDeconv(w.Half, spec.Channels, spec.Kernels, spec.KX, spec.KY, depthwise)
		}
		if err != nil {
			return Layer{}, fmt.Errorf("layer %q: rotate deconv weights: %w", spec.Name, err)
		}
	}

	switch spec.Kind {
	case netspec.KindConv, netspec.KindDilated:
		l.conv = dvweights.ConvLayer{
			Channels: spec.Channels,
			KX:       spec.KX,
			KY:       spec.KY,
			Kernels:  spec.Kernels,
			Weights:  w,
			Bias:     d.Bias,
			PReLU:    d.PReLU,
		}
	case netspec.KindDepthwise:
		l.conv = dvweights.Depthwise(spec.KX, spec.KY, spec.Kernels, w, d.Bias, d.PReLU)
	case netspec.KindFC:
		l.fc = dvweights.FCLayer{
			Channels: spec.Channels,
			Height:   spec.Height,
			Width:    spec.Width,
			Outputs:  spec.Outputs,
			Weights:  w,
			Bias:     d.Bias,
		}
	case netspec.KindFCShaped:
		l.fcShaped = dvweights.FCShapedLayer{
			Shape: dvweights.FCShape{
				InC: spec.Channels, InH: spec.Height, InW: spec.Width,
				OutC: spec.Outputs, OutH: spec.OutHeight, OutW: spec.OutWidth,
			},
			Weights: w,
			Bias:    d.Bias,
		}
	default:
		return Layer{}, fmt.Errorf("%w: layer %q: unknown kind %q", netspec.ErrInvalidSpec, spec.Name, spec.Kind)
	}
	return l, nil
}

// Shape returns a data-less layer that only supports Size.
func Shape(spec netspec.Layer, quantized, prelu bool) (Layer, error) {
	var d Data
	if quantized {
		d.QuantMap = &dvweights.QuantMap{}
	}
	if prelu {
		d.PReLU = []uint16{}
	}
	spec.Deconv = false
	return Build(spec, d)
}

// Size returns the packed size of the layer.
func (l *Layer) Size() (int, error) {
	switch l.Spec.Kind {
	case netspec.KindConv, netspec.KindDepthwise:
		return dvweights.ConvSize(l.conv)
	case netspec.KindDilated:
		return dvweights.DilatedSize(l.conv)
	case netspec.KindFC:
		return dvweights.FCSize(l.fc)
	default:
		return dvweights.FCShapedSize(l.fcShaped)
	}
}

// Pack packs the layer into dst.
func (l *Layer) Pack(dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, fmt.Errorf("layer %q: empty destination", l.Spec.Name)
	}
	switch l.Spec.Kind {
	case netspec.KindConv, netspec.KindDepthwise:
		return dvweights.PackConv(l.conv, dst)
	case netspec.KindDilated:
		return dvweights.PackDilated(l.conv, dst)
	case netspec.KindFC:
		return dvweights.PackFC(l.fc, dst)
	default:
		return dvweights.PackFCShaped(l.fcShaped, dst)
	}
}

// Quantized reports whether the layer uses the 8-bit path.
func (l *Layer) Quantized() bool {
	switch l.Spec.Kind {
	case netspec.KindFC:
		return l.fc.Weights.IsQuantized()
	case netspec.KindFCShaped:
		return l.fcShaped.Weights.IsQuantized()
	default:
		return l.conv.Weights.IsQuantized()
	}
}

// Entry describes the layer at the given position for a blob manifest.
func (l *Layer) Entry(offset, size int) dvblob.LayerEntry {
	e := dvblob.LayerEntry{
		Name:      l.Spec.Name,
		Kind:      string(l.Spec.Kind),
		Offset:    uint64(offset),
		Size:      uint64(size),
		Channels:  l.Spec.Channels,
		Quantized: l.Quantized(),
	}
	if l.Spec.Kind.IsConv() {
		e.KX, e.KY = l.Spec.KX, l.Spec.KY
		e.Kernels = l.Spec.Kernels
		e.PReLU = l.conv.PReLU != nil
	} else {
		e.Kernels = l.Spec.Outputs
	}
	return e
}

// TensorSource reads named tensors. *safetensors.File implements it.
type TensorSource interface {
	ReadHalf(name string) ([]uint16, safetensors.TensorInfo, error)
	ReadU8(name string) ([]uint8, safetensors.TensorInfo, error)
	ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error)
}

// Load reads the tensors of every layer in n from src.
func Load(n *netspec.Network, src TensorSource) ([]Layer, error) {
	layers := make([]Layer, 0, len(n.Layers))
	for _, spec := range n.Layers {
		d, err := loadData(spec, src)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", spec.Name, err)
		}
		l, err := Build(spec, d)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, nil
}

func loadData(spec netspec.Layer, src TensorSource) (Data, error) {
	var d Data
	var err error

	if spec.IsQuantized() {
		entries, _, err := src.ReadTensorF32(spec.QuantMap)
		if err != nil {
			return d, err
		}
		qm, err := dvweights.QuantMapFromFloat32(entries)
		if err != nil {
			return d, fmt.Errorf("quantization map %s: %w", spec.QuantMap, err)
		}
		if err := qm.Validate(); err != nil {
			return d, err
		}
		d.QuantMap = qm
		if d.Indices, _, err = src.ReadU8(spec.Weights); err != nil {
			return d, err
		}
	} else if d.Half, _, err = src.ReadHalf(spec.Weights); err != nil {
		return d, err
	}

	if d.Bias, _, err = src.ReadHalf(spec.Bias); err != nil {
		return d, err
	}
	if spec.HasPReLU() {
		if d.PReLU, _, err = src.ReadHalf(spec.PReLU); err != nil {
			return d, err
		}
	}
	return d, CheckCounts(spec, d)
}

// CheckCounts rejects tensors whose element count does not match the layer
// dimensions exactly; the packers only require enough elements.
func CheckCounts(spec netspec.Layer, d Data) error {
	var (
		weights, outputs int
		err              error
	)
	switch spec.Kind {
	case netspec.KindFC, netspec.KindFCShaped:
		outDims := []int{spec.Outputs}
		if spec.Kind == netspec.KindFCShaped {
			outDims = append(outDims, spec.OutHeight, spec.OutWidth)
		}
		if outputs, err = dvweights.WeightCount(outDims...); err != nil {
			return fmt.Errorf("%w: %v", netspec.ErrInvalidSpec, err)
		}
		weights, err = dvweights.WeightCount(spec.Channels, spec.Height, spec.Width, outputs)
	default:
		outputs = spec.Kernels
		weights, err = dvweights.WeightCount(spec.Kernels, spec.Channels, spec.KX, spec.KY)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", netspec.ErrInvalidSpec, err)
	}

	got := len(d.Half)
	if d.QuantMap != nil {
		got = len(d.Indices)
	}
	if got != weights {
		return fmt.Errorf("%w: weights %s hold %d elements, want %d", netspec.ErrInvalidSpec, spec.Weights, got, weights)
	}
	if len(d.Bias) != outputs {
		return fmt.Errorf("%w: bias %s holds %d elements, want %d", netspec.ErrInvalidSpec, spec.Bias, len(d.Bias), outputs)
	}
	if spec.HasPReLU() && len(d.PReLU) != outputs {
		return fmt.Errorf("%w: prelu %s holds %d elements, want %d", netspec.ErrInvalidSpec, spec.PReLU, len(d.PReLU), outputs)
	}
	return nil
}
