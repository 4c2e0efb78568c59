package packer

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/x448/float16"

	"github.com/samcharles93/dvpack/internal/netspec"
	"github.com/samcharles93/dvpack/internal/safetensors"
	"github.com/samcharles93/dvpack/pkg/dvblob"
	"github.com/samcharles93/dvpack/pkg/dvweights"
)

const testSpec = `
name: tiny
source: weights.safetensors
layers:
  - {name: conv1, kind: conv, kx: 3, ky: 3, channels: 8, kernels: 12, weights: conv1.w, bias: conv1.b, prelu: conv1.p, quant_map: qmap}
  - {name: dw, kind: depthwise, kx: 5, ky: 5, kernels: 12, weights: dw.w, bias: dw.b}
  - {name: up, kind: conv, kx: 2, ky: 2, channels: 12, kernels: 6, weights: up.w, bias: up.b, deconv: true}
  - {name: dil, kind: dilated, kx: 3, ky: 3, channels: 6, kernels: 9, weights: dil.w, bias: dil.b}
  - {name: fc, kind: fc, channels: 9, outputs: 5, weights: fc.w, bias: fc.b}
  - {name: head, kind: fc_shaped, channels: 5, height: 1, width: 1, outputs: 3, weights: head.w, bias: head.b}
`

func randHalf(r *rand.Rand, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		// finite halfs in [-2, 2)
		out[i] = uint16(r.IntN(0x4000)) | uint16(r.IntN(2))<<15
	}
	return out
}

func randIdx(r *rand.Rand, n int) []uint8 {
	out := make([]uint8, n)
	for i := range out {
		out[i] = uint8(r.IntN(256))
	}
	return out
}

// writeTestNetwork writes testSpec and its tensors into dir and returns the
// loaded spec and the raw tensor values by name.
func writeTestNetwork(t *testing.T, dir string) (*netspec.Network, map[string]any) {
	t.Helper()
	r := rand.New(rand.NewPCG(1, 2))

	vals := map[string]any{
		"qmap":    randHalf(r, 256),
		"conv1.w": randIdx(r, 12*8*3*3),
		"conv1.b": randHalf(r, 12),
		"conv1.p": randHalf(r, 12),
		"dw.w":    randHalf(r, 12*5*5),
		"dw.b":    randHalf(r, 12),
		"up.w":    randHalf(r, 12*6*2*2),
		"up.b":    randHalf(r, 6),
		"dil.w":   randHalf(r, 9*6*3*3),
		"dil.b":   randHalf(r, 9),
		"fc.w":    randHalf(r, 9*5),
		"fc.b":    randHalf(r, 5),
		"head.w":  randHalf(r, 5*3),
		"head.b":  randHalf(r, 3),
	}
	var tensors []safetensors.Tensor
	for name, v := range vals {
		switch v := v.(type) {
		case []uint16:
			tensors = append(tensors, safetensors.F16(name, []int{len(v)}, v))
		case []uint8:
			tensors = append(tensors, safetensors.U8(name, []int{len(v)}, v))
		}
	}
	if err := safetensors.WriteFile(filepath.Join(dir, "weights.safetensors"), tensors); err != nil {
		t.Fatalf("write tensors: %v", err)
	}

	n, err := netspec.Parse([]byte(testSpec))
	if err != nil {
		t.Fatalf("parse spec: %v", err)
	}
	n.Source = filepath.Join(dir, n.Source)
	return n, vals
}

func loadTestLayers(t *testing.T) ([]Layer, map[string]any) {
	t.Helper()
	n, vals := writeTestNetwork(t, t.TempDir())
	src, err := safetensors.Open(n.Source)
	if err != nil {
		t.Fatalf("open tensors: %v", err)
	}
	layers, err := Load(n, src)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return layers, vals
}

func packDirect(t *testing.T, l Layer) []byte {
	t.Helper()
	size, err := l.Size()
	if err != nil {
		t.Fatalf("size %s: %v", l.Spec.Name, err)
	}
	buf := dvweights.Alloc(size)
	if _, err := l.Pack(buf); err != nil {
		t.Fatalf("pack %s: %v", l.Spec.Name, err)
	}
	return buf
}

func TestPipelineMatchesPerLayerPacking(t *testing.T) {
	t.Parallel()

	layers, _ := loadTestLayers(t)
	for _, workers := range []int{1, 4} {
		p := &Pipeline{Workers: workers}
		res, err := p.Run(context.Background(), layers)
		if err != nil {
			t.Fatalf("run: %v", err)
		}

		if len(res.Layers) != len(layers) {
			t.Fatalf("got %d entries", len(res.Layers))
		}
		var prevEnd uint64
		for i, e := range res.Layers {
			if e.Offset%dvweights.Alignment != 0 || e.Offset < prevEnd {
				t.Fatalf("layer %s at bad offset %d", e.Name, e.Offset)
			}
			prevEnd = e.End()

			got := res.Data[e.Offset:e.End()]
			want := packDirect(t, layers[i])
			if !bytes.Equal(got, want) {
				t.Fatalf("layer %s differs from direct packing", e.Name)
			}
			if e.SHA256 != dvblob.Checksum(want) {
				t.Fatalf("layer %s checksum mismatch", e.Name)
			}
		}
		if uint64(len(res.Data)) != uint64(dvweights.AlignUp(int(prevEnd))) {
			t.Fatalf("buffer size %d, last layer ends at %d", len(res.Data), prevEnd)
		}
		if err := res.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}

func TestPlanEntries(t *testing.T) {
	t.Parallel()

	layers, _ := loadTestLayers(t)
	plan, err := (&Pipeline{}).Plan(context.Background(), layers)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	conv := plan.Layers[0]
	want, _ := dvweights.ConvWeightSize(8, 12, 3, true, true)
	if conv.Size != uint64(want) || !conv.Quantized || !conv.PReLU || conv.KX != 3 || conv.Kernels != 12 {
		t.Fatalf("conv entry: %+v", conv)
	}
	fc := plan.Layers[4]
	// 45 weights + 5 bias half floats, no padding.
	if fc.Size != 100 || fc.Kernels != 5 || fc.Quantized {
		t.Fatalf("fc entry: %+v", fc)
	}
	head := plan.Layers[5]
	if head.Offset != uint64(dvweights.AlignUp(int(fc.End()))) {
		t.Fatalf("head not aligned after fc: %d", head.Offset)
	}
}

func TestShapeMatchesLoadedSize(t *testing.T) {
	t.Parallel()

	layers, _ := loadTestLayers(t)
	for _, l := range layers {
		s, err := Shape(l.Spec, l.Spec.IsQuantized(), l.Spec.HasPReLU())
		if err != nil {
			t.Fatalf("shape %s: %v", l.Spec.Name, err)
		}
		a, err := s.Size()
		if err != nil {
			t.Fatalf("shape size %s: %v", l.Spec.Name, err)
		}
		b, _ := l.Size()
		if a != b {
			t.Fatalf("%s: shape size %d, loaded size %d", l.Spec.Name, a, b)
		}
	}
}

func TestDeconvRotation(t *testing.T) {
	t.Parallel()

	layers, vals := loadTestLayers(t)
	up := layers[2]

	src := vals["up.w"].([]uint16)
	rotated, err := dvweights.RotateDeconv(src, 12, 6, 2, 2, false)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	plain := up.Spec
	plain.Deconv = false
	direct, err := Build(plain, Data{Half: rotated, Bias: vals["up.b"].([]uint16)})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !bytes.Equal(packDirect(t, up), packDirect(t, direct)) {
		t.Fatalf("deconv layer not packed from rotated weights")
	}
}

type fakeSource map[string]any

func (f fakeSource) ReadHalf(name string) ([]uint16, safetensors.TensorInfo, error) {
	v, ok := f[name].([]uint16)
	if !ok {
		return nil, safetensors.TensorInfo{}, errors.New("not found: " + name)
	}
	return v, safetensors.TensorInfo{DType: "F16", Shape: []int{len(v)}}, nil
}

func (f fakeSource) ReadU8(name string) ([]uint8, safetensors.TensorInfo, error) {
	v, ok := f[name].([]uint8)
	if !ok {
		return nil, safetensors.TensorInfo{}, errors.New("not found: " + name)
	}
	return v, safetensors.TensorInfo{DType: "U8", Shape: []int{len(v)}}, nil
}

func (f fakeSource) ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error) {
	switch v := f[name].(type) {
	case []float32:
		return v, safetensors.TensorInfo{DType: "F32", Shape: []int{len(v)}}, nil
	case []uint16:
		out := make([]float32, len(v))
		for i, h := range v {
			out[i] = float16.Frombits(h).Float32()
		}
		return out, safetensors.TensorInfo{DType: "F16", Shape: []int{len(v)}}, nil
	}
	return nil, safetensors.TensorInfo{}, errors.New("not found: " + name)
}

func TestLoadQuantMapF32(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	entries := []float32{0, 1, -1, 0.5, 2}
	err := safetensors.WriteFile(filepath.Join(dir, "q.safetensors"), []safetensors.Tensor{
		safetensors.F32("qm", []int{len(entries)}, entries),
		safetensors.U8("w", []int{4}, []uint8{0, 1, 2, 4}),
		safetensors.F16("b", []int{2}, []uint16{0x3c00, 0x4000}),
	})
	if err != nil {
		t.Fatalf("write tensors: %v", err)
	}
	src, err := safetensors.Open(filepath.Join(dir, "q.safetensors"))
	if err != nil {
		t.Fatalf("open tensors: %v", err)
	}

	spec := netspec.Layer{Name: "c", Kind: netspec.KindConv, KX: 1, KY: 1, Channels: 2, Kernels: 2,
		Weights: "w", Bias: "b", QuantMap: "qm"}
	layers, err := Load(&netspec.Network{Source: "q.safetensors", Layers: []netspec.Layer{spec}}, src)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	qm := layers[0].conv.Weights.QuantMap
	want := dvweights.QuantMap{0x0000, 0x3c00, 0xbc00, 0x3800, 0x4000}
	if *qm != want {
		t.Fatalf("quantization map = %x...", qm[:5])
	}

	huge := fakeSource{"qm": []float32{1e9}, "w": make([]uint8, 4), "b": make([]uint16, 2)}
	if _, err := Load(&netspec.Network{Source: "x", Layers: []netspec.Layer{spec}}, huge); !errors.Is(err, dvweights.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for out-of-range map entry, got %v", err)
	}
}

func TestCheckCountsRejectsOversizedLayers(t *testing.T) {
	t.Parallel()

	tests := []netspec.Layer{
		{Name: "conv", Kind: netspec.KindConv, KX: 1, KY: 1, Channels: 1 << 61, Kernels: 8},
		{Name: "fc", Kind: netspec.KindFC, Channels: 1 << 40, Height: 1, Width: 1, Outputs: 1 << 40},
		{Name: "head", Kind: netspec.KindFCShaped, Channels: 4, Height: 1, Width: 1, Outputs: 1 << 30, OutHeight: 1 << 30, OutWidth: 4},
	}
	for _, spec := range tests {
		d := Data{Half: make([]uint16, 8), Bias: make([]uint16, 8)}
		if err := CheckCounts(spec, d); !errors.Is(err, netspec.ErrInvalidSpec) {
			t.Fatalf("%s: expected ErrInvalidSpec, got %v", spec.Name, err)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	spec := netspec.Layer{Name: "c", Kind: netspec.KindConv, KX: 1, KY: 1, Channels: 2, Kernels: 2, Weights: "w", Bias: "b"}
	net := func(l netspec.Layer) *netspec.Network {
		return &netspec.Network{Source: "x", Layers: []netspec.Layer{l}}
	}

	if _, err := Load(net(spec), fakeSource{"w": make([]uint16, 3), "b": make([]uint16, 2)}); !errors.Is(err, netspec.ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec for weight count, got %v", err)
	}
	if _, err := Load(net(spec), fakeSource{"w": make([]uint16, 4), "b": make([]uint16, 3)}); !errors.Is(err, netspec.ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec for bias count, got %v", err)
	}
	if _, err := Load(net(spec), fakeSource{"w": make([]uint16, 4)}); err == nil {
		t.Fatal("expected error for missing bias")
	}

	q := spec
	q.QuantMap = "qm"
	bad := make([]uint16, 256)
	bad[3] = 0x7c00
	if _, err := Load(net(q), fakeSource{"qm": bad, "w": make([]uint8, 4), "b": make([]uint16, 2)}); !errors.Is(err, dvweights.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for infinite map entry, got %v", err)
	}
	if _, err := Load(net(q), fakeSource{"qm": make([]uint16, 300), "w": make([]uint8, 4), "b": make([]uint16, 2)}); err == nil {
		t.Fatal("expected error for oversized quantization map")
	}
	layers, err := Load(net(q), fakeSource{"qm": make([]uint16, 16), "w": make([]uint8, 4), "b": make([]uint16, 2)})
	if err != nil || !layers[0].Quantized() {
		t.Fatalf("short quantization map: got (%v, %v)", layers, err)
	}
}

func TestRunErrors(t *testing.T) {
	t.Parallel()

	if _, err := (&Pipeline{}).Run(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty network")
	}

	layers, _ := loadTestLayers(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (&Pipeline{Workers: 2}).Run(ctx, layers); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	fc := netspec.Layer{Name: "wide", Kind: netspec.KindFC, Channels: 4, Height: 2, Width: 1, Outputs: 2}
	l, err := Shape(fc, false, false)
	if err != nil {
		t.Fatalf("shape: %v", err)
	}
	if _, err := (&Pipeline{}).Run(context.Background(), []Layer{l}); !errors.Is(err, dvweights.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
}
