package netspec

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const tinySpec = `
name: tiny
source: weights.safetensors
layers:
  - name: conv1
    kind: conv
    kx: 3
    ky: 3
    channels: 8
    kernels: 16
    weights: conv1.weight
    bias: conv1.bias
    prelu: conv1.prelu
    quant_map: qmap
  - name: dw
    kind: depthwise
    kx: 5
    ky: 5
    kernels: 16
    weights: dw.weight
    bias: dw.bias
    deconv: true
  - name: fc
    kind: fc
    channels: 64
    outputs: 10
    weights: fc.weight
    bias: fc.bias
  - name: head
    kind: fc_shaped
    channels: 10
    height: 2
    width: 3
    outputs: 4
    weights: head.weight
    bias: head.bias
`

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "net.yaml")
	if err := os.WriteFile(path, []byte(tinySpec), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n.Name != "tiny" || len(n.Layers) != 4 {
		t.Fatalf("unexpected network: %+v", n)
	}
	if n.Source != filepath.Join(dir, "weights.safetensors") {
		t.Fatalf("source not resolved: %q", n.Source)
	}

	conv := n.Layers[0]
	if !conv.IsQuantized() || !conv.HasPReLU() || conv.Kind != KindConv {
		t.Fatalf("conv1 flags: %+v", conv)
	}
	dw := n.Layers[1]
	if dw.Channels != 1 || !dw.Deconv {
		t.Fatalf("depthwise defaults: %+v", dw)
	}
	fc := n.Layers[2]
	if fc.Height != 1 || fc.Width != 1 {
		t.Fatalf("fc defaults: %+v", fc)
	}
	head := n.Layers[3]
	if head.OutHeight != 1 || head.OutWidth != 1 {
		t.Fatalf("fc_shaped defaults: %+v", head)
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	base := "source: w.safetensors\nlayers:\n"
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no source", "layers:\n  - {name: a, kind: conv, kx: 1, ky: 1, channels: 1, kernels: 1, weights: w, bias: b}\n", "source"},
		{"no layers", "source: w.safetensors\n", "no layers"},
		{"bad yaml", "source: [\n", ""},
		{"unknown kind", base + "  - {name: a, kind: pool, weights: w, bias: b}\n", "unknown kind"},
		{"kernel too big", base + "  - {name: a, kind: conv, kx: 9, ky: 1, channels: 1, kernels: 1, weights: w, bias: b}\n", "outside"},
		{"no kernels", base + "  - {name: a, kind: conv, kx: 3, ky: 3, channels: 1, weights: w, bias: b}\n", "positive"},
		{"depthwise channels", base + "  - {name: a, kind: depthwise, kx: 3, ky: 3, channels: 4, kernels: 4, weights: w, bias: b}\n", "depthwise"},
		{"dilated prelu", base + "  - {name: a, kind: dilated, kx: 3, ky: 3, channels: 4, kernels: 4, weights: w, bias: b, prelu: p}\n", "PReLU"},
		{"fc kernels", base + "  - {name: a, kind: fc, channels: 4, kernels: 4, outputs: 2, weights: w, bias: b}\n", "outputs"},
		{"fc prelu", base + "  - {name: a, kind: fc, channels: 4, outputs: 2, weights: w, bias: b, prelu: p}\n", "prelu"},
		{"conv too large", base + "  - {name: a, kind: conv, kx: 3, ky: 3, channels: 1099511627776, kernels: 8, weights: w, bias: b}\n", "more than"},
		{"fc too large", base + "  - {name: a, kind: fc, channels: 4611686018427387904, outputs: 4, weights: w, bias: b}\n", "more than"},
		{"missing bias", base + "  - {name: a, kind: conv, kx: 1, ky: 1, channels: 1, kernels: 1, weights: w}\n", "required"},
		{"missing name", base + "  - {kind: conv, kx: 1, ky: 1, channels: 1, kernels: 1, weights: w, bias: b}\n", "name"},
		{"duplicate", base +
			"  - {name: a, kind: conv, kx: 1, ky: 1, channels: 1, kernels: 1, weights: w, bias: b}\n" +
			"  - {name: a, kind: conv, kx: 1, ky: 1, channels: 1, kernels: 1, weights: w, bias: b}\n", "duplicate"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.doc))
			if !errors.Is(err, ErrInvalidSpec) {
				t.Fatalf("expected ErrInvalidSpec, got %v", err)
			}
			if tc.want != "" && !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
