package dvblob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ManifestVersion is the section version written for SectionManifest.
const ManifestVersion = 1

// Manifest describes the layers stored in the data section.
type Manifest struct {
	ID        uuid.UUID    `json:"id"`
	Name      string       `json:"name"`
	CreatedAt time.Time    `json:"created_at"`
	Generator string       `json:"generator,omitempty"`
	DataSize  uint64       `json:"data_size"`
	Layers    []LayerEntry `json:"layers"`
}

// LayerEntry locates one packed layer inside the data section. Kernels holds
// the output count for fully connected layers.
type LayerEntry struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Offset    uint64 `json:"offset"`
	Size      uint64 `json:"size"`
	KX        int    `json:"kx,omitempty"`
	KY        int    `json:"ky,omitempty"`
	Channels  int    `json:"channels"`
	Kernels   int    `json:"kernels"`
	Quantized bool   `json:"quantized"`
	PReLU     bool   `json:"prelu,omitempty"`
	SHA256    string `json:"sha256"`
}

func (e *LayerEntry) End() uint64 { return e.Offset + e.Size }

// Checksum returns the hex encoded SHA-256 of b in the form stored in
// LayerEntry.SHA256.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// NewManifest returns a manifest with a fresh blob ID.
func NewManifest(name string) *Manifest {
	return &Manifest{
		ID:        uuid.New(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
}

// Layer returns the entry with the given name.
func (m *Manifest) Layer(name string) (*LayerEntry, bool) {
	for i := range m.Layers {
		if m.Layers[i].Name == name {
			return &m.Layers[i], true
		}
	}
	return nil, false
}

// Validate checks that layer names are unique and that every layer region
// is aligned, inside DataSize and disjoint from the others.
func (m *Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Layers))
	var prevEnd uint64
	for i := range m.Layers {
		l := &m.Layers[i]
		if l.Name == "" {
			return fmt.Errorf("%w: layer %d has no name", ErrCorruptFile, i)
		}
		if _, ok := seen[l.Name]; ok {
			return fmt.Errorf("%w: duplicate layer %q", ErrCorruptFile, l.Name)
		}
		seen[l.Name] = struct{}{}

		if l.Offset%Alignment != 0 {
			return fmt.Errorf("%w: layer %q offset %d not %d-byte aligned", ErrCorruptFile, l.Name, l.Offset, Alignment)
		}
		end := l.End()
		if end < l.Offset || end > m.DataSize {
			return fmt.Errorf("%w: layer %q out of bounds", ErrCorruptFile, l.Name)
		}
		// Layers are stored in ascending offset order.
		if l.Offset < prevEnd {
			return fmt.Errorf("%w: layer %q overlaps its predecessor", ErrCorruptFile, l.Name)
		}
		prevEnd = end
	}
	return nil
}

func (m *Manifest) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decodeManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrCorruptFile, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
