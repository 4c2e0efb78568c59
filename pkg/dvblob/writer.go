package dvblob

import (
	"errors"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const writerPadBufSize = 4096

// Writer builds a blob in a streaming fashion.
//
// The writer reserves space for the header up front and patches it in
// Finalise. Use BeginSection for large payloads to avoid buffering in memory.
type Writer struct {
	f        *os.File
	sections []Section
	seen     map[SectionType]struct{}
	open     *SectionWriter
	closed   bool

	flags  uint64
	padBuf []byte

	mu sync.Mutex
}

// SectionWriter streams a section payload directly to the underlying file.
//
// It must be ended before any other section can be written. Bytes written,
// including padding added via Align, count towards the section size.
type SectionWriter struct {
	w       *Writer
	typ     SectionType
	version uint32
	start   int64
	ended   bool
}

// NewWriter truncates f and reserves space for the header.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("dvblob: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	w := &Writer{
		f:      f,
		seen:   make(map[SectionType]struct{}),
		padBuf: make([]byte, writerPadBufSize),
	}
	if err := w.writeZeros(headerSize); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteSection writes a section payload and records it in the section
// directory. A section type may only be written once.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkIdle(typ); err != nil {
		return err
	}
	if err := w.alignTo(Alignment); err != nil {
		return err
	}
	offset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if err := writeFull(w.f, data); err != nil {
			return err
		}
	}

	w.sections = append(w.sections, Section{
		Type:    uint32(typ),
		Version: version,
		Offset:  uint64(offset),
		Size:    uint64(len(data)),
	})
	w.seen[typ] = struct{}{}
	return nil
}

func (w *Writer) AddFlags(flags uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("dvblob: writer already finalised")
	}
	w.flags |= flags
	return nil
}

// BeginSection starts streaming a section payload. The returned writer must
// be ended before writing any other section.
func (w *Writer) BeginSection(typ SectionType, version uint32) (*SectionWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkIdle(typ); err != nil {
		return nil, err
	}
	if err := w.alignTo(Alignment); err != nil {
		return nil, err
	}
	start, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	sw := &SectionWriter{w: w, typ: typ, version: version, start: start}
	w.open = sw
	// Once bytes are written for a type it cannot be undone.
	w.seen[typ] = struct{}{}
	return sw, nil
}

func (w *Writer) checkIdle(typ SectionType) error {
	if w.closed {
		return errors.New("dvblob: writer already finalised")
	}
	if w.open != nil {
		return errors.New("dvblob: section write in progress")
	}
	if _, ok := w.seen[typ]; ok {
		return errors.New("dvblob: duplicate section type")
	}
	return nil
}

func (sw *SectionWriter) active() error {
	if sw.ended {
		return errors.New("dvblob: section writer ended")
	}
	if sw.w.open != sw {
		return errors.New("dvblob: section writer not active")
	}
	return nil
}

// BytesWritten returns the number of bytes written in this section so far.
func (sw *SectionWriter) BytesWritten() (uint64, error) {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return 0, err
	}
	pos, err := sw.w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if pos < sw.start {
		return 0, errors.New("dvblob: invalid file position")
	}
	return uint64(pos - sw.start), nil
}

// Align writes zero padding until the file position is aligned to n bytes.
func (sw *SectionWriter) Align(n int) error {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return err
	}
	return sw.w.alignTo(int64(n))
}

// Write streams p into the underlying file.
func (sw *SectionWriter) Write(p []byte) (int, error) {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := writeFull(sw.w.f, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// End finalises the section and records it in the section directory.
func (sw *SectionWriter) End() error {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return err
	}
	pos, err := sw.w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pos < sw.start {
		return errors.New("dvblob: invalid file position")
	}

	sw.w.sections = append(sw.w.sections, Section{
		Type:    uint32(sw.typ),
		Version: sw.version,
		Offset:  uint64(sw.start),
		Size:    uint64(pos - sw.start),
	})
	sw.w.open = nil
	sw.ended = true
	return nil
}

// Close is an alias for End, allowing use with defer.
func (sw *SectionWriter) Close() error { return sw.End() }

// Finalise writes the section directory and patches the header. The writer
// must not be used afterwards.
func (w *Writer) Finalise() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("dvblob: writer already finalised")
	}
	if w.open != nil {
		return errors.New("dvblob: section write in progress")
	}
	w.closed = true

	sort.Slice(w.sections, func(i, j int) bool {
		return w.sections[i].Type < w.sections[j].Type
	})

	if err := w.alignTo(Alignment); err != nil {
		return err
	}
	dirOffset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	var secBuf [sectionSize]byte
	for i := range w.sections {
		if !encodeSection(secBuf[:], w.sections[i]) {
			return errors.New("dvblob: encode section failed")
		}
		if err := writeFull(w.f, secBuf[:]); err != nil {
			return err
		}
	}

	fileSize, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if err := w.f.Truncate(fileSize); err != nil {
		return err
	}

	var header Header
	copy(header.Magic[:], Magic)
	header.Major = CurrentMajor
	header.Minor = CurrentMinor
	header.HeaderSize = headerSize
	header.SectionCount = uint32(len(w.sections))
	header.SectionDirOffset = uint64(dirOffset)
	header.FileSize = uint64(fileSize)
	header.Flags = w.flags

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var hdrBuf [headerSize]byte
	if !encodeHeader(hdrBuf[:], header) {
		return errors.New("dvblob: encode header failed")
	}
	if err := writeFull(w.f, hdrBuf[:]); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) alignTo(n int64) error {
	if n <= 1 {
		return nil
	}
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if mod := pos % n; mod != 0 {
		return w.writeZeros(int(n - mod))
	}
	return nil
}

func (w *Writer) writeZeros(n int) error {
	for n > 0 {
		k := min(n, len(w.padBuf))
		if err := writeFull(w.f, w.padBuf[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

func writeFull(f *os.File, p []byte) error {
	for len(p) > 0 {
		n, err := f.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// WriteOptions controls WriteFile.
type WriteOptions struct {
	// Compress stores the data section zstd compressed.
	Compress bool
}

// WriteFile writes a complete blob holding m and the packed data. The
// manifest's DataSize is set from data and the layers are validated against
// it before anything is written.
func WriteFile(path string, m *Manifest, data []byte, opts WriteOptions) (err error) {
	if m == nil {
		return errors.New("dvblob: nil manifest")
	}
	m.DataSize = uint64(len(data))
	if err := m.Validate(); err != nil {
		return err
	}
	manifest, err := m.encode()
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w, err := NewWriter(f)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionManifest, ManifestVersion, manifest); err != nil {
		return err
	}

	if opts.Compress {
		if err := w.AddFlags(FlagDataZstd); err != nil {
			return err
		}
		sw, err := w.BeginSection(SectionData, 1)
		if err != nil {
			return err
		}
		enc, err := zstd.NewWriter(sw)
		if err != nil {
			return err
		}
		if _, err := enc.Write(data); err != nil {
			_ = enc.Close()
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
		if err := sw.End(); err != nil {
			return err
		}
	} else if err := w.WriteSection(SectionData, 1, data); err != nil {
		return err
	}

	return w.Finalise()
}
