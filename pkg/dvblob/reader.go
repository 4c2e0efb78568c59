package dvblob

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/dvpack/pkg/dvweights"
)

// File is an opened blob.
type File struct {
	Data     []byte
	Header   *Header
	Sections []Section
	Manifest *Manifest

	payload []byte
	mmapped bool
}

// Open maps a blob read-only and validates its structure. If mmap is
// unavailable it falls back to ReadAt. The returned file must be closed to
// release the mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 0 || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	size := int(size64)
	if size < headerSize {
		return nil, ErrCorruptFile
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		bf, parseErr := parseFileData(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return bf, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

// OpenReaderAt loads and validates a blob from a random-access reader
// without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

// readAllAt reads into an aligned buffer so section views keep the 16-byte
// alignment they have on disk.
func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	if size <= 0 {
		return nil, ErrCorruptFile
	}
	out := dvweights.Alloc(size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func parseFileData(data []byte, mmapped bool) (*File, error) {
	if len(data) < headerSize {
		return nil, ErrCorruptFile
	}
	hdr, ok := decodeHeader(data[:headerSize])
	if !ok {
		return nil, ErrCorruptFile
	}
	if !hdr.Valid() {
		return nil, ErrInvalidMagic
	}
	if !hdr.Compatible() {
		return nil, ErrUnsupportedMajor
	}
	if hdr.FileSize != uint64(len(data)) {
		return nil, ErrCorruptFile
	}
	if uint64(hdr.HeaderSize) > uint64(len(data)) {
		return nil, ErrCorruptFile
	}

	dirStart := hdr.SectionDirOffset
	dirEnd := dirStart + uint64(hdr.SectionCount)*sectionSize
	if dirStart < uint64(hdr.HeaderSize) {
		return nil, ErrCorruptFile
	}
	if dirEnd < dirStart || dirEnd > uint64(len(data)) {
		return nil, ErrCorruptFile
	}

	sections := make([]Section, hdr.SectionCount)
	for i := range sections {
		start := int(dirStart) + i*sectionSize
		sec, ok := decodeSection(data[start : start+sectionSize])
		if !ok {
			return nil, ErrCorruptFile
		}
		sections[i] = sec
	}

	for i := range sections {
		s := &sections[i]
		if s.Size > uint64(len(data)) {
			return nil, fmt.Errorf("%w: section %d size out of range", ErrCorruptFile, i)
		}
		end := s.End()
		if end < s.Offset {
			return nil, fmt.Errorf("%w: section %d offset overflow", ErrCorruptFile, i)
		}
		if end > uint64(len(data)) {
			return nil, fmt.Errorf("%w: section %d out of bounds", ErrCorruptFile, i)
		}
		if s.Offset < uint64(hdr.HeaderSize) {
			return nil, fmt.Errorf("%w: section %d overlaps header", ErrCorruptFile, i)
		}
		if rangesOverlap(s.Offset, end, dirStart, dirEnd) {
			return nil, fmt.Errorf("%w: section %d overlaps section directory", ErrCorruptFile, i)
		}
		if s.Offset%Alignment != 0 {
			return nil, fmt.Errorf("%w: section %d offset not %d-byte aligned", ErrCorruptFile, i, Alignment)
		}
	}

	bf := &File{
		Data:     data,
		Header:   &hdr,
		Sections: sections,
		mmapped:  mmapped,
	}

	ms := bf.Section(SectionManifest)
	if ms == nil {
		return nil, fmt.Errorf("%w: missing manifest section", ErrCorruptFile)
	}
	m, err := decodeManifest(bf.SectionData(ms))
	if err != nil {
		return nil, err
	}
	bf.Manifest = m

	ds := bf.Section(SectionData)
	if ds == nil {
		return nil, fmt.Errorf("%w: missing data section", ErrCorruptFile)
	}
	raw := bf.SectionData(ds)
	if hdr.Flags&FlagDataZstd != 0 {
		raw, err = decompress(raw, m.DataSize)
		if err != nil {
			return nil, err
		}
	}
	if uint64(len(raw)) != m.DataSize {
		return nil, fmt.Errorf("%w: data section holds %d bytes, manifest expects %d", ErrCorruptFile, len(raw), m.DataSize)
	}
	bf.payload = raw
	return bf, nil
}

func decompress(src []byte, size uint64) ([]byte, error) {
	if size > MaxDataSize {
		return nil, fmt.Errorf("%w: data size %d exceeds %d", ErrCorruptFile, size, uint64(MaxDataSize))
	}
	dec, err := zstd.NewReader(bytes.NewReader(src), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	if size == 0 {
		return nil, nil
	}
	// Memory grows with the decoded stream, not with the manifest's claim.
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(dec, int64(size)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: data section: %v", ErrCorruptFile, err)
	}
	if uint64(n) != size {
		return nil, fmt.Errorf("%w: data section decodes to %d bytes, manifest expects %d", ErrCorruptFile, n, size)
	}
	out := dvweights.Alloc(int(size))
	copy(out, buf.Bytes())
	return out, nil
}

// Close releases file resources and any mmap backing.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.Header = nil
	f.Sections = nil
	f.payload = nil
	f.mmapped = false
	return err
}

// Section returns the first section matching t, or nil.
func (f *File) Section(t SectionType) *Section {
	for i := range f.Sections {
		if SectionType(f.Sections[i].Type) == t {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionData returns a zero-copy slice covering the section payload as
// stored. The slice must not be retained after Close.
func (f *File) SectionData(s *Section) []byte {
	if f == nil || s == nil || f.Data == nil {
		return nil
	}
	end := s.End()
	if end < s.Offset || end > uint64(len(f.Data)) {
		return nil
	}
	return f.Data[int(s.Offset):int(end)]
}

// Payload returns the decompressed data section.
func (f *File) Payload() []byte { return f.payload }

// Layer returns the packed bytes of the named layer. For uncompressed blobs
// the slice aliases the mapping and must not be retained after Close.
func (f *File) Layer(name string) ([]byte, error) {
	if f == nil || f.Manifest == nil {
		return nil, ErrCorruptFile
	}
	e, ok := f.Manifest.Layer(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrLayerNotFound, name)
	}
	return f.payload[e.Offset:e.End():e.End()], nil
}

// Verify recomputes every layer checksum.
func (f *File) Verify() error {
	if f == nil || f.Manifest == nil {
		return ErrCorruptFile
	}
	for i := range f.Manifest.Layers {
		e := &f.Manifest.Layers[i]
		if got := Checksum(f.payload[e.Offset:e.End()]); got != e.SHA256 {
			return fmt.Errorf("%w: layer %q: got %s want %s", ErrChecksum, e.Name, got, e.SHA256)
		}
	}
	return nil
}
