package dvblob

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid DVW magic")
	ErrUnsupportedMajor = errors.New("unsupported DVW major version")
	ErrCorruptFile      = errors.New("corrupt DVW file")
	ErrLayerNotFound    = errors.New("layer not found")
	ErrChecksum         = errors.New("layer checksum mismatch")
)
