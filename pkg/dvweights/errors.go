package dvweights

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("dvweights: invalid argument")
	ErrNotSupported    = errors.New("dvweights: not supported")
	ErrBufferTooSmall  = errors.New("dvweights: buffer too small")

	// ErrMisaligned is reported when an output buffer does not start on a
	// 16-byte boundary. It also matches ErrInvalidArgument.
	ErrMisaligned = misalignedError{}
)

type misalignedError struct{}

func (misalignedError) Error() string { return "dvweights: buffer must be 16-byte aligned" }

func (misalignedError) Is(target error) bool {
	return target == ErrInvalidArgument
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArgument}, args...)...)
}

func unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotSupported}, args...)...)
}

func tooSmall(have, need int) error {
	return fmt.Errorf("%w: provided %d bytes while %d are required", ErrBufferTooSmall, have, need)
}
