package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned for operations or message types a protocol does not handle.
	ErrUnsupported = errors.New("unsupported by protocol")
	// ErrMethodNotFound is returned when a request names an unknown service or method.
	ErrMethodNotFound = errors.New("method not found")
)

// DecodeError reports a malformed or unparseable packet.
type DecodeError struct {
	Protocol string
	Seq      uint32
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode seq %d: %v", e.Protocol, e.Seq, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
