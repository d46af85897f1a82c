package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for truncated input or an inconsistent header.
	ErrMalformed = errors.New("protocol: malformed frame")
	// ErrUnknownVersion is returned when the header declares a protocol
	// version this package does not understand. It wraps ErrMalformed.
	ErrUnknownVersion = fmt.Errorf("%w: unknown protocol version", ErrMalformed)
	// ErrDecompress is returned when a compressed body cannot be inflated.
	ErrDecompress = errors.New("protocol: decompress failed")
)
