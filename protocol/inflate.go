package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// MaxInflatedSize bounds the output of Inflate so a hostile body cannot
// exhaust memory.
const MaxInflatedSize = 16 << 20

// Inflate decompresses a zlib body.
func Inflate(body []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, MaxInflatedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	if len(out) > MaxInflatedSize {
		return nil, fmt.Errorf("%w: inflated body exceeds %d bytes", ErrDecompress, MaxInflatedSize)
	}
	return out, nil
}
