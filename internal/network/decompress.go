package network

import (
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"

	"github.com/energizer-project/srcquery/internal/protocol"
)

// Decompressor expands the concatenated payload of a compressed Source
// split response.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

// Bzip2Decompressor is the default Decompressor.
type Bzip2Decompressor struct{}

// Decompress implements Decompressor.
func (Bzip2Decompressor) Decompress(data []byte) ([]byte, error) {
	r := io.LimitReader(bzip2.NewReader(bytes.NewReader(data)), protocol.MaxDatagramSize*16)
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("bzip2: %w", err)
	}
	return out, nil
}

// DecompressorFunc adapts a function to the Decompressor interface.
type DecompressorFunc func(data []byte) ([]byte, error)

// Decompress implements Decompressor.
func (f DecompressorFunc) Decompress(data []byte) ([]byte, error) { return f(data) }
