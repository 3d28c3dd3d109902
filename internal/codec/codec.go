// Package codec turns a full pixel grid into a compact snapshot blob and
// back. It is pure: no I/O, no frame lookups, just bytes.
//
// The wire format is the grid as a little-endian uint32 raster (row-major,
// ARGB, transparent = 0) compressed with zstd. Painted canvases are mostly
// runs of identical colors, which zstd collapses well.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ErrCorruptSnapshot means the blob cannot be a snapshot of the stated
// dimensions: it fails to decompress, or the decompressed length does not
// match width×height.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	// Single-threaded so encoding stays deterministic for a given grid.
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

// Encode packs a complete grid into a snapshot blob. The caller guarantees
// len(cells) == width*height; every cell must be present (transparent = 0).
func Encode(cells []uint32, width, height int) []byte {
	raw := make([]byte, 4*len(cells))
	for i, c := range cells {
		binary.LittleEndian.PutUint32(raw[4*i:], c)
	}
	return encoder.EncodeAll(raw, make([]byte, 0, len(raw)/8))
}

// Decode is the inverse of Encode. It fails with ErrCorruptSnapshot rather
// than silently truncating or padding a grid that does not match the stated
// dimensions.
func Decode(blob []byte, width, height int) ([]uint32, error) {
	raw, err := decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	want := 4 * width * height
	if len(raw) != want {
		return nil, fmt.Errorf("%w: got %d bytes for %dx%d grid, want %d",
			ErrCorruptSnapshot, len(raw), width, height, want)
	}
	cells := make([]uint32, width*height)
	for i := range cells {
		cells[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return cells, nil
}
