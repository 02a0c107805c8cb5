// Copyright (C) 2025 ScyllaDB

package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
)

var ErrCompressionCorrupt = errors.New("compression: corrupt input")

// Compressor (de)compresses whole frame bodies.
type Compressor interface {
	// Name is the value announced in the STARTUP COMPRESSION option.
	Name() string
	Encode(src []byte) ([]byte, error)
	// Decode refuses to produce more than limit bytes.
	Decode(src []byte, limit int) ([]byte, error)
}

const (
	LZ4    = "lz4"
	Snappy = "snappy"
)

func NewCompressor(name string) (Compressor, error) {
	switch name {
	case LZ4:
		return LZ4Compressor{}, nil
	case Snappy:
		return SnappyCompressor{}, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", name)
	}
}

// LZ4Compressor prefixes the raw lz4 block with the big-endian uncompressed length.
type LZ4Compressor struct{}

func (LZ4Compressor) Name() string { return LZ4 }

func (LZ4Compressor) Encode(src []byte) ([]byte, error) {
	dst := make([]byte, 4+lz4.CompressBlockBound(len(src)))
	binary.BigEndian.PutUint32(dst, uint32(len(src)))
	if len(src) == 0 {
		return dst[:4], nil
	}

	var c lz4.Compressor
	n, err := c.CompressBlock(src, dst[4:])
	if err != nil {
		return nil, fmt.Errorf("can't compress lz4 block: %w", err)
	}
	if n == 0 {
		return nil, ErrCompressionCorrupt
	}
	return dst[:4+n], nil
}

func (LZ4Compressor) Decode(src []byte, limit int) ([]byte, error) {
	if len(src) < 4 {
		return nil, ErrCompressionCorrupt
	}
	n := int(binary.BigEndian.Uint32(src))
	if n > limit {
		return nil, fmt.Errorf("lz4: uncompressed length %d exceeds limit %d", n, limit)
	}
	dst := make([]byte, n)
	if n == 0 {
		return dst, nil
	}
	read, err := lz4.UncompressBlock(src[4:], dst)
	if err != nil {
		return nil, fmt.Errorf("can't decompress lz4 block: %w", err)
	}
	if read != n {
		return nil, ErrCompressionCorrupt
	}
	return dst, nil
}

// SnappyCompressor produces snappy-compatible blocks through s2.
type SnappyCompressor struct{}

func (SnappyCompressor) Name() string { return Snappy }

func (SnappyCompressor) Encode(src []byte) ([]byte, error) {
	return s2.EncodeSnappy(nil, src), nil
}

func (SnappyCompressor) Decode(src []byte, limit int) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("can't read snappy length: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("snappy: uncompressed length %d exceeds limit %d", n, limit)
	}
	dst, err := s2.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("can't decompress snappy block: %w", err)
	}
	return dst, nil
}
