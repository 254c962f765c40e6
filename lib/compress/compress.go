// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress compresses compiled unit code for storage in the
// kernel's unit cache and for transfer to workers in the spawn
// handshake. Exec units are ELF images that routinely shrink 3-4x
// under zstd, and the pool spawner writes one per spawn.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the algorithm a payload was compressed with. Tags
// travel in the handshake, so their values are protocol constants.
type Tag uint8

const (
	// None marks an uncompressed payload.
	None Tag = 0

	// LZ4 marks LZ4 block compression. Fast to decode, modest ratio.
	LZ4 Tag = 1

	// Zstd marks zstd at the default level. Better ratio for
	// executables and text.
	Zstd Tag = 2
)

// String returns the configuration name of a tag.
func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseTag parses a configuration name ("none", "lz4", "zstd", or
// "auto", which returns auto=true to request probing with Auto).
func ParseTag(name string) (tag Tag, auto bool, err error) {
	switch name {
	case "none":
		return None, false, nil
	case "lz4":
		return LZ4, false, nil
	case "zstd":
		return Zstd, false, nil
	case "auto", "":
		return None, true, nil
	default:
		return 0, false, fmt.Errorf("unknown compression %q", name)
	}
}

// ErrIncompressible is returned by Compress when the output would not
// be smaller than the input. Callers fall back to None.
var ErrIncompressible = errors.New("data is incompressible")

// Compress compresses data with the given algorithm. For None it
// returns data unchanged.
func Compress(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case None:
		return data, nil
	case LZ4:
		return compressLZ4(data)
	case Zstd:
		return compressZstd(data)
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", tag)
	}
}

// Decompress reverses Compress. size must equal the original length;
// a mismatch is an error rather than a silently short payload.
func Decompress(compressed []byte, tag Tag, size int) ([]byte, error) {
	switch tag {
	case None:
		if len(compressed) != size {
			return nil, fmt.Errorf("uncompressed payload is %d bytes, expected %d", len(compressed), size)
		}
		return compressed, nil
	case LZ4:
		return decompressLZ4(compressed, size)
	case Zstd:
		return decompressZstd(compressed, size)
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", tag)
	}
}

// Auto picks an algorithm by probing data with zstd: a ratio of at
// least 1.5 selects zstd, at least 1.1 selects LZ4, anything less is
// stored uncompressed. It returns the payload and the tag used.
func Auto(data []byte) ([]byte, Tag, error) {
	tag := selectTag(data)
	compressed, err := Compress(data, tag)
	if err != nil {
		if errors.Is(err, ErrIncompressible) {
			return data, None, nil
		}
		return nil, 0, err
	}
	return compressed, tag, nil
}

func selectTag(data []byte) Tag {
	if len(data) == 0 {
		return None
	}
	trial := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(trial))
	switch {
	case ratio >= 1.5:
		return Zstd
	case ratio >= 1.1:
		return LZ4
	default:
		return None
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, ErrIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, ErrIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
	}
	return result, nil
}
