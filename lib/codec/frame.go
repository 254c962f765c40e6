// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameHeaderSize is the length of the big-endian uint32 body length
// that precedes every frame.
const FrameHeaderSize = 4

// MaxFrameSize bounds the body length a reader will accept. A header
// announcing more than this is rejected before any allocation.
const MaxFrameSize = 256 << 20

var (
	// ErrTruncated reports a frame whose header or body ends early.
	ErrTruncated = errors.New("codec: truncated frame")

	// ErrTrailingData reports bytes after the one frame a buffer was
	// expected to hold, or after the CBOR item inside a frame body.
	ErrTrailingData = errors.New("codec: trailing data after frame")

	// ErrFrameTooLarge reports a header announcing more than
	// MaxFrameSize bytes.
	ErrFrameTooLarge = errors.New("codec: frame exceeds maximum size")
)

// AppendFrame encodes v and appends header and body to buf.
func AppendFrame(buf []byte, v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return buf, fmt.Errorf("encoding frame body: %w", err)
	}
	if len(body) > MaxFrameSize {
		return buf, ErrFrameTooLarge
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	return append(buf, body...), nil
}

// WriteFrame encodes v as one frame and writes it with a single Write
// call, so a reader never observes a header without its body unless
// the writer died mid-write.
func WriteFrame(w io.Writer, v any) error {
	frame, err := AppendFrame(nil, v)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r and decodes it into v. It
// does not read past the end of the frame, so several frames can be
// read in sequence from one stream.
func ReadFrame(r io.Reader, v any) error {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	return decodeBody(body, v)
}

// DecodeFrame decodes data, which must hold exactly one complete
// frame and nothing else. Truncation anywhere and bytes after the
// frame are both errors; this is how a worker that exited cleanly but
// wrote a damaged response is detected.
func DecodeFrame(data []byte, v any) error {
	if len(data) < FrameHeaderSize {
		return ErrTruncated
	}
	length := binary.BigEndian.Uint32(data[:FrameHeaderSize])
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}
	body := data[FrameHeaderSize:]
	switch {
	case uint64(len(body)) < uint64(length):
		return ErrTruncated
	case uint64(len(body)) > uint64(length):
		return ErrTrailingData
	}
	return decodeBody(body, v)
}

func decodeBody(body []byte, v any) error {
	rest, err := decMode.UnmarshalFirst(body, v)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return ErrTruncated
		}
		return fmt.Errorf("decoding frame body: %w", err)
	}
	if len(rest) != 0 {
		return ErrTrailingData
	}
	return nil
}
