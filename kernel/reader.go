// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// discardChunkSize is the read size once a stream has overflowed.
const discardChunkSize = 64 << 10

// ChildReader accumulates one non-blocking pipe up to a byte limit.
// Past the limit it keeps reading and discarding so the writer never
// blocks on a full pipe, and records that the stream overflowed.
type ChildReader struct {
	fd    int
	limit int

	buffer     []byte
	discard    []byte
	eof        bool
	overflowed bool
}

// NewChildReader returns a reader for fd, which must be non-blocking.
// The reader does not own fd.
func NewChildReader(fd, limit int) *ChildReader {
	return &ChildReader{fd: fd, limit: limit}
}

// Ingest reads everything currently available without blocking. It
// returns nil when the pipe is drained for now or at EOF.
//
// At exactly the limit one extra byte is read: data means overflow,
// EOF means the stream ended exactly at the limit, and EAGAIN means it
// is not known yet.
func (r *ChildReader) Ingest() error {
	for !r.eof {
		var target []byte
		switch {
		case r.overflowed:
			if r.discard == nil {
				r.discard = make([]byte, discardChunkSize)
			}
			target = r.discard
		case len(r.buffer) == r.limit:
			var extra [1]byte
			target = extra[:]
		default:
			target = r.grow()
		}

		n, err := unix.Read(r.fd, target)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil
		case err != nil:
			return fmt.Errorf("reading child pipe: %w", err)
		case n == 0:
			r.eof = true
		case r.overflowed:
		case len(r.buffer) == r.limit:
			r.overflowed = true
		default:
			r.buffer = r.buffer[:len(r.buffer)+n]
		}
	}
	return nil
}

// grow returns free space in buffer, at most the distance to the limit.
func (r *ChildReader) grow() []byte {
	want := min(r.limit-len(r.buffer), discardChunkSize)
	if cap(r.buffer)-len(r.buffer) < want {
		grown := make([]byte, len(r.buffer), len(r.buffer)+max(want, len(r.buffer)))
		copy(grown, r.buffer)
		r.buffer = grown
	}
	free := r.buffer[len(r.buffer):cap(r.buffer)]
	return free[:min(len(free), r.limit-len(r.buffer))]
}

// Fd returns the descriptor being read.
func (r *ChildReader) Fd() int { return r.fd }

// EOF reports whether the writer has closed the pipe and every byte
// has been read.
func (r *ChildReader) EOF() bool { return r.eof }

// Overflowed reports whether the stream held more than limit bytes.
func (r *ChildReader) Overflowed() bool { return r.overflowed }

// Bytes returns the retained bytes, at most limit.
func (r *ChildReader) Bytes() []byte { return r.buffer }

// ToText decodes the retained bytes as UTF-8, replacing invalid
// sequences. It never fails.
func (r *ChildReader) ToText() string {
	return strings.ToValidUTF8(string(r.buffer), "\uFFFD")
}
