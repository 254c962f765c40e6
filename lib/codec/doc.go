// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the wire encoding used across the process
// boundary between the kernel and its workers.
//
// Every message is one frame: a 4-byte big-endian body length followed
// by a single CBOR data item encoded with Core Deterministic Encoding
// (RFC 8949 §4.2). Framing exists so that the parent can tell a
// complete response from a truncated one and from a response followed
// by garbage. CBOR alone is self-delimiting but cannot distinguish "the
// worker stopped writing" from "the worker is still writing".
//
// For whole buffers (a drained stdout pipe):
//
//	err := codec.DecodeFrame(stdout, &response)
//
// For streams (the handshake descriptor a worker reads at startup):
//
//	err := codec.ReadFrame(handshakeFile, &handshake)
//	err = codec.WriteFrame(os.Stdout, response)
//
// Struct tags: every field that crosses the worker boundary carries a
// `cbor` tag. Result types the CLI also prints as JSON carry a `json`
// tag with the same key.
package codec
