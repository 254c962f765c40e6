// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds credentials handed to fetch operations in
// memory outside the Go heap.
//
// A [Buffer] is an anonymous mmap region locked against swap and, where
// the kernel supports it, excluded from core dumps. Close zeroes it
// before unmapping. [ReadFile] reads a secrets file straight into a
// Buffer so the file's contents never pass through a heap slice.
//
// Decoding a Buffer (for example into the map a fetch request carries)
// necessarily copies values onto the heap. The Buffer bounds how long
// the raw file contents live, not the decoded values.
package secret
