// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash computes BLAKE3 keyed digests of compiled units and
// of files on disk.
//
// A unit digest identifies "this name with this code". The kernel uses
// it as the compiled-unit cache key and as the suffix of a unit's
// identifier, so two compilations of the same source share one cache
// entry and a changed source never aliases an old one. File digests
// identify worker binaries in logs and in the capabilities report.
//
// Each use has its own domain key, so the same bytes hashed as a unit
// and as a file produce different digests.
//
// This package has no dependencies on other stepkernel packages.
package binhash
