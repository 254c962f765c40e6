// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports which build of stepkernel is running. The
// CLI prints [Info]; the worker prints [Full] for "version" so a worker
// binary that drifted from its harness can be identified.
//
// Release builds inject [Version], [GitCommit], [GitDirty] and
// [BuildTime] with -ldflags -X. Without them the commit comes from the
// VCS stamp in the binary's build info.
package version
