// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the small amount of process plumbing shared by
// the kernel, the forkserver and the binaries:
//
//   - Fatal reports an unrecoverable error from main() before or
//     without the structured logger.
//   - ExitCode folds a wait(2) status into one integer: the exit code
//     for a normal exit, or the negated signal number for a process
//     killed by a signal. This is the representation the kernel's
//     error taxonomy carries.
//   - Descendants and KillDescendants walk /proc to find and kill
//     every process a worker started, including ones that left its
//     process group with setsid.
package process
