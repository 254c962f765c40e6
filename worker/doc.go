// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker is the child side of an invocation. A worker binary
// calls [Main] with the loaders it supports; the forkserver starts it
// with stdout and stderr connected to the kernel and descriptor 3
// carrying a [protocol.Handshake].
//
// One worker runs one invocation:
//
//  1. Become a child subreaper, so anything the unit starts stays a
//     descendant of the worker even after its parent exits. Parse
//     argv. --preload names builtin modules to load before the
//     handshake arrives, which is how a pooled worker pays its start-up
//     cost while idle.
//  2. Block reading the handshake frame from descriptor 3.
//  3. When the handshake asks for isolation: make the mount tree
//     private, bind provide paths read-only into the chroot, chroot,
//     create a scratch directory owned by the assigned UID under
//     /var/tmp, then drop to that UID and GID. TMPDIR names the
//     scratch directory from then on.
//  4. Install the seccomp deny list when requested. A worker built
//     without a seccomp installer refuses such a handshake.
//  5. Load the unit with the loader for its kind and run the
//     operation. The result is written to stdout as one codec frame
//     and the process exits 0. Any failure is written to stderr and
//     the process exits 1.
//
// Nothing is returned across the process boundary except that frame,
// stderr text and the exit status.
package worker
