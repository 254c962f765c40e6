// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package forkserver starts worker processes, one per invocation.
//
// Go cannot fork a warm copy of itself, so the template process is
// modeled as the worker binary (cmd/stepkernel-worker) plus one of two
// [Spawner] strategies:
//
//   - [OnDemand] starts a fresh worker for every Spawn.
//   - [Pool] keeps PoolSize workers already started, preloaded and
//     blocked reading their handshake. Spawn hands one out and a
//     background goroutine starts a replacement.
//
// Either way the worker is started with its own process group, with
// SIGKILL as its parent-death signal, and with private mount and PID
// namespaces when isolation is on. It receives a [protocol.Handshake]
// on descriptor 3 naming its chroot, its provide paths, its UID and the
// invocation. Stdout and stderr are pipes whose read ends the caller
// gets as raw non-blocking descriptors in [WorkerProcess].
//
// Every live worker holds a UID from a [UIDAllocator], so two workers
// never share credentials. The UID returns to the allocator when the
// caller releases the WorkerProcess after reaping it.
//
// [WorkerProcess.Kill] takes down the whole tree: the worker is
// stopped, its descendants are found through /proc, stopped and
// killed, and then the worker and its group are killed.
package forkserver
