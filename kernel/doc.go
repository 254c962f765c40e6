// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kernel runs one operation of one untrusted unit and turns
// whatever the worker process does into a typed result or a typed
// error.
//
// Every invocation follows the same path. Paths the worker needs are
// staged in a [chroot.Context] lease; a worker is spawned through a
// [forkserver.Spawner]; its stdout (the result) and stderr (the log)
// are drained by two [ChildReader]s multiplexed with poll(2) under a
// wall-clock deadline; the process is reaped; and the exit status and
// the result frame are classified:
//
//   - deadline passed: [*TimeoutError], whatever the exit status
//   - non-zero exit or death by signal: [*ExitedAbnormallyError]
//   - exit 0 with a result that overflowed its cap, was truncated, or
//     had trailing bytes: [*ExitedAbnormallyError] with ExitCode 0
//   - a worker that deleted or replaced its output file:
//     [*MisbehaviorError] or [*SecurityViolationError], which take
//     precedence over any result
//
// The deadline is enforced with SIGKILL to the worker and every process
// descending from it, setsid or not. There is no graceful stop: the
// code is untrusted and cannot be relied on to honor one. After the
// kill the kernel waits at most Config.KillGrace for both pipes to
// close, then logs a warning and abandons them.
//
// Nothing is retried. A Kernel is safe for concurrent use by
// invocations on different leases.
package kernel
