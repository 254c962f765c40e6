// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// The kernel never sleeps while waiting on a worker's pipes; poll(2)
// does that with a timeout derived from the invocation deadline. The
// remaining time-dependent code (deadline arithmetic and the bounded
// reap loop) takes a Clock so tests can check pacing without waiting
// in real time:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	k, _ := kernel.New(kernel.Config{Spawner: spawner, Clock: fake, ReapRetries: 3})
//	// ... run an invocation whose worker outlives its pipes ...
//	fake.Sleeps() // one entry per non-blocking wait
package clock
