// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/stepkernel/forkserver"
	"github.com/bureau-foundation/stepkernel/lib/codec"
	"github.com/bureau-foundation/stepkernel/lib/process"
	"github.com/bureau-foundation/stepkernel/protocol"
)

// invocation is one call into a worker.
type invocation struct {
	operation string
	unit      CompiledUnit
	args      any
	timeout   time.Duration
	chrootDir string
	provide   []protocol.PathMapping
}

// invoke spawns a worker for call, drains it under the deadline, reaps
// it and decodes its result frame into result. ctx bounds only the
// spawn: once the worker runs, the deadline is the sole way to stop it.
func (k *Kernel) invoke(ctx context.Context, call invocation, result any) (err error) {
	logger := k.logger.With(
		"invocation", uuid.NewString(),
		"operation", call.operation,
		"unit", call.unit.Identifier,
	)

	args, err := codec.Marshal(call.args)
	if err != nil {
		return fmt.Errorf("encoding %s arguments: %w", call.operation, err)
	}

	deadline := k.clock.Now().Add(call.timeout)
	spawnContext, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	worker, err := k.spawner.Spawn(spawnContext, forkserver.SpawnRequest{
		ProcessName:  call.operation + ":" + call.unit.Name,
		ChrootDir:    call.chrootDir,
		ProvidePaths: call.provide,
		Invocation: protocol.Invocation{
			Operation: call.operation,
			Unit:      call.unit.wire(),
			Args:      args,
		},
	})
	if err != nil {
		return fmt.Errorf("spawning %s worker: %w", call.operation, err)
	}
	defer worker.Release()
	logger = logger.With("pid", worker.Pid, "uid", worker.UID)

	stdout := NewChildReader(worker.Stdout, k.resultMaxBytes)
	stderr := NewChildReader(worker.Stderr, k.logMaxBytes)
	defer func() {
		k.emitLog(logger, stderr, err)
	}()

	timedOut, err := k.drain(worker, deadline, stdout, stderr)
	if err != nil {
		return err
	}
	status, err := k.reap(worker)
	if err != nil {
		return err
	}

	if timedOut {
		return &TimeoutError{Operation: call.operation, Timeout: call.timeout, Log: stderr.ToText()}
	}
	if code := process.ExitCode(status); code != 0 {
		return &ExitedAbnormallyError{ExitCode: code, Log: stderr.ToText()}
	}
	if stdout.Overflowed() {
		k.metrics.observeOverflow("stdout")
		return &ExitedAbnormallyError{
			Log: stderr.ToText(),
			Err: fmt.Errorf("%w of %d bytes", ErrResultOverflow, k.resultMaxBytes),
		}
	}
	if err := codec.DecodeFrame(stdout.Bytes(), result); err != nil {
		return &ExitedAbnormallyError{Log: stderr.ToText(), Err: err}
	}
	return nil
}

// drain reads both streams until EOF. Before the deadline poll waits at
// most the remaining time. At the deadline the worker's whole process
// tree is killed and poll waits at most killGrace more; a pipe still
// open after that is held by something outside the tree and is
// abandoned.
func (k *Kernel) drain(worker *forkserver.WorkerProcess, deadline time.Time, readers ...*ChildReader) (timedOut bool, err error) {
	fds := make([]unix.PollFd, 0, len(readers))
	pending := make([]*ChildReader, 0, len(readers))
	var graceEnd time.Time
	for {
		fds, pending = fds[:0], pending[:0]
		for _, reader := range readers {
			if !reader.EOF() {
				fds = append(fds, unix.PollFd{Fd: int32(reader.Fd()), Events: unix.POLLIN})
				pending = append(pending, reader)
			}
		}
		if len(fds) == 0 {
			return timedOut, nil
		}

		now := k.clock.Now()
		var remaining time.Duration
		if !timedOut {
			remaining = deadline.Sub(now)
			if remaining <= 0 {
				if err := worker.Kill(); err != nil {
					return true, err
				}
				timedOut = true
				graceEnd = now.Add(k.killGrace)
				continue
			}
		} else {
			remaining = graceEnd.Sub(now)
			if remaining <= 0 {
				k.logger.Warn("worker pipes still open after kill; abandoning them",
					"pid", worker.Pid,
					"open_pipes", len(fds),
				)
				return true, nil
			}
		}
		timeout := int(math.Ceil(float64(remaining) / float64(time.Millisecond)))

		ready, err := unix.Poll(fds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return timedOut, fmt.Errorf("polling worker pipes: %w", err)
		}
		if ready == 0 {
			continue
		}
		for i, fd := range fds {
			if fd.Revents == 0 {
				continue
			}
			if err := pending[i].Ingest(); err != nil {
				return timedOut, err
			}
		}
	}
}

// reap collects the worker's exit status. Both pipes are closed, so the
// worker is exiting; it gets reapRetries non-blocking waits before a
// SIGKILL and a blocking wait.
func (k *Kernel) reap(worker *forkserver.WorkerProcess) (unix.WaitStatus, error) {
	var status unix.WaitStatus
	for attempt := 0; attempt < k.reapRetries; attempt++ {
		pid, err := unix.Wait4(worker.Pid, &status, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return status, fmt.Errorf("waiting for worker %d: %w", worker.Pid, err)
		}
		if pid == worker.Pid {
			worker.MarkReaped()
			return status, nil
		}
		k.clock.Sleep(k.reapInterval)
	}

	k.logger.Warn("worker closed its pipes but did not exit; killing", "pid", worker.Pid)
	if err := worker.Kill(); err != nil {
		return status, err
	}
	for {
		_, err := unix.Wait4(worker.Pid, &status, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return status, fmt.Errorf("waiting for killed worker %d: %w", worker.Pid, err)
		}
		worker.MarkReaped()
		return status, nil
	}
}

// emitLog writes the worker's stderr to the kernel log whenever it is
// non-empty: at WARN when the invocation failed, INFO otherwise.
func (k *Kernel) emitLog(logger *slog.Logger, stderr *ChildReader, err error) {
	if stderr.Overflowed() {
		k.metrics.observeOverflow("stderr")
	}
	if len(stderr.Bytes()) == 0 {
		return
	}
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "worker log",
		"log", stderr.ToText(),
		"log_truncated", stderr.Overflowed(),
	)
}
