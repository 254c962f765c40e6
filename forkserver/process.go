// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package forkserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/stepkernel/lib/codec"
	"github.com/bureau-foundation/stepkernel/lib/process"
	"github.com/bureau-foundation/stepkernel/protocol"
)

// startedWorker is a running worker binary that has not yet received
// its handshake.
type startedWorker struct {
	process *os.Process
	stdout  int
	stderr  int

	// handshake is the write end of the worker's descriptor 3.
	handshake *os.File
}

// startWorker starts the worker binary with fresh pipes. The worker
// blocks reading descriptor 3 until sendHandshake.
func startWorker(config *Config, processName string) (*startedWorker, error) {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	stdoutRead, stdoutWrite, err := pipe("worker-stdout")
	if err != nil {
		return nil, err
	}
	stderrRead, stderrWrite, err := pipe("worker-stderr")
	if err != nil {
		unix.Close(stdoutRead)
		stdoutWrite.Close()
		return nil, err
	}
	handshakeRead, handshakeWrite, err := os.Pipe()
	if err != nil {
		unix.Close(stdoutRead)
		unix.Close(stderrRead)
		stdoutWrite.Close()
		stderrWrite.Close()
		return nil, fmt.Errorf("creating handshake pipe: %w", err)
	}

	argv := []string{processName}
	if len(config.Preload) > 0 {
		argv = append(argv, "--preload="+strings.Join(config.Preload, ","))
	}

	process, err := os.StartProcess(config.WorkerPath, argv, &os.ProcAttr{
		Env:   config.Env,
		Files: []*os.File{devNull, stdoutWrite, stderrWrite, handshakeRead},
		Sys:   sysProcAttr(config.Isolate),
	})

	// The child holds its own copies now; the parent must not keep the
	// write ends open or it would never see EOF.
	stdoutWrite.Close()
	stderrWrite.Close()
	handshakeRead.Close()

	if err != nil {
		unix.Close(stdoutRead)
		unix.Close(stderrRead)
		handshakeWrite.Close()
		return nil, fmt.Errorf("starting worker %s: %w", config.WorkerPath, err)
	}

	return &startedWorker{
		process:   process,
		stdout:    stdoutRead,
		stderr:    stderrRead,
		handshake: handshakeWrite,
	}, nil
}

// pipe returns a non-blocking raw read end and a blocking write end
// suitable for a child's stdio.
func pipe(name string) (int, *os.File, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return -1, nil, fmt.Errorf("creating %s pipe: %w", name, err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return -1, nil, fmt.Errorf("setting %s non-blocking: %w", name, err)
	}
	return fds[0], os.NewFile(uintptr(fds[1]), name), nil
}

func sysProcAttr(isolate bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		// Its own process group, so one kill(-pid) reaches anything
		// the worker forks.
		Setpgid: true,
		// Dies with the harness.
		Pdeathsig: syscall.SIGKILL,
	}
	if isolate {
		// The worker is init of its own PID namespace: when it dies the
		// kernel kills everything it left behind, setsid or not.
		attr.Cloneflags = syscall.CLONE_NEWNS | syscall.CLONE_NEWPID
	}
	return attr
}

// sendHandshake writes the handshake frame and closes descriptor 3's
// write end. A worker that died while idle yields EPIPE here.
func (w *startedWorker) sendHandshake(ctx context.Context, handshake protocol.Handshake) error {
	defer func() {
		w.handshake.Close()
		w.handshake = nil
	}()
	if deadline, ok := ctx.Deadline(); ok {
		if err := w.handshake.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("setting handshake deadline: %w", err)
		}
	}
	return codec.WriteFrame(w.handshake, handshake)
}

// discard kills and reaps a worker that will never run an invocation.
func (w *startedWorker) discard() {
	if w.handshake != nil {
		w.handshake.Close()
		w.handshake = nil
	}
	unix.Kill(-w.process.Pid, unix.SIGKILL)
	w.process.Wait()
	unix.Close(w.stdout)
	unix.Close(w.stderr)
}

// WorkerProcess is a worker running one invocation. Stdout and Stderr
// are non-blocking read descriptors owned by the WorkerProcess until
// Release.
type WorkerProcess struct {
	Pid    int
	Stdout int
	Stderr int

	// UID is the sandbox UID (and GID) the worker runs as.
	UID int

	process  *os.Process
	uids     *UIDAllocator
	reaped   bool
	released bool
}

func newWorkerProcess(started *startedWorker, uid int, uids *UIDAllocator) *WorkerProcess {
	return &WorkerProcess{
		Pid:     started.process.Pid,
		Stdout:  started.stdout,
		Stderr:  started.stderr,
		UID:     uid,
		process: started.process,
		uids:    uids,
	}
}

// Kill stops the worker, kills every process descended from it and
// then kills the worker and its process group. Workers make themselves
// subreapers, so a process that detached with setsid is still in the
// tree. Processes that are already gone are not an error.
func (w *WorkerProcess) Kill() error {
	if err := unix.Kill(w.Pid, unix.SIGSTOP); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("stopping worker %d: %w", w.Pid, err)
	}
	_, treeErr := process.KillDescendants(w.Pid)
	if err := unix.Kill(w.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("killing worker %d: %w", w.Pid, err)
	}
	if err := w.killGroup(); err != nil {
		return err
	}
	if treeErr != nil {
		return fmt.Errorf("killing descendants of worker %d: %w", w.Pid, treeErr)
	}
	return nil
}

func (w *WorkerProcess) killGroup() error {
	if err := unix.Kill(-w.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("killing worker group %d: %w", w.Pid, err)
	}
	return nil
}

// MarkReaped records that the caller collected the worker's exit
// status with wait4.
func (w *WorkerProcess) MarkReaped() {
	w.reaped = true
}

// Release closes the pipes and returns the UID. A worker that was not
// reaped is killed and reaped first. The worker's process group is
// killed either way, so nothing that stayed in it keeps the UID after
// it returns to the allocator. Calling Release again does nothing.
func (w *WorkerProcess) Release() {
	if w.released {
		return
	}
	w.released = true

	if !w.reaped {
		w.Kill()
		var status unix.WaitStatus
		for {
			_, err := unix.Wait4(w.Pid, &status, 0, nil)
			if !errors.Is(err, unix.EINTR) {
				break
			}
		}
		w.reaped = true
	}
	w.killGroup()
	unix.Close(w.Stdout)
	unix.Close(w.Stderr)
	// The pid was reaped with wait4 directly; drop the os.Process
	// handle without waiting again.
	w.process.Release()
	w.uids.Release(w.UID)
}
