// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/stepkernel/forkserver"
	"github.com/bureau-foundation/stepkernel/lib/process"
	"github.com/bureau-foundation/stepkernel/protocol"
)

func readPid(t *testing.T, pidFile string) int {
	t.Helper()
	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("reading pid file: %v", err)
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		t.Fatalf("pid file holds %q: %v", data, err)
	}
	return pid
}

// waitExited fails unless pid leaves the process table (or becomes a
// zombie nobody reaps) within 5s.
func waitExited(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !process.Exited(pid) {
		if time.Now().After(deadline) {
			unix.Kill(pid, unix.SIGKILL)
			t.Fatalf("pid %d outlived the invocation", pid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRenderKillsLeftoverChildren(t *testing.T) {
	for _, detach := range []bool{false, true} {
		t.Run("setsid="+strconv.FormatBool(detach), func(t *testing.T) {
			harness := newHarness(t, nil)
			pidFile := filepath.Join(t.TempDir(), "pid")
			result, _, err := harness.render(t, "forker", map[string]any{
				"pid_file": pidFile,
				"detach":   detach,
			})
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if result.Table == nil {
				t.Error("result has no table")
			}
			waitExited(t, readPid(t, pidFile))
		})
	}
}

func TestRenderTimeoutKillsDetachedStdoutHolder(t *testing.T) {
	harness := newHarness(t, nil)
	lease := harness.lease(t)
	output := outputFile(t, lease)
	pidFile := filepath.Join(t.TempDir(), "pid")

	start := time.Now()
	_, err := harness.kernel.Render(context.Background(), lease, RenderRequest{
		Unit:    harness.compile(t, "hold"),
		Params:  map[string]any{"pid_file": pidFile},
		Output:  output,
		Timeout: time.Second,
	})
	elapsed := time.Since(start)

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("error = %v (%T), want *TimeoutError", err, err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("timed out after %s, want shortly after 1s", elapsed)
	}
	waitExited(t, readPid(t, pidFile))
}

func TestDrainAbandonsPipesAfterKillGrace(t *testing.T) {
	harness := newHarness(t, func(config *Config) { config.KillGrace = 100 * time.Millisecond })

	// The write end stays open in this process, so the kill cannot
	// close it.
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	defer unix.Close(pipe[0])
	defer unix.Close(pipe[1])

	executable, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	sleeper := exec.Command(executable)
	sleeper.Env = []string{testSleeperEnv + "=1"}
	sleeper.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := sleeper.Start(); err != nil {
		t.Fatalf("starting sleeper: %v", err)
	}
	defer sleeper.Wait()

	start := time.Now()
	timedOut, err := harness.kernel.drain(&forkserver.WorkerProcess{Pid: sleeper.Process.Pid}, start, NewChildReader(pipe[0], 1024))
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !timedOut {
		t.Error("drain did not report a timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("drain returned after %s, want about 100ms", elapsed)
	}
	if !strings.Contains(harness.logs.String(), "abandoning") {
		t.Errorf("abandoned pipes not logged:\n%s", harness.logs.String())
	}
	waitExited(t, sleeper.Process.Pid)
}

func TestRenderExecUnit(t *testing.T) {
	harness := newHarness(t, nil)
	unit, err := harness.kernel.Compile("echo", protocol.KindExec, echoELF(t, fixedFrame()))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	lease := harness.lease(t)
	result, err := harness.kernel.Render(context.Background(), lease, RenderRequest{
		Unit:    unit,
		Output:  outputFile(t, lease),
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if result.Table == nil || len(result.Table.Rows) != len(fixedTable.Rows) || result.Table.Rows[0][0] != "Lagos" {
		t.Errorf("table = %+v, want the fixed table", result.Table)
	}
}
