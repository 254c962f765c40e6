// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package forkserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/stepkernel/lib/codec"
	"github.com/bureau-foundation/stepkernel/lib/process"
	"github.com/bureau-foundation/stepkernel/protocol"
)

// testWorkerEnv switches the test binary into worker mode. Its value
// selects the behavior after the handshake: "report" writes a
// testReport frame, "hang" blocks forever, "detach" starts a sleeper
// in its own session, prints the sleeper's pid and blocks. "sleep"
// skips the handshake and only sleeps.
const testWorkerEnv = "FORKSERVER_TEST_WORKER"

type testReport struct {
	Operation   string   `cbor:"operation"`
	UID         int      `cbor:"uid"`
	ProcessName string   `cbor:"process_name"`
	Args        []string `cbor:"args"`
	Pid         int      `cbor:"pid"`
	Pgid        int      `cbor:"pgid"`
}

func TestMain(m *testing.M) {
	if mode := os.Getenv(testWorkerEnv); mode != "" {
		os.Exit(runTestWorker(mode))
	}
	os.Exit(m.Run())
}

func runTestWorker(mode string) int {
	if mode == "sleep" {
		time.Sleep(time.Hour)
		return 1
	}
	var handshake protocol.Handshake
	if err := codec.ReadFrame(os.NewFile(protocol.HandshakeFD, "handshake"), &handshake); err != nil {
		fmt.Fprintf(os.Stderr, "reading handshake: %v\n", err)
		return 1
	}
	switch mode {
	case "hang":
		time.Sleep(time.Hour)
		return 1
	case "detach":
		executable, err := os.Executable()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		sleeper := exec.Command(executable)
		sleeper.Env = []string{testWorkerEnv + "=sleep"}
		sleeper.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := sleeper.Start(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(sleeper.Process.Pid)
		time.Sleep(time.Hour)
		return 1
	}
	report := testReport{
		Operation:   handshake.Invocation.Operation,
		UID:         handshake.UID,
		ProcessName: handshake.ProcessName,
		Args:        os.Args,
		Pid:         os.Getpid(),
		Pgid:        unix.Getpgrp(),
	}
	if err := codec.WriteFrame(os.Stdout, report); err != nil {
		fmt.Fprintf(os.Stderr, "writing report: %v\n", err)
		return 1
	}
	return 0
}

func testConfig(t *testing.T, mode string) Config {
	t.Helper()
	executable, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return Config{
		WorkerPath:  executable,
		ProcessName: "test-worker",
		Env:         []string{testWorkerEnv + "=" + mode},
		UIDFirst:    300000,
		UIDCount:    4,
	}
}

func renderRequest() SpawnRequest {
	return SpawnRequest{
		Invocation: protocol.Invocation{
			Operation: protocol.OperationRender,
			Unit:      protocol.Unit{Identifier: "table@000000000000", Kind: protocol.KindBuiltin, Code: []byte("table")},
		},
	}
}

// readAll drains a non-blocking descriptor to EOF.
func readAll(t *testing.T, fd int) []byte {
	t.Helper()
	var output []byte
	buffer := make([]byte, 4096)
	for {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		ready, err := unix.Poll(fds, 5000)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if ready == 0 {
			t.Fatal("timed out waiting for worker output")
		}
		n, err := unix.Read(fd, buffer)
		if errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n == 0 {
			return output
		}
		output = append(output, buffer[:n]...)
	}
}

// finish reads the worker's report, reaps it and releases it.
func finish(t *testing.T, worker *WorkerProcess) testReport {
	t.Helper()
	stdout := readAll(t, worker.Stdout)
	stderr := readAll(t, worker.Stderr)

	var status unix.WaitStatus
	if _, err := unix.Wait4(worker.Pid, &status, 0, nil); err != nil {
		t.Fatalf("wait4: %v", err)
	}
	worker.MarkReaped()
	worker.Release()

	if !status.Exited() || status.ExitStatus() != 0 {
		t.Fatalf("worker exited with status %#x, stderr: %s", uint32(status), stderr)
	}
	var report testReport
	if err := codec.DecodeFrame(stdout, &report); err != nil {
		t.Fatalf("decoding report: %v (stderr: %s)", err, stderr)
	}
	return report
}

func TestOnDemandSpawn(t *testing.T) {
	spawner, err := NewOnDemand(testConfig(t, "report"))
	if err != nil {
		t.Fatalf("NewOnDemand: %v", err)
	}
	defer spawner.Close()

	request := renderRequest()
	request.ProcessName = "render-table"
	worker, err := spawner.Spawn(context.Background(), request)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	uid := worker.UID
	report := finish(t, worker)

	if report.Operation != protocol.OperationRender {
		t.Errorf("operation = %q, want render", report.Operation)
	}
	if report.UID != uid {
		t.Errorf("handshake UID = %d, want %d", report.UID, uid)
	}
	if len(report.Args) == 0 || report.Args[0] != "render-table" {
		t.Errorf("argv = %v, want argv[0] render-table", report.Args)
	}
	if report.Pgid != report.Pid {
		t.Errorf("worker pgid %d != pid %d; not its own process group", report.Pgid, report.Pid)
	}
	if held := spawner.UIDs().Held(); held != 0 {
		t.Errorf("%d UIDs still held after release", held)
	}
}

func TestOnDemandConcurrentWorkersGetDistinctUIDs(t *testing.T) {
	spawner, err := NewOnDemand(testConfig(t, "report"))
	if err != nil {
		t.Fatalf("NewOnDemand: %v", err)
	}
	defer spawner.Close()

	var workers []*WorkerProcess
	for i := 0; i < 4; i++ {
		worker, err := spawner.Spawn(context.Background(), renderRequest())
		if err != nil {
			t.Fatalf("Spawn #%d: %v", i+1, err)
		}
		workers = append(workers, worker)
	}

	if _, err := spawner.Spawn(context.Background(), renderRequest()); !errors.Is(err, ErrUIDsExhausted) {
		t.Fatalf("fifth Spawn = %v, want ErrUIDsExhausted", err)
	}

	uids := map[int]bool{}
	for _, worker := range workers {
		if uids[worker.UID] {
			t.Errorf("UID %d shared by two live workers", worker.UID)
		}
		uids[worker.UID] = true
		finish(t, worker)
	}

	worker, err := spawner.Spawn(context.Background(), renderRequest())
	if err != nil {
		t.Fatalf("Spawn after releases: %v", err)
	}
	finish(t, worker)
}

func TestSpawnCanceledContext(t *testing.T) {
	spawner, err := NewOnDemand(testConfig(t, "report"))
	if err != nil {
		t.Fatalf("NewOnDemand: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := spawner.Spawn(ctx, renderRequest()); !errors.Is(err, context.Canceled) {
		t.Errorf("Spawn with canceled context = %v, want context.Canceled", err)
	}
	spawner.Close()
	if _, err := spawner.Spawn(context.Background(), renderRequest()); !errors.Is(err, ErrClosed) {
		t.Errorf("Spawn after Close = %v, want ErrClosed", err)
	}
}

func TestReleaseKillsUnreapedWorker(t *testing.T) {
	spawner, err := NewOnDemand(testConfig(t, "hang"))
	if err != nil {
		t.Fatalf("NewOnDemand: %v", err)
	}
	defer spawner.Close()

	worker, err := spawner.Spawn(context.Background(), renderRequest())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pid := worker.Pid
	worker.Release()

	if err := unix.Kill(pid, 0); !errors.Is(err, unix.ESRCH) {
		t.Errorf("worker %d still exists after Release (kill(0) = %v)", pid, err)
	}
}

// readLine reads one newline-terminated line from a non-blocking
// descriptor without waiting for EOF.
func readLine(t *testing.T, fd int) string {
	t.Helper()
	var line []byte
	buffer := make([]byte, 1)
	for !strings.HasSuffix(string(line), "\n") {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		ready, err := unix.Poll(fds, 5000)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if ready == 0 {
			t.Fatal("timed out waiting for a line from the worker")
		}
		n, err := unix.Read(fd, buffer)
		if errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n == 0 {
			t.Fatalf("worker closed stdout after %q", line)
		}
		line = append(line, buffer[:n]...)
	}
	return strings.TrimSpace(string(line))
}

func TestKillReachesDetachedDescendants(t *testing.T) {
	spawner, err := NewOnDemand(testConfig(t, "detach"))
	if err != nil {
		t.Fatalf("NewOnDemand: %v", err)
	}
	defer spawner.Close()

	worker, err := spawner.Spawn(context.Background(), renderRequest())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer worker.Release()
	sleeper, err := strconv.Atoi(readLine(t, worker.Stdout))
	if err != nil {
		t.Fatalf("sleeper pid: %v", err)
	}
	status, err := process.ReadStatus(sleeper)
	if err != nil {
		t.Fatalf("ReadStatus(sleeper): %v", err)
	}
	if status.PPid != worker.Pid {
		t.Fatalf("sleeper parent = %d, want worker %d", status.PPid, worker.Pid)
	}

	if err := worker.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !process.Exited(sleeper) {
		if time.Now().After(deadline) {
			unix.Kill(sleeper, unix.SIGKILL)
			t.Fatalf("setsid sleeper %d survived Kill", sleeper)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForIdle(t *testing.T, pool *Pool, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for pool.Idle() != want {
		if time.Now().After(deadline) {
			t.Fatalf("pool idle = %d, want %d", pool.Idle(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPoolSpawnAndRefill(t *testing.T) {
	config := testConfig(t, "report")
	config.PoolSize = 2
	config.Preload = []string{"table", "echo"}
	pool, err := NewPool(config)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	if pool.Idle() != 2 {
		t.Fatalf("pool idle after start = %d, want 2", pool.Idle())
	}

	request := renderRequest()
	request.ProcessName = "render-table"
	worker, err := pool.Spawn(context.Background(), request)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	report := finish(t, worker)

	if !slices.Contains(report.Args, "--preload=table,echo") {
		t.Errorf("pooled worker argv = %v, want --preload=table,echo", report.Args)
	}
	if report.ProcessName != "render-table" {
		t.Errorf("handshake process name = %q, want render-table", report.ProcessName)
	}
	waitForIdle(t, pool, 2)
}

func TestPoolSkipsDeadIdleWorkers(t *testing.T) {
	config := testConfig(t, "report")
	config.PoolSize = 2
	pool, err := NewPool(config)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	pool.mu.Lock()
	idle := slices.Clone(pool.idle)
	pool.mu.Unlock()
	for _, started := range idle {
		pid := started.process.Pid
		if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
			t.Fatalf("kill: %v", err)
		}
		// Wait for death without reaping, so the handshake pipe has no
		// reader when Spawn writes to it.
		var info unix.Siginfo
		if err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil); err != nil {
			t.Fatalf("waitid: %v", err)
		}
	}

	worker, err := pool.Spawn(context.Background(), renderRequest())
	if err != nil {
		t.Fatalf("Spawn with dead idle workers: %v", err)
	}
	report := finish(t, worker)
	if report.Operation != protocol.OperationRender {
		t.Errorf("operation = %q, want render", report.Operation)
	}
}

func TestPoolClose(t *testing.T) {
	config := testConfig(t, "report")
	config.PoolSize = 1
	pool, err := NewPool(config)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	pool.mu.Lock()
	pid := pool.idle[0].process.Pid
	pool.mu.Unlock()

	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := unix.Kill(pid, 0); !errors.Is(err, unix.ESRCH) {
		t.Errorf("idle worker %d survived Close (kill(0) = %v)", pid, err)
	}
	if _, err := pool.Spawn(context.Background(), renderRequest()); !errors.Is(err, ErrClosed) {
		t.Errorf("Spawn after Close = %v, want ErrClosed", err)
	}
	if held := pool.UIDs().Held(); held != 0 {
		t.Errorf("%d UIDs held after failed Spawn", held)
	}
}

func TestNewStrategies(t *testing.T) {
	config := testConfig(t, "report")
	if _, err := New("fork", config); err == nil {
		t.Error("unknown strategy accepted")
	}
	spawner, err := New("on-demand", config)
	if err != nil {
		t.Fatalf("New(on-demand): %v", err)
	}
	spawner.Close()

	config.WorkerPath = "relative/worker"
	if _, err := New("on-demand", config); err == nil {
		t.Error("relative worker path accepted")
	}
}
