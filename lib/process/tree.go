// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const procRoot = "/proc"

// Status is the part of /proc/<pid>/stat the harness reads.
type Status struct {
	Pid   int
	State byte
	PPid  int
}

// ReadStatus reads /proc/<pid>/stat.
func ReadStatus(pid int) (Status, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return Status{}, err
	}
	return parseStat(pid, string(data))
}

// parseStat skips the command name by searching for the last ')': the
// name is chosen by the process and may hold spaces and parentheses.
func parseStat(pid int, stat string) (Status, error) {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return Status{}, fmt.Errorf("malformed stat for pid %d: no command name", pid)
	}
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 2 || len(fields[0]) != 1 {
		return Status{}, fmt.Errorf("malformed stat for pid %d: %q", pid, stat[end+1:])
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Status{}, fmt.Errorf("malformed stat for pid %d: parent %q: %w", pid, fields[1], err)
	}
	return Status{Pid: pid, State: fields[0][0], PPid: ppid}, nil
}

// Exited reports whether pid has left the process table or is a
// zombie waiting for its parent.
func Exited(pid int) bool {
	status, err := ReadStatus(pid)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ESRCH)
	}
	return status.State == 'Z' || status.State == 'X'
}

// Descendants returns every process whose parent chain reaches root,
// root excluded, parents before children.
func Descendants(root int) ([]int, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, fmt.Errorf("reading process table: %w", err)
	}
	children := make(map[int][]int)
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		status, err := ReadStatus(pid)
		if err != nil {
			// Exited during the scan.
			continue
		}
		children[status.PPid] = append(children[status.PPid], pid)
	}

	var descendants []int
	queue := children[root]
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		descendants = append(descendants, pid)
		queue = append(queue, children[pid]...)
	}
	return descendants, nil
}

// maxFreezeRounds bounds the stop-and-rescan loop of KillDescendants.
const maxFreezeRounds = 64

// KillDescendants sends SIGKILL to every descendant of root. It first
// stops them with SIGSTOP, rescanning until a pass finds nobody new, so
// a process cannot fork a child the kill would miss. root itself is
// not signalled; the caller stops it first when it may still fork. It
// returns the pids it signalled.
func KillDescendants(root int) ([]int, error) {
	seen := make(map[int]bool)
	var stopped []int
	var scanErr error
	for round := 0; round < maxFreezeRounds; round++ {
		pids, err := Descendants(root)
		if err != nil {
			scanErr = err
			break
		}
		fresh := 0
		for _, pid := range pids {
			if seen[pid] {
				continue
			}
			seen[pid] = true
			fresh++
			if err := unix.Kill(pid, unix.SIGSTOP); err == nil || !errors.Is(err, unix.ESRCH) {
				stopped = append(stopped, pid)
			}
		}
		if fresh == 0 {
			break
		}
	}

	var errs []error
	if scanErr != nil {
		errs = append(errs, scanErr)
	}
	for _, pid := range stopped {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("killing pid %d: %w", pid, err))
		}
	}
	return stopped, errors.Join(errs...)
}
