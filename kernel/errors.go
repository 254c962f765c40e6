// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/stepkernel/chroot"
	"github.com/bureau-foundation/stepkernel/lib/process"
)

// CompileError reports unit code the kernel refuses to ship to a
// worker. It is the caller's fault, not the worker's.
type CompileError struct {
	Name   string
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling %s: %s", e.Name, e.Reason)
}

// TimeoutError reports a worker killed at its deadline. Its exit
// status is not inspected.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
	Log       string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Timeout)
}

// ExitedAbnormallyError reports a worker that exited non-zero, died by
// a signal, or exited 0 without a valid result. ExitCode is negative
// for a signal (-9 for SIGKILL). Log is the captured stderr.
type ExitedAbnormallyError struct {
	ExitCode int
	Log      string

	// Err is set when the worker exited 0 but its result was unusable.
	Err error
}

func (e *ExitedAbnormallyError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("worker exited %d with an invalid result: %v", e.ExitCode, e.Err)
	case e.ExitCode < 0:
		return fmt.Sprintf("worker killed by %s", process.SignalName(e.ExitCode))
	default:
		return fmt.Sprintf("worker exited with code %d", e.ExitCode)
	}
}

func (e *ExitedAbnormallyError) Unwrap() error { return e.Err }

// ErrResultOverflow is the Err of an ExitedAbnormallyError whose result
// exceeded the result cap.
var ErrResultOverflow = errors.New("result exceeded size limit")

// SecurityViolationError and MisbehaviorError come from releasing a
// writable grant; see package chroot.
type (
	SecurityViolationError = chroot.SecurityViolationError
	MisbehaviorError       = chroot.MisbehaviorError
)

// Describe maps an error from this package to the short, stable string
// shown to end users: "timed out", "SIGKILL", "exit code 1: <last log
// line>". Anything not in the taxonomy is "internal error"; details
// belong in operator logs.
func Describe(err error) string {
	var (
		timeout     *TimeoutError
		abnormal    *ExitedAbnormallyError
		compile     *CompileError
		violation   *SecurityViolationError
		misbehavior *MisbehaviorError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &timeout):
		return "timed out"
	case errors.As(err, &abnormal):
		if abnormal.ExitCode < 0 {
			return process.SignalName(abnormal.ExitCode)
		}
		detail := lastLine(abnormal.Log)
		if abnormal.Err != nil {
			detail = "invalid result"
		}
		if detail == "" {
			return fmt.Sprintf("exit code %d", abnormal.ExitCode)
		}
		return fmt.Sprintf("exit code %d: %s", abnormal.ExitCode, detail)
	case errors.As(err, &compile):
		return "compile error: " + compile.Reason
	case errors.As(err, &violation):
		return "security violation"
	case errors.As(err, &misbehavior):
		return "misbehaved: " + misbehavior.Reason
	default:
		return "internal error"
	}
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
