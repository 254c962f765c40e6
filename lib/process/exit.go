// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// ExitCode classifies a wait status. A normal exit yields its code
// (0-255); death by signal yields the negated signal number, so
// SIGKILL is -9. Any other status (stopped, continued) yields -1 and
// should not be passed here in the first place.
func ExitCode(status unix.WaitStatus) int {
	switch {
	case status.Exited():
		return status.ExitStatus()
	case status.Signaled():
		return -int(status.Signal())
	default:
		return -1
	}
}

// SignalName returns the conventional name ("SIGKILL") for a negative
// exit code produced by ExitCode, or "" for a normal exit code.
func SignalName(exitCode int) string {
	if exitCode >= 0 {
		return ""
	}
	name := unix.SignalName(unix.Signal(-exitCode))
	if name == "" {
		return fmt.Sprintf("signal %d", -exitCode)
	}
	return name
}
