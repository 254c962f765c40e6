// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/stepkernel/lib/process"
)

// becomeSubreaper makes orphaned descendants reparent to this process
// instead of to init. The attribute survives exec, so an exec unit
// keeps it too.
func becomeSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("becoming child subreaper: %w", err)
	}
	return nil
}

// killDescendants kills everything the invocation started and reaps
// it, including orphans that reparented here.
func killDescendants() error {
	self := os.Getpid()
	if self == 1 {
		return nil
	}
	_, killErr := process.KillDescendants(self)
	for {
		var status unix.WaitStatus
		_, err := unix.Wait4(-1, &status, 0, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			return killErr
		case err != nil:
			return errors.Join(killErr, fmt.Errorf("reaping descendants: %w", err))
		}
	}
}
