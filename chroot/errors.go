// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chroot

import (
	"errors"
	"fmt"
)

// SecurityViolationError reports that a worker replaced a file it was
// granted write access to with a symlink or a non-regular file. The
// file's content has not been read and must not be.
type SecurityViolationError struct {
	Path   string
	Reason string
}

func (e *SecurityViolationError) Error() string {
	return fmt.Sprintf("security violation: %s %s", e.Path, e.Reason)
}

// MisbehaviorError reports that a worker did something it had no
// reason to do but that is not a security concern, such as deleting
// its output file.
type MisbehaviorError struct {
	Path   string
	Reason string
}

func (e *MisbehaviorError) Error() string {
	return fmt.Sprintf("worker misbehaved: %s %s", e.Path, e.Reason)
}

// ErrNotLeaseTemp is returned by TempFile for a directory that is not
// inside one of the lease's temp directories.
var ErrNotLeaseTemp = errors.New("chroot: directory is not a temp directory of this lease")

// ErrLeaseClosed is returned by operations on a closed lease.
var ErrLeaseClosed = errors.New("chroot: lease is closed")
