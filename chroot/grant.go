// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chroot

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// openFlags never follow a final symlink and never block on a FIFO a
// worker may have put in place of the file.
const openFlags = unix.O_RDONLY | unix.O_NOFOLLOW | unix.O_NONBLOCK | unix.O_CLOEXEC

// WritableFileGrant is a temporary permission change on one file. It
// records the file's mode and owner, makes it world-writable, and puts
// both back on Release.
//
// Every check and change goes through a descriptor opened with
// O_NOFOLLOW, so a worker that swaps the file for a symlink can never
// redirect the harness to another file.
type WritableFileGrant struct {
	Path string

	mode     uint32
	uid      int
	gid      int
	released bool
}

func grantWritable(path string) (*WritableFileGrant, error) {
	fd, err := unix.Open(path, openFlags, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s for writable grant: %w", path, err)
	}
	defer unix.Close(fd)

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil, fmt.Errorf("writable grant on %s: not a regular file", path)
	}
	if err := unix.Fchmod(fd, 0666); err != nil {
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}

	return &WritableFileGrant{
		Path: path,
		mode: stat.Mode &^ unix.S_IFMT,
		uid:  int(stat.Uid),
		gid:  int(stat.Gid),
	}, nil
}

// Release restores the original mode and owner. If the path is now a
// symlink or anything other than a regular file it returns
// *SecurityViolationError and leaves it untouched. If the path is gone
// it returns *MisbehaviorError. Calling Release again does nothing.
func (g *WritableFileGrant) Release() error {
	if g.released {
		return nil
	}
	g.released = true

	fd, err := unix.Open(g.Path, openFlags, 0)
	switch {
	case errors.Is(err, unix.ELOOP):
		return &SecurityViolationError{Path: g.Path, Reason: "was replaced by a symlink"}
	case errors.Is(err, unix.ENOENT):
		return &MisbehaviorError{Path: g.Path, Reason: "was deleted"}
	case err != nil:
		return fmt.Errorf("reopening %s to restore permissions: %w", g.Path, err)
	}
	defer unix.Close(fd)

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return fmt.Errorf("stat %s: %w", g.Path, err)
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFREG {
		return &SecurityViolationError{Path: g.Path, Reason: "was replaced by a non-regular file"}
	}

	if err := unix.Fchmod(fd, g.mode); err != nil {
		return fmt.Errorf("restoring mode of %s: %w", g.Path, err)
	}
	if int(stat.Uid) != g.uid || int(stat.Gid) != g.gid {
		if err := unix.Fchown(fd, g.uid, g.gid); err != nil {
			return fmt.Errorf("restoring owner of %s: %w", g.Path, err)
		}
	}
	return nil
}
