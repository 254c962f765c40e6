// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chroot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// scratchDirectory is where temp resources live, relative to the root.
const scratchDirectory = "var/tmp"

// TempResource is a directory or file created by a lease. HostPath is
// valid in the harness; ChrootPath is the same object as the worker
// sees it after chrooting into the domain root.
type TempResource struct {
	HostPath   string
	ChrootPath string
}

// Context is an open lease on a Chroot. It is not safe for concurrent
// use; one invocation owns it from Acquire to Close.
type Context struct {
	chroot   *Chroot
	tempDirs []string
	closed   bool
}

// Chroot returns the leased domain.
func (x *Context) Chroot() *Chroot {
	return x.chroot
}

// TempDirectory creates a world-readable directory under the domain's
// scratch area. It and everything in it are removed when the lease
// closes.
func (x *Context) TempDirectory(prefix string) (TempResource, error) {
	if x.closed {
		return TempResource{}, ErrLeaseClosed
	}
	scratch := filepath.Join(x.chroot.Root, scratchDirectory)
	if err := os.MkdirAll(scratch, 0755); err != nil {
		return TempResource{}, fmt.Errorf("creating scratch area %s: %w", scratch, err)
	}
	directory, err := os.MkdirTemp(scratch, prefix+"-*")
	if err != nil {
		return TempResource{}, fmt.Errorf("creating temp directory: %w", err)
	}
	// MkdirTemp creates 0700; the worker runs as another user.
	if err := os.Chmod(directory, 0755); err != nil {
		os.Remove(directory)
		return TempResource{}, fmt.Errorf("chmod temp directory %s: %w", directory, err)
	}
	x.tempDirs = append(x.tempDirs, directory)
	return x.resource(directory), nil
}

// TempFile creates an empty world-readable file inside dir, which must
// be (or be inside) a directory returned by TempDirectory on this
// lease.
func (x *Context) TempFile(dir string, prefix string) (TempResource, error) {
	if x.closed {
		return TempResource{}, ErrLeaseClosed
	}
	if !x.ownsPath(dir) {
		return TempResource{}, fmt.Errorf("%w: %s", ErrNotLeaseTemp, dir)
	}
	file, err := os.CreateTemp(dir, prefix+"-*")
	if err != nil {
		return TempResource{}, fmt.Errorf("creating temp file: %w", err)
	}
	path := file.Name()
	if err := file.Chmod(0644); err != nil {
		file.Close()
		os.Remove(path)
		return TempResource{}, fmt.Errorf("chmod temp file %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return TempResource{}, fmt.Errorf("closing temp file %s: %w", path, err)
	}
	return x.resource(path), nil
}

// GrantWritable makes the pre-existing regular file at path writable
// by any user until the returned grant is released.
func (x *Context) GrantWritable(path string) (*WritableFileGrant, error) {
	if x.closed {
		return nil, ErrLeaseClosed
	}
	return grantWritable(path)
}

// ChrootPath translates a host path inside the domain root into the
// path the worker sees.
func (x *Context) ChrootPath(hostPath string) (string, error) {
	relative, err := filepath.Rel(x.chroot.Root, hostPath)
	if err != nil || relative == ".." || strings.HasPrefix(relative, "../") {
		return "", fmt.Errorf("%s is outside domain root %s", hostPath, x.chroot.Root)
	}
	return "/" + filepath.ToSlash(relative), nil
}

// Close removes the lease's temp resources, clears all edits and
// releases the domain. Calling Close again does nothing.
func (x *Context) Close() error {
	if x.closed {
		return nil
	}
	x.closed = true
	defer x.chroot.inUse.Store(false)

	var errs []error
	for _, directory := range x.tempDirs {
		if err := os.RemoveAll(directory); err != nil {
			errs = append(errs, fmt.Errorf("removing temp directory %s: %w", directory, err))
		}
	}
	x.tempDirs = nil

	if err := x.chroot.ClearAllEdits(); err != nil {
		errs = append(errs, fmt.Errorf("clearing domain %s after lease: %w", x.chroot.Name, err))
	}
	return errors.Join(errs...)
}

func (x *Context) ownsPath(path string) bool {
	cleaned := filepath.Clean(path)
	for _, directory := range x.tempDirs {
		if cleaned == directory || strings.HasPrefix(cleaned, directory+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (x *Context) resource(hostPath string) TempResource {
	// Every resource is created under the root, so Rel cannot fail.
	chrootPath, _ := x.ChrootPath(hostPath)
	return TempResource{HostPath: hostPath, ChrootPath: chrootPath}
}
