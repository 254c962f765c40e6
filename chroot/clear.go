// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chroot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ClearAllEdits removes everything the upper layer holds that base
// does not, leaving root identical to base. Calling it on a pristine
// domain does nothing.
func (c *Chroot) ClearAllEdits() error {
	return c.clearEdits(nil)
}

// ClearUnownedEdits removes only entries owned by a sandbox UID. Writes
// the harness itself made to the domain survive.
func (c *Chroot) ClearUnownedEdits() error {
	return c.clearEdits(func(stat *unix.Stat_t) bool {
		return c.sandboxUIDs.Contains(int(stat.Uid))
	})
}

// editFilter reports whether an upper-layer entry should be deleted.
// A nil filter deletes everything.
type editFilter func(stat *unix.Stat_t) bool

func (c *Chroot) clearEdits(filter editFilter) error {
	var upperStat unix.Stat_t
	if err := unix.Lstat(c.Upper, &upperStat); err != nil {
		return fmt.Errorf("stat upper layer %s: %w", c.Upper, err)
	}

	sweep := &editSweep{
		chroot: c,
		filter: filter,
		device: uint64(upperStat.Dev),
	}
	sweep.directory("")

	if sweep.removed > 0 {
		c.logger.Debug("cleared domain edits", "removed", sweep.removed, "unowned_only", filter != nil)
	}
	return errors.Join(sweep.errs...)
}

// editSweep is one walk of the upper layer.
type editSweep struct {
	chroot  *Chroot
	filter  editFilter
	device  uint64
	removed int
	errs    []error
}

func (s *editSweep) directory(relative string) {
	entries, err := os.ReadDir(filepath.Join(s.chroot.Upper, relative))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.errs = append(s.errs, fmt.Errorf("reading upper directory %q: %w", relative, err))
		}
		return
	}
	for _, entry := range entries {
		s.entry(filepath.Join(relative, entry.Name()))
	}
}

func (s *editSweep) entry(relative string) {
	var stat unix.Stat_t
	if err := unix.Lstat(filepath.Join(s.chroot.Upper, relative), &stat); err != nil {
		if !errors.Is(err, unix.ENOENT) {
			s.errs = append(s.errs, fmt.Errorf("stat upper entry %q: %w", relative, err))
		}
		return
	}
	rootPath := filepath.Join(s.chroot.Root, relative)

	if stat.Mode&unix.S_IFMT == unix.S_IFDIR {
		// Never descend into something mounted inside the upper layer.
		if uint64(stat.Dev) != s.device {
			return
		}
		s.directory(relative)
		if s.existsInBase(relative) || !s.passes(&stat) {
			return
		}
		s.record(rootPath, unix.Rmdir(rootPath))
		return
	}

	if !s.passes(&stat) {
		return
	}
	s.record(rootPath, unix.Unlink(rootPath))
}

func (s *editSweep) passes(stat *unix.Stat_t) bool {
	return s.filter == nil || s.filter(stat)
}

func (s *editSweep) existsInBase(relative string) bool {
	var stat unix.Stat_t
	return unix.Lstat(filepath.Join(s.chroot.Base, relative), &stat) == nil
}

func (s *editSweep) record(path string, err error) {
	switch {
	case err == nil:
		s.removed++
	case errors.Is(err, unix.ENOENT):
		// Already gone from the merged view.
	case errors.Is(err, unix.ENOTEMPTY):
		// The filter kept some children.
	default:
		s.errs = append(s.errs, fmt.Errorf("removing %s: %w", path, err))
	}
}
