// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chroot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
)

// UIDRange is a half-open range of user IDs [First, First+Count).
type UIDRange struct {
	First int
	Count int
}

// Contains reports whether uid falls inside the range.
func (r UIDRange) Contains(uid int) bool {
	return uid >= r.First && uid < r.First+r.Count
}

// Config describes one isolation domain.
type Config struct {
	// Name identifies the domain in logs and panics.
	Name string

	// Root is the merged view the worker chroots into.
	Root string

	// Base is the read-only lower layer.
	Base string

	// Upper is the writable layer. Root and Upper may be the same
	// directory when no overlay is mounted; clearing then deletes
	// directly.
	Upper string

	// SandboxUIDs is the range of user IDs handed to workers. Files
	// owned by these IDs are what ClearUnownedEdits removes.
	SandboxUIDs UIDRange

	// Logger receives debug output about cleared entries. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Chroot is one isolation domain. Create one per domain at startup
// and keep it for the life of the process.
type Chroot struct {
	Name  string
	Root  string
	Base  string
	Upper string

	sandboxUIDs UIDRange
	logger      *slog.Logger
	inUse       atomic.Bool
}

// New validates config and returns the domain. All three directories
// must already exist.
func New(config Config) (*Chroot, error) {
	if config.Name == "" {
		return nil, errors.New("chroot: domain name is required")
	}
	for _, entry := range []struct{ field, path string }{
		{"root", config.Root},
		{"base", config.Base},
		{"upper", config.Upper},
	} {
		if !filepath.IsAbs(entry.path) {
			return nil, fmt.Errorf("chroot %s: %s path %q must be absolute", config.Name, entry.field, entry.path)
		}
		info, err := os.Stat(entry.path)
		if err != nil {
			return nil, fmt.Errorf("chroot %s: %s: %w", config.Name, entry.field, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("chroot %s: %s %s is not a directory", config.Name, entry.field, entry.path)
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Chroot{
		Name:        config.Name,
		Root:        filepath.Clean(config.Root),
		Base:        filepath.Clean(config.Base),
		Upper:       filepath.Clean(config.Upper),
		sandboxUIDs: config.SandboxUIDs,
		logger:      logger.With("domain", config.Name),
	}, nil
}

// Acquire opens the domain's single lease and clears any edits left
// by an earlier lease. It panics if a lease is already open: two
// leases on one domain would let one invocation see another's files.
func (c *Chroot) Acquire() (*Context, error) {
	if !c.inUse.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("chroot: domain %q acquired while already leased", c.Name))
	}
	if err := c.ClearAllEdits(); err != nil {
		c.inUse.Store(false)
		return nil, fmt.Errorf("clearing domain %s before lease: %w", c.Name, err)
	}
	return &Context{chroot: c}, nil
}

// InUse reports whether a lease is open.
func (c *Chroot) InUse() bool {
	return c.inUse.Load()
}
