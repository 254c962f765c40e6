// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package forkserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/stepkernel/protocol"
)

// Spawner starts one isolated worker per invocation.
type Spawner interface {
	// Spawn starts a worker that will run request.Invocation and
	// returns once the worker has its handshake. The caller must drain
	// the worker's pipes, reap it, and then call Release.
	Spawn(ctx context.Context, request SpawnRequest) (*WorkerProcess, error)

	// Close stops the spawner. Workers already handed out are not
	// affected.
	Close() error
}

// SpawnRequest is one call to Spawn.
type SpawnRequest struct {
	// ProcessName is the worker's argv[0] and comm name. Empty means
	// Config.ProcessName.
	ProcessName string

	// ChrootDir is the domain root the worker chroots into. Ignored
	// when isolation is off.
	ChrootDir string

	// ProvidePaths are bind-mounted read-only inside ChrootDir.
	ProvidePaths []protocol.PathMapping

	Invocation protocol.Invocation
}

// Config configures a spawner.
type Config struct {
	// WorkerPath is the absolute path of the worker binary.
	WorkerPath string

	// ProcessName is the default argv[0].
	ProcessName string

	// Env is the complete worker environment. Nil means a minimal
	// PATH and locale; the harness environment is never inherited.
	Env []string

	// UIDFirst and UIDCount bound the sandbox UID range.
	UIDFirst int
	UIDCount int

	// Isolate enables the mount namespace, chroot and privilege drop.
	Isolate bool

	// Seccomp enables the worker's syscall deny list.
	Seccomp bool

	// Preload names builtin modules a worker loads before reading its
	// handshake. Only useful with the pool strategy.
	Preload []string

	// PoolSize is the number of idle workers the pool keeps.
	PoolSize int

	// Logger receives spawn and pool lifecycle events. Nil means
	// slog.Default().
	Logger *slog.Logger
}

var defaultEnv = []string{
	"PATH=/usr/local/bin:/usr/bin:/bin",
	"LANG=C.UTF-8",
	"HOME=/",
}

func (c *Config) validate() error {
	if !filepath.IsAbs(c.WorkerPath) {
		return fmt.Errorf("forkserver: worker path %q must be absolute", c.WorkerPath)
	}
	if _, err := os.Stat(c.WorkerPath); err != nil {
		return fmt.Errorf("forkserver: worker binary: %w", err)
	}
	if c.ProcessName == "" {
		c.ProcessName = filepath.Base(c.WorkerPath)
	}
	if c.Env == nil {
		c.Env = defaultEnv
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

func (c *Config) handshake(request SpawnRequest, uid int) protocol.Handshake {
	processName := request.ProcessName
	if processName == "" {
		processName = c.ProcessName
	}
	return protocol.Handshake{
		ProcessName:  processName,
		Isolate:      c.Isolate,
		ChrootDir:    request.ChrootDir,
		ProvidePaths: request.ProvidePaths,
		UID:          uid,
		GID:          uid,
		Seccomp:      c.Seccomp,
		Invocation:   request.Invocation,
	}
}

// New returns the spawner for a strategy name: "on-demand" or "pool".
func New(strategy string, config Config) (Spawner, error) {
	switch strategy {
	case "on-demand":
		return NewOnDemand(config)
	case "pool":
		return NewPool(config)
	default:
		return nil, fmt.Errorf("forkserver: unknown strategy %q", strategy)
	}
}

// ErrClosed is returned by Spawn after Close.
var ErrClosed = errors.New("forkserver: spawner is closed")
