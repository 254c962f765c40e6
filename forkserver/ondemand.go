// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package forkserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// OnDemand starts a fresh worker for every Spawn.
type OnDemand struct {
	config Config
	uids   *UIDAllocator
	logger *slog.Logger
	closed atomic.Bool
}

// NewOnDemand validates config and returns the spawner.
func NewOnDemand(config Config) (*OnDemand, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	uids, err := NewUIDAllocator(config.UIDFirst, config.UIDCount)
	if err != nil {
		return nil, err
	}
	return &OnDemand{config: config, uids: uids, logger: config.Logger}, nil
}

// Spawn starts a worker and sends it the handshake.
func (s *OnDemand) Spawn(ctx context.Context, request SpawnRequest) (*WorkerProcess, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uid, err := s.uids.Acquire()
	if err != nil {
		return nil, err
	}
	handshake := s.config.handshake(request, uid)

	started, err := startWorker(&s.config, handshake.ProcessName)
	if err != nil {
		s.uids.Release(uid)
		return nil, err
	}
	worker := newWorkerProcess(started, uid, s.uids)

	if err := started.sendHandshake(ctx, handshake); err != nil {
		worker.Release()
		return nil, fmt.Errorf("sending handshake to worker %d: %w", worker.Pid, err)
	}

	s.logger.Debug("spawned worker",
		"pid", worker.Pid,
		"uid", uid,
		"operation", request.Invocation.Operation,
		"unit", request.Invocation.Unit.Identifier,
	)
	return worker, nil
}

// UIDs exposes the allocator for inspection.
func (s *OnDemand) UIDs() *UIDAllocator {
	return s.uids
}

// Close makes later Spawn calls fail.
func (s *OnDemand) Close() error {
	s.closed.Store(true)
	return nil
}
