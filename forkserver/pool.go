// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package forkserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Pool keeps idle workers started and preloaded, each blocked reading
// its handshake. Spawn takes one; a background goroutine replaces it.
type Pool struct {
	config Config
	uids   *UIDAllocator
	logger *slog.Logger

	mu     sync.Mutex
	idle   []*startedWorker
	closed bool

	refill chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewPool validates config, starts PoolSize workers, and starts the
// refill goroutine. It fails if any initial worker fails to start.
func NewPool(config Config) (*Pool, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.PoolSize < 1 {
		return nil, fmt.Errorf("forkserver: pool size must be at least 1, got %d", config.PoolSize)
	}
	uids, err := NewUIDAllocator(config.UIDFirst, config.UIDCount)
	if err != nil {
		return nil, err
	}

	pool := &Pool{
		config: config,
		uids:   uids,
		logger: config.Logger,
		refill: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for i := 0; i < config.PoolSize; i++ {
		started, err := startWorker(&pool.config, pool.config.ProcessName)
		if err != nil {
			pool.discardIdle()
			return nil, fmt.Errorf("filling worker pool: %w", err)
		}
		pool.idle = append(pool.idle, started)
	}

	pool.wg.Add(1)
	go pool.refillLoop()

	pool.logger.Info("worker pool ready",
		"size", config.PoolSize,
		"preload", config.Preload,
		"worker", config.WorkerPath,
	)
	return pool, nil
}

// Spawn hands an idle worker the handshake. If no worker is idle it
// starts one directly rather than waiting for the refill. An idle
// worker that died while waiting is discarded and the next one tried.
func (p *Pool) Spawn(ctx context.Context, request SpawnRequest) (*WorkerProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uid, err := p.uids.Acquire()
	if err != nil {
		return nil, err
	}
	handshake := p.config.handshake(request, uid)

	for {
		started, pooled, err := p.take()
		if err != nil {
			p.uids.Release(uid)
			return nil, err
		}

		sendErr := started.sendHandshake(ctx, handshake)
		if sendErr == nil {
			worker := newWorkerProcess(started, uid, p.uids)
			p.logger.Debug("spawned worker",
				"pid", worker.Pid,
				"uid", uid,
				"pooled", pooled,
				"operation", request.Invocation.Operation,
				"unit", request.Invocation.Unit.Identifier,
			)
			return worker, nil
		}

		started.discard()
		if !pooled || ctx.Err() != nil {
			p.uids.Release(uid)
			return nil, fmt.Errorf("sending handshake to worker %d: %w", started.process.Pid, sendErr)
		}
		p.logger.Warn("discarding dead pooled worker", "pid", started.process.Pid, "error", sendErr)
	}
}

// take returns an idle worker, or a freshly started one when the pool
// is empty. pooled reports which.
func (p *Pool) take() (started *startedWorker, pooled bool, err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		started = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	p.signalRefill()
	if started != nil {
		return started, true, nil
	}
	started, err = startWorker(&p.config, p.config.ProcessName)
	return started, false, err
}

func (p *Pool) signalRefill() {
	select {
	case p.refill <- struct{}{}:
	default:
	}
}

func (p *Pool) refillLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.refill:
		}
		for p.wantsWorker() {
			started, err := startWorker(&p.config, p.config.ProcessName)
			if err != nil {
				// Retried on the next Spawn.
				p.logger.Error("refilling worker pool", "error", err)
				break
			}
			if !p.add(started) {
				started.discard()
				break
			}
		}
	}
}

func (p *Pool) wantsWorker() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && len(p.idle) < p.config.PoolSize
}

func (p *Pool) add(started *startedWorker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.idle) >= p.config.PoolSize {
		return false
	}
	p.idle = append(p.idle, started)
	return true
}

// Idle returns the number of workers waiting for a handshake.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// UIDs exposes the allocator for inspection.
func (p *Pool) UIDs() *UIDAllocator {
	return p.uids
}

// Close stops the refill goroutine and kills every idle worker.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	p.discardIdle()
	return nil
}

func (p *Pool) discardIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, started := range idle {
		started.discard()
	}
}

var _ Spawner = (*Pool)(nil)
var _ Spawner = (*OnDemand)(nil)
