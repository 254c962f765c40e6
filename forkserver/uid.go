// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package forkserver

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUIDsExhausted is returned by Spawn when every sandbox UID is held
// by a live worker.
var ErrUIDsExhausted = errors.New("forkserver: sandbox UID range exhausted")

// UIDAllocator hands out user IDs from [first, first+count). Allocation
// rotates through the range so a just-released UID is reused last.
type UIDAllocator struct {
	first int
	count int

	mu    sync.Mutex
	inUse []bool
	next  int
	held  int
}

// NewUIDAllocator returns an allocator over [first, first+count).
func NewUIDAllocator(first, count int) (*UIDAllocator, error) {
	if first <= 0 {
		return nil, fmt.Errorf("forkserver: first sandbox UID must be positive, got %d", first)
	}
	if count < 1 {
		return nil, fmt.Errorf("forkserver: sandbox UID count must be at least 1, got %d", count)
	}
	return &UIDAllocator{first: first, count: count, inUse: make([]bool, count)}, nil
}

// Acquire returns a free UID.
func (a *UIDAllocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.count; i++ {
		slot := (a.next + i) % a.count
		if !a.inUse[slot] {
			a.inUse[slot] = true
			a.next = (slot + 1) % a.count
			a.held++
			return a.first + slot, nil
		}
	}
	return 0, ErrUIDsExhausted
}

// Release returns uid to the pool. Releasing a UID outside the range
// or one that is not held panics: it means two workers believed they
// owned the same credentials.
func (a *UIDAllocator) Release(uid int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot := uid - a.first
	if slot < 0 || slot >= a.count || !a.inUse[slot] {
		panic(fmt.Sprintf("forkserver: release of UID %d that is not held", uid))
	}
	a.inUse[slot] = false
	a.held--
}

// Held returns the number of UIDs currently allocated.
func (a *UIDAllocator) Held() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held
}

// Range returns the first UID and the range size.
func (a *UIDAllocator) Range() (first, count int) {
	return a.first, a.count
}
