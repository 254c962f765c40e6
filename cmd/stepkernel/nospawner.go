// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"

	"github.com/bureau-foundation/stepkernel/forkserver"
)

// noSpawner backs a kernel that only compiles.
type noSpawner struct{}

func (noSpawner) Spawn(context.Context, forkserver.SpawnRequest) (*forkserver.WorkerProcess, error) {
	return nil, errors.New("this command does not start workers")
}

func (noSpawner) Close() error { return nil }
