// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// stepkernel-worker is the process image the forkserver starts for
// every invocation. It reads its handshake on descriptor 3, isolates
// itself, runs one operation of one unit and exits. It is not meant to
// be run by hand.
//
// Usage:
//
//	stepkernel-worker [--preload=name,...]
//	stepkernel-worker version
package main

import (
	"github.com/bureau-foundation/stepkernel/worker"
	"github.com/bureau-foundation/stepkernel/worker/seccomp"
)

func main() {
	builtins := worker.NewBuiltins()
	builtins.Register("identity", func() (worker.Module, error) {
		return worker.Identity{}, nil
	})

	worker.Main(worker.Config{
		Loaders: []worker.Loader{
			builtins,
			&worker.ExecLoader{},
		},
		InstallSeccomp: seccomp.Install,
	})
}
