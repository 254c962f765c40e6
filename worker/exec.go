// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"
	"os"
	"slices"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/stepkernel/lib/codec"
	"github.com/bureau-foundation/stepkernel/protocol"
)

// ExecLoader is the loader for [protocol.KindExec] units: static
// executables that speak the worker protocol themselves. The worker
// writes the executable and the invocation frame into its scratch
// directory, points stdin at the frame and replaces itself with the
// executable. Isolation, privilege drop and seccomp are already in
// place and survive the exec.
type ExecLoader struct {
	// ScratchDir receives the executable and its invocation file. It
	// is resolved after the chroot. Empty means os.TempDir(), which
	// for an isolated worker is its private scratch directory.
	ScratchDir string

	// Env is the executable's environment. TMPDIR is always appended.
	Env []string
}

func (l *ExecLoader) Kind() protocol.Kind { return protocol.KindExec }

func (l *ExecLoader) Load(unit protocol.Unit, code []byte) (Program, error) {
	scratch := l.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	binary, err := os.CreateTemp(scratch, "unit-*")
	if err != nil {
		return nil, fmt.Errorf("creating unit executable: %w", err)
	}
	defer binary.Close()
	if _, err := binary.Write(code); err != nil {
		return nil, fmt.Errorf("writing unit executable: %w", err)
	}
	if err := binary.Chmod(0o500); err != nil {
		return nil, fmt.Errorf("marking unit executable: %w", err)
	}
	if err := binary.Close(); err != nil {
		return nil, fmt.Errorf("closing unit executable: %w", err)
	}
	return &execProgram{path: binary.Name(), scratch: scratch, identifier: unit.Identifier, env: l.Env}, nil
}

type execProgram struct {
	path       string
	scratch    string
	identifier string
	env        []string
}

// Run does not return on success: the process image is replaced and
// the executable writes the result frame itself.
func (p *execProgram) Run(_ context.Context, invocation protocol.Invocation) (any, error) {
	request, err := os.CreateTemp(p.scratch, "invocation-*")
	if err != nil {
		return nil, fmt.Errorf("creating invocation file: %w", err)
	}
	if err := codec.WriteFrame(request, invocation); err != nil {
		request.Close()
		return nil, err
	}
	if _, err := request.Seek(0, 0); err != nil {
		request.Close()
		return nil, fmt.Errorf("rewinding invocation file: %w", err)
	}
	if err := unix.Dup2(int(request.Fd()), 0); err != nil {
		request.Close()
		return nil, fmt.Errorf("redirecting stdin: %w", err)
	}
	request.Close()

	argv := []string{p.identifier}
	env := append(slices.Clone(p.env), "TMPDIR="+p.scratch)
	if err := unix.Exec(p.path, argv, env); err != nil {
		return nil, fmt.Errorf("exec %s: %w", p.identifier, err)
	}
	panic("unreachable")
}
