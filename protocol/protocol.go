// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the messages that cross the process boundary
// between the kernel and a worker. Every message travels as a single
// lib/codec frame.
//
// A worker receives one [Handshake] on descriptor [HandshakeFD],
// performs the invocation it carries, writes exactly one result frame
// to stdout and exits 0. Diagnostics go to stderr as free text.
// Anything else (a non-zero exit, a signal, a missing, truncated or
// trailing-garbage result) is a protocol violation that the kernel
// reports as an abnormal exit.
package protocol

import (
	"github.com/bureau-foundation/stepkernel/lib/codec"
)

// HandshakeFD is the descriptor on which a worker reads its handshake.
// It is the first entry of exec.Cmd.ExtraFiles.
const HandshakeFD = 3

// Operation names.
const (
	OperationValidate      = "validate"
	OperationMigrateParams = "migrate_params"
	OperationRender        = "render"
	OperationFetch         = "fetch"
)

// Operations lists every operation a worker can be asked to perform.
var Operations = []string{OperationValidate, OperationMigrateParams, OperationRender, OperationFetch}

// Kind says how a worker turns a Unit into running code.
type Kind string

const (
	// KindBuiltin names a module compiled into the worker binary. The
	// unit's code is the module name.
	KindBuiltin Kind = "builtin"

	// KindExec is a static ELF executable that reads the invocation
	// frame on stdin and writes its result frame on stdout. The worker
	// execs it after isolation.
	KindExec Kind = "exec"
)

// Unit is a compiled unit as shipped to a worker.
type Unit struct {
	Identifier  string `cbor:"identifier"`
	Kind        Kind   `cbor:"kind"`
	Compression uint8  `cbor:"compression"`
	Size        int    `cbor:"size"`
	Code        []byte `cbor:"code"`
}

// Invocation is one request: run Operation of Unit with Args.
type Invocation struct {
	Operation string           `cbor:"operation"`
	Unit      Unit             `cbor:"unit"`
	Args      codec.RawMessage `cbor:"args,omitempty"`
}

// PathMapping exposes a host path read-only at a path inside the
// worker's chroot.
type PathMapping struct {
	Host   string `cbor:"host"`
	Chroot string `cbor:"chroot"`
}

// Handshake is everything a started worker needs to isolate itself and
// run one invocation.
type Handshake struct {
	// ProcessName is applied with PR_SET_NAME so a pooled worker,
	// started before its invocation was known, still shows the
	// requested name.
	ProcessName string `cbor:"process_name,omitempty"`

	// Isolate enables the private mount namespace, bind mounts, chroot
	// and privilege drop. When false the worker runs in place with the
	// spawner's credentials; only tests do this.
	Isolate bool `cbor:"isolate"`

	// ChrootDir is the domain root the worker changes into.
	ChrootDir string `cbor:"chroot_dir,omitempty"`

	// ProvidePaths are bind-mounted read-only before the chroot.
	ProvidePaths []PathMapping `cbor:"provide_paths,omitempty"`

	// UID and GID the worker drops to. Unique among live workers.
	UID int `cbor:"uid"`
	GID int `cbor:"gid"`

	// Seccomp installs the syscall deny list after the privilege drop.
	Seccomp bool `cbor:"seccomp"`

	Invocation Invocation `cbor:"invocation"`
}
