// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"runtime"
	"unicode/utf8"

	"github.com/bureau-foundation/stepkernel/lib/binhash"
	"github.com/bureau-foundation/stepkernel/lib/compress"
	"github.com/bureau-foundation/stepkernel/protocol"
)

// maxBuiltinName bounds the code of a builtin unit, which is a name.
const maxBuiltinName = 256

// CompiledUnit is unit code checked and packaged for shipping to
// workers. It is immutable and passed by value.
type CompiledUnit struct {
	// Name is the caller's name for the unit.
	Name string

	// Identifier is "<name>@<short digest>", shown in logs and as the
	// worker's view of the unit.
	Identifier string

	Kind   protocol.Kind
	Digest binhash.Digest

	// Compression is the algorithm Code is stored with; Size is the
	// uncompressed length.
	Compression compress.Tag
	Size        int
	Code        []byte
}

func (u CompiledUnit) wire() protocol.Unit {
	return protocol.Unit{
		Identifier:  u.Identifier,
		Kind:        u.Kind,
		Compression: uint8(u.Compression),
		Size:        u.Size,
		Code:        u.Code,
	}
}

// compileUnit checks code for kind and packages it. compression is a
// lib/compress tag name or "auto".
func compileUnit(name string, kind protocol.Kind, code []byte, compression string) (CompiledUnit, error) {
	if name == "" {
		return CompiledUnit{}, &CompileError{Name: "(unnamed)", Reason: "unit name is required"}
	}
	if len(code) == 0 {
		return CompiledUnit{}, &CompileError{Name: name, Reason: "code is empty"}
	}

	switch kind {
	case protocol.KindBuiltin:
		if len(code) > maxBuiltinName || !utf8.Valid(code) || bytes.ContainsAny(code, "\x00\n") {
			return CompiledUnit{}, &CompileError{Name: name, Reason: "builtin code must be a module name"}
		}
	case protocol.KindExec:
		if err := checkExecutable(code); err != nil {
			return CompiledUnit{}, &CompileError{Name: name, Reason: err.Error()}
		}
	default:
		return CompiledUnit{}, &CompileError{Name: name, Reason: fmt.Sprintf("unknown unit kind %q", kind)}
	}

	digest := binhash.HashUnit(name, code)
	unit := CompiledUnit{
		Name:       name,
		Identifier: name + "@" + binhash.ShortDigest(digest),
		Kind:       kind,
		Digest:     digest,
		Size:       len(code),
	}

	tag, auto, err := compress.ParseTag(compression)
	if err != nil {
		return CompiledUnit{}, err
	}
	if auto {
		unit.Code, unit.Compression, err = compress.Auto(code)
		if err != nil {
			return CompiledUnit{}, fmt.Errorf("compressing %s: %w", name, err)
		}
		return unit, nil
	}
	compressed, err := compress.Compress(code, tag)
	switch {
	case errors.Is(err, compress.ErrIncompressible):
		unit.Code, unit.Compression = code, compress.None
	case err != nil:
		return CompiledUnit{}, fmt.Errorf("compressing %s: %w", name, err)
	default:
		unit.Code, unit.Compression = compressed, tag
	}
	return unit, nil
}

var goarchMachine = map[string]elf.Machine{
	"386":     elf.EM_386,
	"amd64":   elf.EM_X86_64,
	"arm":     elf.EM_ARM,
	"arm64":   elf.EM_AARCH64,
	"ppc64le": elf.EM_PPC64,
	"riscv64": elf.EM_RISCV,
	"s390x":   elf.EM_S390,
}

// checkExecutable accepts a static ELF executable for this machine.
// The worker's chroot has no dynamic loader, so an interpreter would
// fail at exec time with a confusing ENOENT.
func checkExecutable(code []byte) error {
	file, err := elf.NewFile(bytes.NewReader(code))
	if err != nil {
		return fmt.Errorf("not an ELF executable: %v", err)
	}
	defer file.Close()

	if file.Type != elf.ET_EXEC && file.Type != elf.ET_DYN {
		return fmt.Errorf("ELF type %s is not executable", file.Type)
	}
	if want, known := goarchMachine[runtime.GOARCH]; known && file.Machine != want {
		return fmt.Errorf("ELF machine %s does not match host %s", file.Machine, want)
	}
	for _, program := range file.Progs {
		if program.Type == elf.PT_INTERP {
			return errors.New("executable is dynamically linked; units must be static")
		}
	}
	return nil
}
