// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/stepkernel/forkserver"
	"github.com/bureau-foundation/stepkernel/lib/binhash"
	"github.com/bureau-foundation/stepkernel/lib/compress"
	"github.com/bureau-foundation/stepkernel/protocol"
)

// minimalELF builds a 64-bit little-endian ELF header for the host
// machine, optionally followed by one PT_INTERP program header.
func minimalELF(t *testing.T, fileType elf.Type, interpreter bool) []byte {
	t.Helper()
	machine, ok := goarchMachine[runtime.GOARCH]
	if !ok {
		t.Skipf("no ELF machine known for %s", runtime.GOARCH)
	}

	var header elf.Header64
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	header.Type = uint16(fileType)
	header.Machine = uint16(machine)
	header.Version = uint32(elf.EV_CURRENT)
	header.Ehsize = 64
	header.Phentsize = 56
	header.Shentsize = 64
	if interpreter {
		header.Phoff = 64
		header.Phnum = 1
	}

	var buffer bytes.Buffer
	if err := binary.Write(&buffer, binary.LittleEndian, header); err != nil {
		t.Fatalf("writing ELF header: %v", err)
	}
	if interpreter {
		program := elf.Prog64{Type: uint32(elf.PT_INTERP), Flags: uint32(elf.PF_R)}
		if err := binary.Write(&buffer, binary.LittleEndian, program); err != nil {
			t.Fatalf("writing program header: %v", err)
		}
	}
	return buffer.Bytes()
}

// echoELF builds a static x86-64 executable that writes message to
// stdout and exits 0: one PT_LOAD segment holding the headers, the code
// and the message.
func echoELF(t *testing.T, message []byte) []byte {
	t.Helper()
	if runtime.GOARCH != "amd64" {
		t.Skipf("echo executable is x86-64 only, host is %s", runtime.GOARCH)
	}
	const (
		base       = 0x400000
		codeOffset = 64 + 56
	)
	length := binary.LittleEndian.AppendUint32(nil, uint32(len(message)))
	var code []byte
	code = append(code, 0xb8, 0x01, 0x00, 0x00, 0x00)             // mov eax, 1 (write)
	code = append(code, 0xbf, 0x01, 0x00, 0x00, 0x00)             // mov edi, 1
	code = append(code, 0x48, 0x8d, 0x35, 0x10, 0x00, 0x00, 0x00) // lea rsi, [rip+16]
	code = append(code, 0xba)                                     // mov edx, len
	code = append(code, length...)
	code = append(code, 0x0f, 0x05)                   // syscall
	code = append(code, 0xb8, 0xe7, 0x00, 0x00, 0x00) // mov eax, 231 (exit_group)
	code = append(code, 0x31, 0xff)                   // xor edi, edi
	code = append(code, 0x0f, 0x05)                   // syscall
	code = append(code, message...)
	size := uint64(codeOffset + len(code))

	var header elf.Header64
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	header.Type = uint16(elf.ET_EXEC)
	header.Machine = uint16(elf.EM_X86_64)
	header.Version = uint32(elf.EV_CURRENT)
	header.Entry = base + codeOffset
	header.Phoff = 64
	header.Ehsize = 64
	header.Phentsize = 56
	header.Phnum = 1
	header.Shentsize = 64
	program := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Vaddr:  base,
		Paddr:  base,
		Filesz: size,
		Memsz:  size,
		Align:  0x1000,
	}

	var buffer bytes.Buffer
	for _, part := range []any{header, program} {
		if err := binary.Write(&buffer, binary.LittleEndian, part); err != nil {
			t.Fatalf("writing ELF headers: %v", err)
		}
	}
	buffer.Write(code)
	return buffer.Bytes()
}

func TestCompileBuiltin(t *testing.T) {
	unit, err := compileUnit("identity", protocol.KindBuiltin, []byte("identity"), "none")
	if err != nil {
		t.Fatalf("compileUnit: %v", err)
	}
	digest := binhash.HashUnit("identity", []byte("identity"))
	if unit.Digest != digest {
		t.Errorf("digest = %x, want %x", unit.Digest, digest)
	}
	if want := "identity@" + binhash.ShortDigest(digest); unit.Identifier != want {
		t.Errorf("identifier = %q, want %q", unit.Identifier, want)
	}
	if unit.Compression != compress.None || string(unit.Code) != "identity" || unit.Size != 8 {
		t.Errorf("unit = %+v", unit)
	}

	wire := unit.wire()
	if wire.Identifier != unit.Identifier || wire.Kind != protocol.KindBuiltin || wire.Size != 8 {
		t.Errorf("wire = %+v", wire)
	}
}

func TestCompileCompressesLargeCode(t *testing.T) {
	code := []byte(strings.Repeat("module-name-", 20))
	unit, err := compileUnit("big", protocol.KindBuiltin, code, "zstd")
	if err != nil {
		t.Fatalf("compileUnit: %v", err)
	}
	if unit.Compression != compress.Zstd || len(unit.Code) >= len(code) {
		t.Fatalf("compression = %s, stored %d of %d bytes", unit.Compression, len(unit.Code), len(code))
	}
	restored, err := compress.Decompress(unit.Code, unit.Compression, unit.Size)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(restored, code) {
		t.Error("code changed through compression")
	}

	small, err := compileUnit("small", protocol.KindBuiltin, []byte("abc"), "lz4")
	if err != nil {
		t.Fatalf("compileUnit small: %v", err)
	}
	if small.Compression != compress.None {
		t.Errorf("incompressible code stored as %s, want none", small.Compression)
	}
}

func TestCompileExec(t *testing.T) {
	if _, err := compileUnit("static", protocol.KindExec, minimalELF(t, elf.ET_EXEC, false), "none"); err != nil {
		t.Errorf("static executable rejected: %v", err)
	}
	if _, err := compileUnit("pie", protocol.KindExec, minimalELF(t, elf.ET_DYN, false), "none"); err != nil {
		t.Errorf("static PIE rejected: %v", err)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name       string
		unitName   string
		kind       protocol.Kind
		code       []byte
		wantReason string
	}{
		{name: "no name", kind: protocol.KindBuiltin, code: []byte("x"), wantReason: "name is required"},
		{name: "empty code", unitName: "u", kind: protocol.KindBuiltin, wantReason: "code is empty"},
		{name: "unknown kind", unitName: "u", kind: "wasm", code: []byte("x"), wantReason: `unknown unit kind "wasm"`},
		{name: "builtin with newline", unitName: "u", kind: protocol.KindBuiltin, code: []byte("a\nb"), wantReason: "module name"},
		{name: "exec not ELF", unitName: "u", kind: protocol.KindExec, code: []byte("#!/bin/sh\necho hi\n"), wantReason: "not an ELF"},
		{name: "exec dynamic", unitName: "u", kind: protocol.KindExec, code: minimalELF(t, elf.ET_EXEC, true), wantReason: "dynamically linked"},
		{name: "exec relocatable", unitName: "u", kind: protocol.KindExec, code: minimalELF(t, elf.ET_REL, false), wantReason: "not executable"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := compileUnit(test.unitName, test.kind, test.code, "auto")
			var compileErr *CompileError
			if !errors.As(err, &compileErr) {
				t.Fatalf("error = %v (%T), want *CompileError", err, err)
			}
			if !strings.Contains(compileErr.Reason, test.wantReason) {
				t.Errorf("reason = %q, want it to contain %q", compileErr.Reason, test.wantReason)
			}
		})
	}
}

type fakeSpawner struct{}

func (fakeSpawner) Spawn(context.Context, forkserver.SpawnRequest) (*forkserver.WorkerProcess, error) {
	return nil, errors.New("spawning disabled")
}

func (fakeSpawner) Close() error { return nil }

func TestKernelCompileUsesCache(t *testing.T) {
	cache := NewMemoryCache(4)
	kernel, err := New(Config{Spawner: fakeSpawner{}, Cache: cache, Compression: "none"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := kernel.Compile("identity", protocol.KindBuiltin, []byte("identity"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("cache holds %d units, want 1", cache.Len())
	}
	second, err := kernel.Compile("identity", protocol.KindBuiltin, []byte("identity"))
	if err != nil {
		t.Fatalf("second Compile: %v", err)
	}
	if second.Identifier != first.Identifier {
		t.Errorf("cached identifier %q != %q", second.Identifier, first.Identifier)
	}

	// Same name and code, different kind: not a cache hit.
	if _, err := kernel.Compile("identity", protocol.KindExec, []byte("identity")); err == nil {
		t.Error("builtin code compiled as exec from the cache")
	}

	if _, err := kernel.Compile("", protocol.KindBuiltin, []byte("x")); err == nil {
		t.Error("unnamed unit compiled")
	}
	if cache.Len() != 1 {
		t.Errorf("failed compile was cached: %d units", cache.Len())
	}
}

func TestKernelSpawnFailureIsNotTaxonomy(t *testing.T) {
	kernel, err := New(Config{Spawner: fakeSpawner{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	unit, err := kernel.Compile("identity", protocol.KindBuiltin, []byte("identity"))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	err = kernel.invoke(context.Background(), invocation{
		operation: protocol.OperationValidate,
		unit:      unit,
		timeout:   time.Second,
	}, &protocol.ValidateResult{})
	if err == nil || !strings.Contains(err.Error(), "spawning disabled") {
		t.Fatalf("invoke = %v, want spawn error", err)
	}
	if Describe(err) != "internal error" {
		t.Errorf("Describe = %q, want internal error", Describe(err))
	}
}

func TestNewRequiresSpawner(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New without a spawner succeeded")
	}
}
