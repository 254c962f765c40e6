// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/stepkernel/lib/codec"
	"github.com/bureau-foundation/stepkernel/lib/compress"
	"github.com/bureau-foundation/stepkernel/lib/version"
	"github.com/bureau-foundation/stepkernel/protocol"
)

// Config is what a worker binary supports.
type Config struct {
	Loaders []Loader

	// InstallSeccomp applies the syscall deny list to the whole
	// process. Nil means the binary cannot honor a handshake that asks
	// for seccomp, and such a handshake fails.
	InstallSeccomp func() error
}

// Main runs the worker and exits. It never returns.
func Main(config Config) {
	os.Exit(Run(os.Args, config))
}

// Run parses args, reads the handshake from descriptor 3 and performs
// the invocation. It returns the process exit code.
func Run(args []string, config Config) int {
	// PR_SET_NAME names the calling thread only.
	runtime.LockOSThread()

	name := "worker"
	if len(args) > 0 {
		name = args[0]
		args = args[1:]
	}
	if len(args) > 0 && args[0] == "version" {
		fmt.Println(version.Full())
		return 0
	}

	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	preload := flags.StringSlice("preload", nil, "builtin modules to load before the handshake")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		return 2
	}
	if *showVersion {
		fmt.Println(version.Full())
		return 0
	}

	if len(*preload) > 0 {
		for _, loader := range config.Loaders {
			if preloader, ok := loader.(Preloader); ok {
				if err := preloader.Preload(*preload); err != nil {
					fmt.Fprintf(os.Stderr, "preload: %v\n", err)
					return 1
				}
			}
		}
	}

	if err := becomeSubreaper(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	handshakeFile := os.NewFile(protocol.HandshakeFD, "handshake")
	if handshakeFile == nil {
		fmt.Fprintln(os.Stderr, "no handshake descriptor")
		return 1
	}
	var handshake protocol.Handshake
	err := codec.ReadFrame(handshakeFile, &handshake)
	handshakeFile.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading handshake: %v\n", err)
		return 1
	}

	code := 0
	if err := Serve(context.Background(), handshake, config, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", handshake.Invocation.Unit.Identifier, err)
		code = 1
	}
	if err := killDescendants(); err != nil {
		fmt.Fprintf(os.Stderr, "cleaning up after %s: %v\n", handshake.Invocation.Unit.Identifier, err)
		code = 1
	}
	return code
}

// Serve isolates the process as the handshake asks, runs the
// invocation and writes the result frame to stdout.
func Serve(ctx context.Context, handshake protocol.Handshake, config Config, stdout io.Writer) error {
	if handshake.ProcessName != "" {
		if err := setProcessName(handshake.ProcessName); err != nil {
			return err
		}
	}

	if handshake.Isolate {
		if err := isolate(handshake.ChrootDir, handshake.ProvidePaths); err != nil {
			return fmt.Errorf("isolating: %w", err)
		}
		scratch, err := makeScratch(handshake.UID, handshake.GID)
		if err != nil {
			return err
		}
		if err := dropPrivileges(handshake.UID, handshake.GID); err != nil {
			return fmt.Errorf("dropping privileges: %w", err)
		}
		// os.TempDir, and so ExecLoader and any module, now lands in
		// the worker's own directory.
		if err := os.Setenv("TMPDIR", scratch); err != nil {
			return fmt.Errorf("setting TMPDIR: %w", err)
		}
	}

	if handshake.Seccomp {
		if config.InstallSeccomp == nil {
			return errors.New("seccomp requested but this worker has no filter")
		}
		if err := config.InstallSeccomp(); err != nil {
			return fmt.Errorf("installing seccomp filter: %w", err)
		}
	}

	unit := handshake.Invocation.Unit
	var loader Loader
	for _, candidate := range config.Loaders {
		if candidate.Kind() == unit.Kind {
			loader = candidate
			break
		}
	}
	if loader == nil {
		return fmt.Errorf("no loader for unit kind %q", unit.Kind)
	}

	code, err := compress.Decompress(unit.Code, compress.Tag(unit.Compression), unit.Size)
	if err != nil {
		return fmt.Errorf("decompressing unit: %w", err)
	}
	program, err := loader.Load(unit, code)
	if err != nil {
		return err
	}

	result, err := program.Run(ctx, handshake.Invocation)
	if err != nil {
		return fmt.Errorf("%s: %w", handshake.Invocation.Operation, err)
	}
	return codec.WriteFrame(stdout, result)
}
