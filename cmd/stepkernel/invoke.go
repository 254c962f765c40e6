// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/stepkernel/chroot"
	"github.com/bureau-foundation/stepkernel/kernel"
	"github.com/bureau-foundation/stepkernel/lib/secret"
	"github.com/bureau-foundation/stepkernel/protocol"
)

// unitFlags select the unit code an invocation runs.
type unitFlags struct {
	kind    string
	name    string
	file    string
	timeout time.Duration
}

func (f *unitFlags) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.kind, "kind", string(protocol.KindBuiltin), "unit kind: builtin or exec")
	flagSet.StringVar(&f.name, "name", "", "unit name; for builtin units, the module name")
	flagSet.StringVar(&f.file, "file", "", "unit code file (required for exec units)")
	flagSet.DurationVar(&f.timeout, "timeout", 0, "override the configured operation timeout")
}

// load returns the unit's name, kind and code.
func (f *unitFlags) load() (string, protocol.Kind, []byte, error) {
	kind := protocol.Kind(f.kind)
	name := f.name
	if f.file == "" {
		if kind != protocol.KindBuiltin {
			return "", "", nil, fmt.Errorf("--file is required for %s units", kind)
		}
		if name == "" {
			return "", "", nil, errors.New("--name is required")
		}
		return name, kind, []byte(name), nil
	}

	code, err := os.ReadFile(f.file)
	if err != nil {
		return "", "", nil, fmt.Errorf("reading unit code: %w", err)
	}
	if name == "" {
		name = filepath.Base(f.file)
	}
	return name, kind, code, nil
}

// parseJSONArgument decodes a flag value holding JSON, or "@path" to
// read the JSON from a file. An empty value leaves target untouched.
func parseJSONArgument(flagName, value string, target any) error {
	if value == "" {
		return nil
	}
	data := []byte(value)
	if path, ok := strings.CutPrefix(value, "@"); ok {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("--%s: %w", flagName, err)
		}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("--%s: %w", flagName, err)
	}
	return nil
}

// parseSecrets decodes --secrets. A file given as "@path" is read into
// locked memory and zeroed once decoded.
func parseSecrets(value string) (map[string]any, error) {
	path, fromFile := strings.CutPrefix(value, "@")
	if !fromFile {
		var secrets map[string]any
		err := parseJSONArgument("secrets", value, &secrets)
		return secrets, err
	}

	buffer, err := secret.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("--secrets: %w", err)
	}
	defer buffer.Close()
	var secrets map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &secrets); err != nil {
		// The decoder's error may quote the offending input.
		return nil, errors.New("--secrets: file is not a JSON object")
	}
	return secrets, nil
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// session is one leased invocation: the harness, the compiled unit and
// an open lease on the domain.
type session struct {
	harness *harness
	unit    kernel.CompiledUnit
	lease   *chroot.Context
	ctx     context.Context
	cancel  context.CancelFunc
}

func openSession(harnessFlags *harnessFlags, unitFlags *unitFlags, logger *slog.Logger) (*session, error) {
	name, kind, code, err := unitFlags.load()
	if err != nil {
		return nil, err
	}
	h, err := openHarness(harnessFlags, logger)
	if err != nil {
		return nil, err
	}
	unit, err := h.kernel.Compile(name, kind, code)
	if err != nil {
		h.Close()
		return nil, err
	}
	lease, err := h.domain.Acquire()
	if err != nil {
		h.Close()
		return nil, err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return &session{harness: h, unit: unit, lease: lease, ctx: ctx, cancel: cancel}, nil
}

func (s *session) Close() {
	s.cancel()
	if err := s.lease.Close(); err != nil {
		s.harness.logger.Warn("closing lease", "domain", s.harness.domain.Name, "error", err)
	}
	s.harness.Close()
}

// failed turns an invocation error into the one-line user-facing
// description. The worker's log was already emitted by the kernel.
func (s *session) failed(operation string, err error) error {
	s.harness.logger.Debug("invocation failed", "operation", operation, "error", err)
	return fmt.Errorf("%s %s: %s", operation, s.unit.Identifier, kernel.Describe(err))
}

// outputFile creates the writable output file of a render or fetch.
func (s *session) outputFile(prefix string) (chroot.TempResource, error) {
	directory, err := s.lease.TempDirectory("output")
	if err != nil {
		return chroot.TempResource{}, err
	}
	return s.lease.TempFile(directory.HostPath, prefix)
}

// collectOutput copies the output file to destination, if given, and
// returns its size. It must run before the lease closes.
func collectOutput(output chroot.TempResource, destination string) (int64, error) {
	data, err := os.ReadFile(output.HostPath)
	if err != nil {
		return 0, fmt.Errorf("reading output: %w", err)
	}
	if destination != "" {
		if err := os.WriteFile(destination, data, 0644); err != nil {
			return 0, fmt.Errorf("writing output: %w", err)
		}
	}
	return int64(len(data)), nil
}

type outputReport struct {
	Result      any    `json:"result"`
	OutputBytes int64  `json:"output_bytes"`
	OutputPath  string `json:"output_path,omitempty"`
}

func validateCommand(args []string, logger *slog.Logger) error {
	var harnessFlags harnessFlags
	var unitFlags unitFlags
	flagSet := pflag.NewFlagSet("validate", pflag.ContinueOnError)
	harnessFlags.AddFlags(flagSet)
	unitFlags.AddFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	s, err := openSession(&harnessFlags, &unitFlags, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.harness.kernel.Validate(s.ctx, s.lease, kernel.ValidateRequest{
		Unit:    s.unit,
		Timeout: unitFlags.timeout,
	})
	if err != nil {
		return s.failed(protocol.OperationValidate, err)
	}
	return printJSON(result)
}

func migrateParamsCommand(args []string, logger *slog.Logger) error {
	var harnessFlags harnessFlags
	var unitFlags unitFlags
	var paramsFlag string
	flagSet := pflag.NewFlagSet("migrate-params", pflag.ContinueOnError)
	harnessFlags.AddFlags(flagSet)
	unitFlags.AddFlags(flagSet)
	flagSet.StringVar(&paramsFlag, "params", "{}", "saved params as JSON, or @file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	var params map[string]any
	if err := parseJSONArgument("params", paramsFlag, &params); err != nil {
		return err
	}

	s, err := openSession(&harnessFlags, &unitFlags, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.harness.kernel.MigrateParams(s.ctx, s.lease, kernel.MigrateParamsRequest{
		Unit:    s.unit,
		Params:  params,
		Timeout: unitFlags.timeout,
	})
	if err != nil {
		return s.failed(protocol.OperationMigrateParams, err)
	}
	return printJSON(result)
}

func renderCommand(args []string, logger *slog.Logger) error {
	var harnessFlags harnessFlags
	var unitFlags unitFlags
	var paramsFlag, inputFlag, fetchResult, outputPath string
	flagSet := pflag.NewFlagSet("render", pflag.ContinueOnError)
	harnessFlags.AddFlags(flagSet)
	unitFlags.AddFlags(flagSet)
	flagSet.StringVar(&paramsFlag, "params", "{}", "params as JSON, or @file")
	flagSet.StringVar(&inputFlag, "input", "", "input table as JSON {columns, rows}, or @file")
	flagSet.StringVar(&fetchResult, "fetch-result", "", "file holding the last fetch output")
	flagSet.StringVar(&outputPath, "output", "", "copy the unit's output file here")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	var params map[string]any
	if err := parseJSONArgument("params", paramsFlag, &params); err != nil {
		return err
	}
	var input *protocol.Table
	if inputFlag != "" {
		input = &protocol.Table{}
		if err := parseJSONArgument("input", inputFlag, input); err != nil {
			return err
		}
	}
	if fetchResult != "" {
		absolute, err := filepath.Abs(fetchResult)
		if err != nil {
			return err
		}
		fetchResult = absolute
	}

	s, err := openSession(&harnessFlags, &unitFlags, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	output, err := s.outputFile("render")
	if err != nil {
		return err
	}
	result, err := s.harness.kernel.Render(s.ctx, s.lease, kernel.RenderRequest{
		Unit:        s.unit,
		Params:      params,
		Input:       input,
		Output:      output,
		FetchResult: fetchResult,
		Timeout:     unitFlags.timeout,
	})
	if err != nil {
		return s.failed(protocol.OperationRender, err)
	}
	size, err := collectOutput(output, outputPath)
	if err != nil {
		return err
	}
	return printJSON(outputReport{Result: result, OutputBytes: size, OutputPath: outputPath})
}

func fetchCommand(args []string, logger *slog.Logger) error {
	var harnessFlags harnessFlags
	var unitFlags unitFlags
	var paramsFlag, secretsFlag, lastFetchResult, outputPath string
	flagSet := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	harnessFlags.AddFlags(flagSet)
	unitFlags.AddFlags(flagSet)
	flagSet.StringVar(&paramsFlag, "params", "{}", "params as JSON, or @file")
	flagSet.StringVar(&secretsFlag, "secrets", "", "secrets as JSON, or @file; passed to the unit unread")
	flagSet.StringVar(&lastFetchResult, "last-fetch-result", "", "file holding the previous fetch output")
	flagSet.StringVar(&outputPath, "output", "", "copy the fetched data here")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	var params map[string]any
	if err := parseJSONArgument("params", paramsFlag, &params); err != nil {
		return err
	}
	secrets, err := parseSecrets(secretsFlag)
	if err != nil {
		return err
	}
	if lastFetchResult != "" {
		absolute, err := filepath.Abs(lastFetchResult)
		if err != nil {
			return err
		}
		lastFetchResult = absolute
	}

	s, err := openSession(&harnessFlags, &unitFlags, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	output, err := s.outputFile("fetch")
	if err != nil {
		return err
	}
	result, err := s.harness.kernel.Fetch(s.ctx, s.lease, kernel.FetchRequest{
		Unit:            s.unit,
		Params:          params,
		Secrets:         secrets,
		Output:          output,
		LastFetchResult: lastFetchResult,
		Timeout:         unitFlags.timeout,
	})
	if err != nil {
		return s.failed(protocol.OperationFetch, err)
	}
	size, err := collectOutput(output, outputPath)
	if err != nil {
		return err
	}
	return printJSON(outputReport{Result: result, OutputBytes: size, OutputPath: outputPath})
}
