// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/bureau-foundation/stepkernel/chroot"
	"github.com/bureau-foundation/stepkernel/protocol"
)

// ValidateRequest asks a worker to load a unit and list its operations.
type ValidateRequest struct {
	Unit CompiledUnit

	// Timeout overrides the configured timeout when positive.
	Timeout time.Duration
}

// MigrateParamsRequest asks a unit to upgrade params saved by an older
// version of it.
type MigrateParamsRequest struct {
	Unit    CompiledUnit
	Params  map[string]any
	Timeout time.Duration
}

// RenderRequest asks a unit to transform a table.
type RenderRequest struct {
	Unit   CompiledUnit
	Params map[string]any
	Input  *protocol.Table

	// Output is an empty file created with the lease's TempFile. The
	// unit may overwrite it; it is writable only during the call.
	Output chroot.TempResource

	// FetchResult is a host file holding the last fetch output,
	// exposed read-only. Empty for none.
	FetchResult string

	Timeout time.Duration
}

// FetchRequest asks a unit to fetch data into Output.
type FetchRequest struct {
	Unit    CompiledUnit
	Params  map[string]any
	Secrets map[string]any

	// Output receives the fetched data. See RenderRequest.Output.
	Output chroot.TempResource

	// LastFetchResult is a host file holding the previous fetch
	// output, exposed read-only. Empty for none.
	LastFetchResult string

	Timeout time.Duration
}

// Validate loads the unit in a worker and returns the operations it
// implements.
func (k *Kernel) Validate(ctx context.Context, lease *chroot.Context, request ValidateRequest) (result protocol.ValidateResult, err error) {
	defer k.observe(protocol.OperationValidate, k.clock.Now(), &err)
	if lease == nil {
		return result, errLeaseRequired
	}

	timeout, provide := k.settings(protocol.OperationValidate, request.Timeout)
	err = k.invoke(ctx, invocation{
		operation: protocol.OperationValidate,
		unit:      request.Unit,
		args:      protocol.ValidateArgs{},
		timeout:   timeout,
		chrootDir: lease.Chroot().Root,
		provide:   provide,
	}, &result)
	return result, err
}

// MigrateParams returns params in the unit's current shape.
func (k *Kernel) MigrateParams(ctx context.Context, lease *chroot.Context, request MigrateParamsRequest) (result protocol.MigrateParamsResult, err error) {
	defer k.observe(protocol.OperationMigrateParams, k.clock.Now(), &err)
	if lease == nil {
		return result, errLeaseRequired
	}

	timeout, provide := k.settings(protocol.OperationMigrateParams, request.Timeout)
	err = k.invoke(ctx, invocation{
		operation: protocol.OperationMigrateParams,
		unit:      request.Unit,
		args:      protocol.MigrateParamsArgs{Params: request.Params},
		timeout:   timeout,
		chrootDir: lease.Chroot().Root,
		provide:   provide,
	}, &result)
	return result, err
}

// Render runs the unit's render operation. A worker that deletes or
// replaces its output file fails the call with a MisbehaviorError or
// SecurityViolationError even if it returned a result.
func (k *Kernel) Render(ctx context.Context, lease *chroot.Context, request RenderRequest) (result protocol.RenderResult, err error) {
	defer k.observe(protocol.OperationRender, k.clock.Now(), &err)
	if lease == nil {
		return result, errLeaseRequired
	}
	if request.Output.HostPath == "" {
		return result, errors.New("kernel: render requires an output file")
	}

	basedir, err := lease.TempDirectory("basedir")
	if err != nil {
		return result, err
	}
	timeout, provide := k.settings(protocol.OperationRender, request.Timeout)
	provide = slices.Clone(provide)

	args := protocol.RenderArgs{
		Params:      request.Params,
		Input:       request.Input,
		BasedirPath: basedir.ChrootPath,
		OutputPath:  request.Output.ChrootPath,
	}
	if request.FetchResult != "" {
		args.FetchResultPath = path.Join(basedir.ChrootPath, "fetch-result"+filepath.Ext(request.FetchResult))
		provide = append(provide, protocol.PathMapping{Host: request.FetchResult, Chroot: args.FetchResultPath})
	}

	err = k.withWritable(lease, request.Output.HostPath, func() error {
		return k.invoke(ctx, invocation{
			operation: protocol.OperationRender,
			unit:      request.Unit,
			args:      args,
			timeout:   timeout,
			chrootDir: lease.Chroot().Root,
			provide:   provide,
		}, &result)
	})
	return result, err
}

// Fetch runs the unit's fetch operation. The fetched data is in
// request.Output when it returns without error.
func (k *Kernel) Fetch(ctx context.Context, lease *chroot.Context, request FetchRequest) (result protocol.FetchResult, err error) {
	defer k.observe(protocol.OperationFetch, k.clock.Now(), &err)
	if lease == nil {
		return result, errLeaseRequired
	}
	if request.Output.HostPath == "" {
		return result, errors.New("kernel: fetch requires an output file")
	}

	basedir, err := lease.TempDirectory("basedir")
	if err != nil {
		return result, err
	}
	timeout, provide := k.settings(protocol.OperationFetch, request.Timeout)
	provide = slices.Clone(provide)

	args := protocol.FetchArgs{
		Params:      request.Params,
		Secrets:     request.Secrets,
		BasedirPath: basedir.ChrootPath,
		OutputPath:  request.Output.ChrootPath,
	}
	if request.LastFetchResult != "" {
		args.LastFetchResultPath = path.Join(basedir.ChrootPath, "last-fetch-result"+filepath.Ext(request.LastFetchResult))
		provide = append(provide, protocol.PathMapping{Host: request.LastFetchResult, Chroot: args.LastFetchResultPath})
	}

	err = k.withWritable(lease, request.Output.HostPath, func() error {
		return k.invoke(ctx, invocation{
			operation: protocol.OperationFetch,
			unit:      request.Unit,
			args:      args,
			timeout:   timeout,
			chrootDir: lease.Chroot().Root,
			provide:   provide,
		}, &result)
	})
	return result, err
}

var errLeaseRequired = errors.New("kernel: a chroot lease is required")

// withWritable grants write access to hostPath around run. An error
// from releasing the grant wins over run's result: the worker tampered
// with its output and nothing it produced can be trusted.
func (k *Kernel) withWritable(lease *chroot.Context, hostPath string, run func() error) error {
	grant, err := lease.GrantWritable(hostPath)
	if err != nil {
		return fmt.Errorf("granting write access to %s: %w", hostPath, err)
	}
	runErr := run()
	if err := grant.Release(); err != nil {
		k.logger.Error("worker tampered with its output file", "path", hostPath, "error", err)
		return err
	}
	return runErr
}

func (k *Kernel) observe(operation string, start time.Time, err *error) {
	k.metrics.observeInvocation(operation, outcome(*err), k.clock.Now().Sub(start))
}

func outcome(err error) string {
	var (
		timeout     *TimeoutError
		abnormal    *ExitedAbnormallyError
		violation   *SecurityViolationError
		misbehavior *MisbehaviorError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &timeout):
		return OutcomeTimeout
	case errors.As(err, &abnormal):
		return OutcomeExitedAbnormally
	case errors.As(err, &violation):
		return OutcomeSecurityViolation
	case errors.As(err, &misbehavior):
		return OutcomeMisbehavior
	default:
		return OutcomeError
	}
}
