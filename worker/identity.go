// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"

	"github.com/bureau-foundation/stepkernel/protocol"
)

// Identity is a builtin module that renders its input table unchanged
// and accepts its params as already current. Operators use it to check
// a deployment end to end without any third-party code.
type Identity struct {
	ModuleBase
}

func (Identity) Operations() []string {
	return []string{protocol.OperationMigrateParams, protocol.OperationRender}
}

func (Identity) MigrateParams(_ context.Context, args protocol.MigrateParamsArgs) (protocol.MigrateParamsResult, error) {
	return protocol.MigrateParamsResult{Params: args.Params}, nil
}

func (Identity) Render(_ context.Context, args protocol.RenderArgs) (protocol.RenderResult, error) {
	return protocol.RenderResult{Table: args.Input}, nil
}
