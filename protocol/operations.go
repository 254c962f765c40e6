// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Message is a user-facing error or warning produced by a module.
type Message struct {
	Text string `cbor:"text" json:"text"`
	// Quick fixes the UI may offer, opaque to the harness.
	QuickFixes []map[string]any `cbor:"quick_fixes,omitempty" json:"quick_fixes,omitempty"`
}

// Column describes one column of a rendered table.
type Column struct {
	Name string `cbor:"name" json:"name"`
	Type string `cbor:"type" json:"type"`
}

// Table is a small table carried inline in a result.
type Table struct {
	Columns []Column `cbor:"columns" json:"columns"`
	Rows    [][]any  `cbor:"rows" json:"rows"`
}

// ValidateArgs carries nothing: validation loads the unit and checks
// that it implements at least one operation.
type ValidateArgs struct{}

// ValidateResult lists the operations the unit implements.
type ValidateResult struct {
	Operations []string `cbor:"operations" json:"operations"`
}

// MigrateParamsArgs carries params saved by an older version of the
// unit.
type MigrateParamsArgs struct {
	Params map[string]any `cbor:"params" json:"params"`
}

// MigrateParamsResult carries params in the unit's current shape.
type MigrateParamsResult struct {
	Params map[string]any `cbor:"params" json:"params"`
}

// RenderArgs asks the unit to transform an input table.
type RenderArgs struct {
	Params map[string]any `cbor:"params" json:"params"`

	// Input is the table to transform. Nil for the first step.
	Input *Table `cbor:"input,omitempty" json:"input,omitempty"`

	// BasedirPath is a per-invocation directory readable by the unit.
	BasedirPath string `cbor:"basedir_path" json:"basedir_path"`

	// OutputPath is a pre-created file the unit may overwrite with a
	// large result. Paths are as seen inside the chroot.
	OutputPath string `cbor:"output_path" json:"output_path"`

	// FetchResultPath, if set, holds the last fetch output.
	FetchResultPath string `cbor:"fetch_result_path,omitempty" json:"fetch_result_path,omitempty"`
}

// RenderResult is the transformed table plus user-facing messages.
type RenderResult struct {
	Table  *Table         `cbor:"table,omitempty" json:"table,omitempty"`
	Errors []Message      `cbor:"errors,omitempty" json:"errors,omitempty"`
	JSON   map[string]any `cbor:"json,omitempty" json:"json,omitempty"`
}

// FetchArgs asks the unit to fetch data into OutputPath.
type FetchArgs struct {
	Params map[string]any `cbor:"params" json:"params"`

	// Secrets are resolved by the caller and passed through unread.
	Secrets map[string]any `cbor:"secrets,omitempty" json:"-"`

	BasedirPath string `cbor:"basedir_path" json:"basedir_path"`
	OutputPath  string `cbor:"output_path" json:"output_path"`

	// LastFetchResultPath, if set, holds the previous fetch output.
	LastFetchResultPath string `cbor:"last_fetch_result_path,omitempty" json:"last_fetch_result_path,omitempty"`
}

// FetchResult reports messages; the fetched data is in OutputPath.
type FetchResult struct {
	Errors []Message `cbor:"errors,omitempty" json:"errors,omitempty"`
}
