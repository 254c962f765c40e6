// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/stepkernel/lib/codec"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "timeout", err: &TimeoutError{Operation: "render", Timeout: time.Second}, want: "timed out"},
		{name: "wrapped timeout", err: fmt.Errorf("step 3: %w", &TimeoutError{}), want: "timed out"},
		{name: "sigkill", err: &ExitedAbnormallyError{ExitCode: -9}, want: "SIGKILL"},
		{name: "sigsegv", err: &ExitedAbnormallyError{ExitCode: -11, Log: "segfault"}, want: "SIGSEGV"},
		{
			name: "exit 1 with log",
			err:  &ExitedAbnormallyError{ExitCode: 1, Log: "reading input\nValueError: bad column\n\n"},
			want: "exit code 1: ValueError: bad column",
		},
		{name: "exit 2 without log", err: &ExitedAbnormallyError{ExitCode: 2}, want: "exit code 2"},
		{
			name: "exit 0 invalid result",
			err:  &ExitedAbnormallyError{Log: "done", Err: codec.ErrTruncated},
			want: "exit code 0: invalid result",
		},
		{name: "compile", err: &CompileError{Name: "x", Reason: "code is empty"}, want: "compile error: code is empty"},
		{name: "violation", err: &SecurityViolationError{Path: "/o", Reason: "was replaced by a symlink"}, want: "security violation"},
		{name: "misbehavior", err: &MisbehaviorError{Path: "/o", Reason: "was deleted"}, want: "misbehaved: was deleted"},
		{name: "other", err: errors.New("fork: resource temporarily unavailable"), want: "internal error"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Describe(test.err); got != test.want {
				t.Errorf("Describe = %q, want %q", got, test.want)
			}
		})
	}
}

func TestExitedAbnormallyErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("render: %w", &ExitedAbnormallyError{Err: codec.ErrTrailingData})
	if !errors.Is(err, codec.ErrTrailingData) {
		t.Errorf("errors.Is(%v, ErrTrailingData) = false", err)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{&TimeoutError{}, OutcomeTimeout},
		{&ExitedAbnormallyError{ExitCode: 1}, OutcomeExitedAbnormally},
		{&SecurityViolationError{}, OutcomeSecurityViolation},
		{&MisbehaviorError{}, OutcomeMisbehavior},
		{errors.New("spawn failed"), OutcomeError},
	}
	for _, test := range tests {
		if got := outcome(test.err); got != test.want {
			t.Errorf("outcome(%v) = %q, want %q", test.err, got, test.want)
		}
	}
}
