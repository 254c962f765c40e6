// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chroot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func newGrantTarget(t *testing.T, mode os.FileMode) (*Context, string) {
	t.Helper()
	domain := newTestDomain(t, UIDRange{})
	lease, err := domain.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { lease.Close() })

	scratch, err := lease.TempDirectory("grant")
	if err != nil {
		t.Fatalf("TempDirectory: %v", err)
	}
	output, err := lease.TempFile(scratch.HostPath, "output")
	if err != nil {
		t.Fatalf("TempFile: %v", err)
	}
	if err := os.Chmod(output.HostPath, mode); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	return lease, output.HostPath
}

func fileMode(t *testing.T, path string) os.FileMode {
	t.Helper()
	info, err := os.Lstat(path)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	return info.Mode()
}

func TestGrantWritableRestoresMode(t *testing.T) {
	lease, path := newGrantTarget(t, 0640)

	grant, err := lease.GrantWritable(path)
	if err != nil {
		t.Fatalf("GrantWritable: %v", err)
	}
	if got := fileMode(t, path).Perm(); got != 0666 {
		t.Errorf("mode during grant = %v, want 0666", got)
	}

	// The worker writes its output.
	if err := os.WriteFile(path, []byte("rows"), 0); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := grant.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := fileMode(t, path).Perm(); got != 0640 {
		t.Errorf("mode after release = %v, want 0640", got)
	}
	if err := grant.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestGrantReleaseSymlink(t *testing.T) {
	lease, path := newGrantTarget(t, 0644)
	grant, err := lease.GrantWritable(path)
	if err != nil {
		t.Fatalf("GrantWritable: %v", err)
	}

	secret := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secret, []byte("host data"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := os.Symlink(secret, path); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	err = grant.Release()
	var violation *SecurityViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("Release error = %v, want *SecurityViolationError", err)
	}
	if violation.Path != path {
		t.Errorf("violation path = %q, want %q", violation.Path, path)
	}
	if got := fileMode(t, secret).Perm(); got != 0600 {
		t.Errorf("symlink target mode changed to %v", got)
	}
}

func TestGrantReleaseNonRegular(t *testing.T) {
	tests := []struct {
		name    string
		replace func(path string) error
	}{
		{name: "fifo", replace: func(path string) error { return unix.Mkfifo(path, 0666) }},
		{name: "directory", replace: func(path string) error { return os.Mkdir(path, 0755) }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			lease, path := newGrantTarget(t, 0644)
			grant, err := lease.GrantWritable(path)
			if err != nil {
				t.Fatalf("GrantWritable: %v", err)
			}
			if err := os.Remove(path); err != nil {
				t.Fatalf("Remove: %v", err)
			}
			if err := test.replace(path); err != nil {
				t.Fatalf("replace: %v", err)
			}

			var violation *SecurityViolationError
			if err := grant.Release(); !errors.As(err, &violation) {
				t.Fatalf("Release error = %v, want *SecurityViolationError", err)
			}
		})
	}
}

func TestGrantReleaseDeleted(t *testing.T) {
	lease, path := newGrantTarget(t, 0644)
	grant, err := lease.GrantWritable(path)
	if err != nil {
		t.Fatalf("GrantWritable: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	var misbehavior *MisbehaviorError
	if err := grant.Release(); !errors.As(err, &misbehavior) {
		t.Fatalf("Release error = %v, want *MisbehaviorError", err)
	}
}

func TestGrantWritableRejectsSymlink(t *testing.T) {
	lease, path := newGrantTarget(t, 0644)
	link := path + ".link"
	if err := os.Symlink(path, link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if _, err := lease.GrantWritable(link); err == nil {
		t.Fatal("GrantWritable followed a symlink")
	}
	if got := fileMode(t, path).Perm(); got != 0644 {
		t.Errorf("symlink target mode changed to %v", got)
	}
}
