// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

// Package seccomp installs the worker's syscall deny list. It is kept
// apart from package worker because libseccomp needs cgo; only the
// worker binary links it.
package seccomp

import (
	"fmt"

	libseccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// DenyList is the set of syscalls a unit may never make. They fail
// with EPERM rather than killing the process so the unit can report
// what it tried.
var DenyList = []string{
	"acct",
	"add_key",
	"bpf",
	"clock_adjtime",
	"clock_settime",
	"delete_module",
	"finit_module",
	"fsconfig",
	"fsmount",
	"fsopen",
	"init_module",
	"kexec_file_load",
	"kexec_load",
	"keyctl",
	"mount",
	"move_mount",
	"open_by_handle_at",
	"open_tree",
	"perf_event_open",
	"pivot_root",
	"process_vm_readv",
	"process_vm_writev",
	"ptrace",
	"quotactl",
	"reboot",
	"request_key",
	"setdomainname",
	"sethostname",
	"setns",
	"settimeofday",
	"swapoff",
	"swapon",
	"syslog",
	"umount2",
	"unshare",
	"userfaultfd",
}

// Install loads a filter that allows everything except DenyList into
// every thread of the process. It sets no_new_privs first, which also
// keeps the filter across exec.
func Install() error {
	filter, err := libseccomp.NewFilter(libseccomp.ActAllow)
	if err != nil {
		return fmt.Errorf("creating seccomp filter: %w", err)
	}
	defer filter.Release()

	if err := filter.SetTsync(true); err != nil {
		return fmt.Errorf("enabling filter thread sync: %w", err)
	}

	deny := libseccomp.ActErrno.SetReturnCode(int16(unix.EPERM))
	for _, name := range DenyList {
		call, err := libseccomp.GetSyscallFromName(name)
		if err != nil {
			// Not present on this architecture.
			continue
		}
		if err := filter.AddRule(call, deny); err != nil {
			return fmt.Errorf("adding seccomp rule for %s: %w", name, err)
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("setting no_new_privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("loading seccomp filter: %w", err)
	}
	return nil
}
