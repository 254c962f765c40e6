// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chroot manages isolation domains: overlay filesystems whose
// writable layer is emptied before and after every use.
//
// A domain is a [Chroot]: a read-only base layer shared by all domains,
// an upper layer that receives every write, and the merged root a
// worker chroots into. The upper layer is the only record of what
// changed, so clearing a domain walks upper and deletes each entry
// through root. Deleting through root keeps the overlay consistent;
// touching upper directly while it is mounted is undefined.
//
// A domain is used through a lease, [Context], obtained from
// [Chroot.Acquire]. Only one lease per domain may exist at a time.
// A second Acquire while a lease is open is a programming error and
// panics. Acquire and [Context.Close] both clear the domain, so a lease
// always starts pristine even after an unclean shutdown.
//
// A lease hands out temporary directories and files inside the root
// (visible to the worker under /var/tmp) and writable grants over
// pre-existing files:
//
//	lease, err := domain.Acquire()
//	if err != nil {
//		return err
//	}
//	defer lease.Close()
//
//	scratch, err := lease.TempDirectory("render")
//	output, err := lease.TempFile(scratch.HostPath, "output")
//	grant, err := lease.GrantWritable(output.HostPath)
//	// ... run the worker ...
//	if err := grant.Release(); err != nil {
//		return err // *SecurityViolationError or *MisbehaviorError
//	}
//
// [OverlayMounter] mounts and unmounts the overlay itself, with kernel
// overlayfs when running as root and fuse-overlayfs otherwise.
// [DetectCapabilities] reports which of those are available.
package chroot
