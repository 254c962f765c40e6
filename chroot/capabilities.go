// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chroot

import (
	"os"
	"os/exec"
	"strings"
)

// Capabilities describes which isolation features this host supports.
type Capabilities struct {
	// Root is true when running with effective UID 0. Chroot, the
	// privilege drop and kernel overlayfs all need it.
	Root bool `json:"root"`

	// KernelOverlay is true if /proc/filesystems lists overlay.
	KernelOverlay bool `json:"kernel_overlay"`

	// FuseOverlayfsPath is the path to fuse-overlayfs, if installed.
	FuseOverlayfsPath string `json:"fuse_overlayfs_path,omitempty"`

	// UserNamespacesEnabled is false when the unprivileged_userns_clone
	// sysctl is 0.
	UserNamespacesEnabled bool `json:"user_namespaces_enabled"`
}

// DetectCapabilities inspects the host.
func DetectCapabilities() *Capabilities {
	caps := &Capabilities{
		Root:                  os.Geteuid() == 0,
		KernelOverlay:         kernelSupportsOverlay(),
		UserNamespacesEnabled: checkUserNamespaces(),
	}
	if path, err := exec.LookPath("fuse-overlayfs"); err == nil {
		caps.FuseOverlayfsPath = path
	}
	return caps
}

// CanMountOverlay reports whether NewOverlayMounter will succeed.
func (c *Capabilities) CanMountOverlay() bool {
	return (c.Root && c.KernelOverlay) || c.FuseOverlayfsPath != ""
}

// CanIsolate reports whether workers can be chrooted and have their
// privileges dropped.
func (c *Capabilities) CanIsolate() bool {
	return c.Root
}

// SkipReason returns a human-readable reason why isolated execution is
// not available, or "" if it is.
func (c *Capabilities) SkipReason() string {
	if !c.Root {
		return "not running as root (chroot and setresuid need CAP_SYS_CHROOT and CAP_SETUID)"
	}
	if !c.CanMountOverlay() {
		return "neither kernel overlayfs nor fuse-overlayfs is available"
	}
	return ""
}

func checkUserNamespaces() bool {
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err != nil {
		// File not existing usually means userns is allowed.
		return true
	}
	return strings.TrimSpace(string(data)) != "0"
}
