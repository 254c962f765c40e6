// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/stepkernel/protocol"
)

// maxProcessName is the kernel's comm length less the terminator.
const maxProcessName = 15

func setProcessName(name string) error {
	if len(name) > maxProcessName {
		name = name[:maxProcessName]
	}
	pointer, err := unix.BytePtrFromString(name)
	if err != nil {
		return fmt.Errorf("process name %q: %w", name, err)
	}
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(pointer)), 0, 0, 0); err != nil {
		return fmt.Errorf("setting process name: %w", err)
	}
	return nil
}

// isolate runs inside the mount namespace the forkserver created. It
// stops mount events from propagating back to the host, exposes the
// provide paths read-only under root and changes root.
func isolate(root string, provide []protocol.PathMapping) error {
	if root == "" {
		return fmt.Errorf("no chroot directory")
	}
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making mounts private: %w", err)
	}
	for _, mapping := range provide {
		target, err := chrootTarget(root, mapping.Chroot)
		if err != nil {
			return err
		}
		if err := bindReadOnly(mapping.Host, target); err != nil {
			return err
		}
	}
	if err := unix.Chroot(root); err != nil {
		return fmt.Errorf("chroot %s: %w", root, err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	return nil
}

// scratchRoot is the in-chroot parent of each worker's scratch
// directory.
const scratchRoot = "/var/tmp"

// makeScratch creates a directory only uid can use. It runs after the
// chroot and before the privilege drop, while chown still works; the
// domain's /var/tmp itself stays root-owned.
func makeScratch(uid, gid int) (string, error) {
	if err := os.MkdirAll(scratchRoot, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", scratchRoot, err)
	}
	directory, err := os.MkdirTemp(scratchRoot, "worker-*")
	if err != nil {
		return "", fmt.Errorf("creating scratch directory: %w", err)
	}
	if err := os.Chown(directory, uid, gid); err != nil {
		os.Remove(directory)
		return "", fmt.Errorf("chown scratch directory %s: %w", directory, err)
	}
	return directory, nil
}

// chrootTarget joins an absolute in-chroot path onto root, refusing
// anything that would land outside it.
func chrootTarget(root, chrootPath string) (string, error) {
	if !filepath.IsAbs(chrootPath) {
		return "", fmt.Errorf("provide path %q is not absolute", chrootPath)
	}
	cleaned := filepath.Clean(chrootPath)
	if cleaned == "/" {
		return "", fmt.Errorf("provide path may not replace the chroot root")
	}
	target := filepath.Join(root, cleaned)
	if !strings.HasPrefix(target, filepath.Clean(root)+"/") {
		return "", fmt.Errorf("provide path %q escapes the chroot", chrootPath)
	}
	return target, nil
}

func bindReadOnly(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("provide path: %w", err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("creating mount point %s: %w", target, err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating mount point parent %s: %w", target, err)
		}
		file, err := os.OpenFile(target, os.O_CREATE|os.O_RDONLY, 0o644)
		if err != nil {
			return fmt.Errorf("creating mount point %s: %w", target, err)
		}
		file.Close()
	}
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mounting %s: %w", source, err)
	}
	// MS_RDONLY is ignored on the initial bind; it takes a remount.
	if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, ""); err != nil {
		return fmt.Errorf("remounting %s read-only: %w", target, err)
	}
	return nil
}

// dropPrivileges switches every thread to uid and gid with no
// supplementary groups. Order matters: groups and GID first, while
// still privileged.
func dropPrivileges(uid, gid int) error {
	if uid <= 0 || gid <= 0 {
		return fmt.Errorf("refusing to run as uid %d gid %d", uid, gid)
	}
	if err := unix.Setgroups(nil); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("setresgid %d: %w", gid, err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("setresuid %d: %w", uid, err)
	}
	return nil
}
