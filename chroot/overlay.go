// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chroot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Filesystem magic numbers reported by statfs(2).
const (
	overlayfsMagic = 0x794c7630
	fuseMagic      = 0x65735546
)

// Overlay is the set of directories making up one overlay mount.
type Overlay struct {
	Lower  string
	Upper  string
	Work   string
	Merged string
}

// OverlayMounter mounts domain overlays. As root it uses kernel
// overlayfs through mount(2); otherwise it runs fuse-overlayfs.
//
// Security invariant: the lower layer is never writable through the
// mount, and the upper and work directories belong to the domain
// alone.
type OverlayMounter struct {
	kernel        bool
	fuseBin       string
	fusermountBin string
	logger        *slog.Logger
}

// NewOverlayMounter picks the mount mechanism. Returns an error when
// not running as root and fuse-overlayfs is not installed, rather than
// falling back to an unlayered root.
func NewOverlayMounter(logger *slog.Logger) (*OverlayMounter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if os.Geteuid() == 0 && kernelSupportsOverlay() {
		return &OverlayMounter{kernel: true, logger: logger}, nil
	}

	fuseBin, err := exec.LookPath("fuse-overlayfs")
	if err != nil {
		return nil, fmt.Errorf("fuse-overlayfs not found and kernel overlayfs needs root: %w\n\n"+
			"Install with: sudo apt install fuse-overlayfs", err)
	}
	fusermountBin, err := exec.LookPath("fusermount3")
	if err != nil {
		fusermountBin, err = exec.LookPath("fusermount")
		if err != nil {
			return nil, fmt.Errorf("fusermount/fusermount3 not found: %w\n\n"+
				"Install with: sudo apt install fuse3", err)
		}
	}
	return &OverlayMounter{fuseBin: fuseBin, fusermountBin: fusermountBin, logger: logger}, nil
}

// validateOverlayPath rejects paths that would corrupt the mount
// option string. Options are comma-separated and cannot be escaped, so
// "lowerdir=/tmp,upperdir=/etc" would smuggle in a second upperdir.
func validateOverlayPath(path, fieldName string) error {
	if path == "" {
		return fmt.Errorf("%s path is empty", fieldName)
	}
	if strings.Contains(path, ",") {
		return fmt.Errorf("%s path %q contains a comma, which separates overlay mount options", fieldName, path)
	}
	if strings.ContainsAny(path, "\x00\n\r") {
		return fmt.Errorf("%s path %q contains invalid characters (null or newline)", fieldName, path)
	}
	return nil
}

func (o Overlay) options() (string, error) {
	for _, entry := range []struct{ field, path string }{
		{"lower", o.Lower}, {"upper", o.Upper}, {"work", o.Work}, {"merged", o.Merged},
	} {
		if err := validateOverlayPath(entry.path, entry.field); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", o.Lower, o.Upper, o.Work), nil
}

// Mount creates the upper, work and merged directories if needed and
// mounts the overlay on Merged. It returns once the mount is visible.
func (m *OverlayMounter) Mount(overlay Overlay) error {
	options, err := overlay.options()
	if err != nil {
		return err
	}
	for _, directory := range []string{overlay.Upper, overlay.Work, overlay.Merged} {
		if err := os.MkdirAll(directory, 0755); err != nil {
			return fmt.Errorf("creating overlay directory %s: %w", directory, err)
		}
	}

	if mounted, _ := IsOverlayMounted(overlay.Merged); mounted {
		m.logger.Debug("overlay already mounted", "merged", overlay.Merged)
		return nil
	}

	if m.kernel {
		if err := unix.Mount("overlay", overlay.Merged, "overlay", unix.MS_NOSUID|unix.MS_NODEV, options); err != nil {
			return fmt.Errorf("mounting overlay on %s: %w", overlay.Merged, err)
		}
		if err := waitForMount(overlay.Merged, overlayfsMagic); err != nil {
			unix.Unmount(overlay.Merged, unix.MNT_DETACH)
			return err
		}
	} else {
		args := []string{"-o", options, overlay.Merged}
		output, err := exec.Command(m.fuseBin, args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("fuse-overlayfs failed: %w\nOutput: %s\nCommand: %s %v",
				err, string(output), m.fuseBin, args)
		}
		// Wait for FUSE to register the filesystem so that a worker
		// chrooting right after Mount sees the merged view.
		if err := waitForMount(overlay.Merged, fuseMagic); err != nil {
			exec.Command(m.fusermountBin, "-u", overlay.Merged).Run()
			return err
		}
	}

	m.logger.Info("mounted domain overlay",
		"merged", overlay.Merged,
		"lower", overlay.Lower,
		"upper", overlay.Upper,
		"kernel_overlayfs", m.kernel,
	)
	return nil
}

// Unmount detaches the overlay at merged, falling back to a lazy
// unmount if the mount is busy.
func (m *OverlayMounter) Unmount(merged string) error {
	if m.kernel {
		if err := unix.Unmount(merged, 0); err != nil {
			if errors.Is(err, unix.EINVAL) {
				return nil // not mounted
			}
			if err2 := unix.Unmount(merged, unix.MNT_DETACH); err2 != nil {
				return fmt.Errorf("unmounting %s: %w (lazy: %v)", merged, err, err2)
			}
		}
		return nil
	}

	output, err := exec.Command(m.fusermountBin, "-u", merged).CombinedOutput()
	if err != nil {
		output2, err2 := exec.Command(m.fusermountBin, "-u", "-z", merged).CombinedOutput()
		if err2 != nil {
			return fmt.Errorf("unmounting %s: %w\n%s\n%s", merged, err, string(output), string(output2))
		}
	}
	return nil
}

// IsOverlayMounted reports whether path is the root of an overlayfs or
// FUSE mount.
func IsOverlayMounted(path string) (bool, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return false, err
	}
	return isOverlayMagic(int64(stat.Type)), nil
}

func isOverlayMagic(magic int64) bool {
	return magic == overlayfsMagic || magic == fuseMagic
}

// waitForMount polls statfs until path reports the expected filesystem.
func waitForMount(path string, magic int64) error {
	const maxAttempts = 50 // 50 * 20ms = 1 second max wait
	const sleepInterval = 20 * time.Millisecond

	for i := 0; i < maxAttempts; i++ {
		var stat unix.Statfs_t
		if err := unix.Statfs(path, &stat); err == nil && int64(stat.Type) == magic {
			return nil
		}
		time.Sleep(sleepInterval)
	}
	return fmt.Errorf("timeout waiting for overlay mount at %s (waited %v)", path, maxAttempts*sleepInterval)
}

func kernelSupportsOverlay() bool {
	data, err := os.ReadFile("/proc/filesystems")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[len(fields)-1] == "overlay" {
			return true
		}
	}
	return false
}
