// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// MaxFileSize bounds what ReadFile accepts. Locked memory is a scarce
// per-process resource (RLIMIT_MEMLOCK).
const MaxFileSize = 1 << 20

// ReadFile reads the whole of a secrets file into a Buffer. The file
// must be a non-empty regular file no larger than MaxFileSize.
func ReadFile(path string) (*Buffer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("secret: %s is not a regular file", path)
	}
	size := info.Size()
	if size == 0 {
		return nil, fmt.Errorf("secret: %s is empty", path)
	}
	if size > MaxFileSize {
		return nil, fmt.Errorf("secret: %s is %d bytes, limit is %d", path, size, MaxFileSize)
	}

	buffer, err := New(int(size))
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(file, buffer.data); err != nil {
		buffer.Close()
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("secret: %s shrank while being read", path)
		}
		return nil, fmt.Errorf("secret: reading %s: %w", path, err)
	}
	return buffer, nil
}
