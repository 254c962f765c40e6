// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestNewIsZeroed(t *testing.T) {
	buffer, err := New(64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buffer.Close()

	if buffer.Len() != 64 {
		t.Errorf("Len = %d, want 64", buffer.Len())
	}
	if !bytes.Equal(buffer.Bytes(), make([]byte, 64)) {
		t.Error("new buffer is not zero-filled")
	}

	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) succeeded", size)
		}
	}
}

func TestNewFromBytesZeroesSource(t *testing.T) {
	source := []byte(`{"token": "s3cret"}`)
	want := string(source)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if string(buffer.Bytes()) != want {
		t.Errorf("buffer = %q, want %q", buffer.Bytes(), want)
	}
	if !bytes.Equal(source, make([]byte, len(source))) {
		t.Errorf("source not zeroed: %q", source)
	}

	if _, err := NewFromBytes(nil); err == nil {
		t.Error("empty source accepted")
	}
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	buffer, err := NewFromBytes([]byte("token"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if buffer.Len() != 0 {
		t.Errorf("Len after Close = %d", buffer.Len())
	}

	defer func() {
		if recover() == nil {
			t.Error("Bytes after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestReadFile(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "secrets.json")
	content := []byte("{\"token\": \"s3cret\"}\n")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}

	buffer, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	defer buffer.Close()
	if !bytes.Equal(buffer.Bytes(), content) {
		t.Errorf("ReadFile = %q, want %q", buffer.Bytes(), content)
	}
}

func TestReadFileRejects(t *testing.T) {
	directory := t.TempDir()
	empty := filepath.Join(directory, "empty")
	if err := os.WriteFile(empty, nil, 0600); err != nil {
		t.Fatal(err)
	}
	large := filepath.Join(directory, "large")
	if err := os.WriteFile(large, make([]byte, MaxFileSize+1), 0600); err != nil {
		t.Fatal(err)
	}

	for name, path := range map[string]string{
		"missing":   filepath.Join(directory, "missing"),
		"empty":     empty,
		"too large": large,
		"directory": directory,
	} {
		if buffer, err := ReadFile(path); err == nil {
			buffer.Close()
			t.Errorf("%s: ReadFile succeeded", name)
		}
	}
}
