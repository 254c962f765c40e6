// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func repetitive() []byte {
	return bytes.Repeat([]byte("render: column A, column B, column C\n"), 512)
}

func TestRoundTrip(t *testing.T) {
	data := repetitive()
	for _, tag := range []Tag{None, LZ4, Zstd} {
		t.Run(tag.String(), func(t *testing.T) {
			compressed, err := Compress(data, tag)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if tag != None && len(compressed) >= len(data) {
				t.Errorf("compressed size %d not smaller than %d", len(compressed), len(data))
			}
			restored, err := Decompress(compressed, tag, len(data))
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(restored, data) {
				t.Error("round trip altered data")
			}
		})
	}
}

func TestIncompressible(t *testing.T) {
	data := make([]byte, 4096)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	if _, err := Compress(data, Zstd); !errors.Is(err, ErrIncompressible) {
		t.Errorf("Compress(random, zstd) error = %v, want ErrIncompressible", err)
	}

	payload, tag, err := Auto(data)
	if err != nil {
		t.Fatalf("Auto: %v", err)
	}
	if tag != None || !bytes.Equal(payload, data) {
		t.Errorf("Auto(random) = tag %s, want none with original data", tag)
	}
}

func TestAutoPicksZstdForText(t *testing.T) {
	data := repetitive()
	payload, tag, err := Auto(data)
	if err != nil {
		t.Fatalf("Auto: %v", err)
	}
	if tag != Zstd {
		t.Errorf("Auto tag = %s, want zstd", tag)
	}
	restored, err := Decompress(payload, tag, len(data))
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(restored, data) {
		t.Error("round trip altered data")
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	data := repetitive()
	compressed, err := Compress(data, Zstd)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if _, err := Decompress(compressed, Zstd, len(data)+1); err == nil {
		t.Error("expected size mismatch error")
	}
	if _, err := Decompress(data, None, len(data)-1); err == nil {
		t.Error("expected size mismatch error for none")
	}
}

func TestParseTag(t *testing.T) {
	tests := []struct {
		input    string
		wantTag  Tag
		wantAuto bool
		wantErr  bool
	}{
		{input: "none", wantTag: None},
		{input: "lz4", wantTag: LZ4},
		{input: "zstd", wantTag: Zstd},
		{input: "auto", wantAuto: true},
		{input: "", wantAuto: true},
		{input: "gzip", wantErr: true},
	}
	for _, test := range tests {
		tag, auto, err := ParseTag(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseTag(%q) error = %v, wantErr %v", test.input, err, test.wantErr)
			continue
		}
		if tag != test.wantTag || auto != test.wantAuto {
			t.Errorf("ParseTag(%q) = (%s, %v), want (%s, %v)", test.input, tag, auto, test.wantTag, test.wantAuto)
		}
	}
}
