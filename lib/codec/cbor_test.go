// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type sampleInvocation struct {
	Operation string     `cbor:"operation"`
	Unit      string     `cbor:"unit,omitempty"`
	Args      RawMessage `cbor:"args,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{"zeta": 1, "alpha": []any{"x", 2}, "mid": true}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestRawMessageDefersDecoding(t *testing.T) {
	args, err := Marshal(map[string]any{"column": "A", "limit": 10})
	if err != nil {
		t.Fatalf("Marshal args: %v", err)
	}
	data, err := Marshal(sampleInvocation{Operation: "render", Args: args})
	if err != nil {
		t.Fatalf("Marshal invocation: %v", err)
	}

	var decoded sampleInvocation
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal invocation: %v", err)
	}
	if !bytes.Equal(decoded.Args, args) {
		t.Fatalf("args changed in transit: %x != %x", decoded.Args, args)
	}

	var params map[string]any
	if err := Unmarshal(decoded.Args, &params); err != nil {
		t.Fatalf("Unmarshal args: %v", err)
	}
	if params["column"] != "A" {
		t.Errorf("column = %v, want A", params["column"])
	}
}

func TestUnmarshalRejectsDuplicateKeys(t *testing.T) {
	// {"a": 1, "a": 2}
	data := []byte{0xa2, 0x61, 'a', 0x01, 0x61, 'a', 0x02}
	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err == nil {
		t.Fatal("expected duplicate key error, got nil")
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(sampleInvocation{Operation: "fetch"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	text, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !bytes.Contains([]byte(text), []byte(`"fetch"`)) {
		t.Errorf("diagnostic %q does not mention the operation", text)
	}
}
