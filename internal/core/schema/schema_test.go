package schema

import (
	"errors"
	"testing"

	"github.com/dealbrain/dealbrain/internal/types"
)

const testSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {"name": {"type": "string", "minLength": 1}}
}`

func TestValidate(t *testing.T) {
	s := MustCompile("test.schema.json", []byte(testSchema))

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"valid", `{"name": "x"}`, false},
		{"missing required", `{}`, true},
		{"wrong type", `{"name": 3}`, true},
		{"malformed", `{"name":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate([]byte(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, types.ErrInvalidBundle) {
				t.Errorf("error %v does not wrap ErrInvalidBundle", err)
			}
		})
	}
}

func TestCanonicalHash_IgnoresFormatting(t *testing.T) {
	a, err := CanonicalHash([]byte(`{"b": 1, "a": [1, 2, {"y": true, "x": null}]}`))
	if err != nil {
		t.Fatalf("CanonicalHash() error = %v", err)
	}
	b, err := CanonicalHash([]byte("{\n  \"a\": [1,2,{\"x\":null,\"y\":true}],\n  \"b\": 1.0\n}"))
	if err != nil {
		t.Fatalf("CanonicalHash() error = %v", err)
	}
	if a != b {
		t.Errorf("hashes differ: %s vs %s", a, b)
	}

	c, _ := CanonicalHash([]byte(`{"a": [2, 1], "b": 1}`))
	if c == a {
		t.Error("different content produced the same hash")
	}
}
