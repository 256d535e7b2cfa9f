// Package schema compiles embedded JSON Schemas and validates documents
// against them.
package schema

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dealbrain/dealbrain/internal/types"
)

// Schema is a compiled JSON Schema.
type Schema struct {
	name   string
	schema *jsonschema.Schema
}

// Compile parses a draft 2020-12 schema. name identifies it in errors and
// as its resource URL.
func Compile(name string, raw []byte) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	url := "https://schemas.dealbrain.local/" + name
	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft2020)
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("schema %s load failed: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
	}
	return &Schema{name: name, schema: s}, nil
}

// MustCompile is Compile for embedded schemas known to be valid.
func MustCompile(name string, raw []byte) *Schema {
	s, err := Compile(name, raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a JSON document. Failures wrap types.ErrInvalidBundle.
func (s *Schema) Validate(data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", types.ErrInvalidBundle, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrInvalidBundle, s.name, err)
	}
	return nil
}
