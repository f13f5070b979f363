// Package schema compiles JSON Schema documents into structural validators
// for agent output. Compiled schemas also expose a canonical byte form
// (stable key order, original number representation) so that logically equal
// schemas hash identically in the provider recorder.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Schema is a compiled structural validator.
	Schema struct {
		compiled  *jsonschema.Schema
		canonical []byte
	}

	// ValidationError reports a value that does not satisfy its schema. Path
	// locates the offending value as a JSON pointer.
	ValidationError struct {
		Message string
		Path    string
	}
)

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Path != "" && e.Path != "/" {
		return fmt.Sprintf("validation failed at %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// AsValidationError unwraps err into a ValidationError when possible.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Parse compiles a JSON Schema document. The returned schema is immutable
// and safe for concurrent use.
func Parse(src string) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	canonical, err := Canonicalize([]byte(src))
	if err != nil {
		return nil, err
	}
	return &Schema{compiled: compiled, canonical: canonical}, nil
}

// MustParse is Parse for schemas known at compile time; it panics on error.
func MustParse(src string) *Schema {
	s, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a decoded JSON value against the schema. Values must be
// the result of DecodeValue or an equivalent decoding. A nil schema accepts
// everything.
func (s *Schema) Validate(v any) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	err := s.compiled.Validate(v)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		return &ValidationError{
			Message: err.Error(),
			Path:    "/" + strings.Join(leaf.InstanceLocation, "/"),
		}
	}
	return &ValidationError{Message: err.Error()}
}

// Canonical returns the canonical byte form of the schema document. The
// result is nil for a nil schema.
func (s *Schema) Canonical() []byte {
	if s == nil {
		return nil
	}
	return append([]byte(nil), s.canonical...)
}

// DecodeValue decodes raw JSON into the value shape Validate expects:
// map[string]any, []any, json.Number, string, bool or nil. Number
// representation is preserved.
func DecodeValue(raw []byte) (any, error) {
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// Canonicalize rewrites raw JSON into its canonical form: object keys
// sorted, insignificant whitespace removed, number representation kept. Two
// logically equal documents canonicalize to identical bytes.
func Canonicalize(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	v, err := DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	// encoding/json writes object keys sorted and json.Number values as their
	// original literal, which is exactly the canonical form.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}
