// Package schema provides JSON-schema validation of question and answer
// payloads. Services advertise their input and output schemas as JSON
// documents; the invoker validates before sending and the responder
// validates on receipt.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/askflow/errors"
)

// ValidationError reports why a document failed validation against a schema.
type ValidationError struct {
	Failures []string
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %s", strings.Join(ve.Failures, "; "))
}

// Unwrap ties the typed error to the package-level sentinel so callers can
// use errors.Is(err, errors.ErrValidation).
func (ve *ValidationError) Unwrap() error {
	return errors.ErrValidation
}

// Validator validates documents against JSON schemas, caching compiled
// schemas by their source text. Safe for concurrent use.
type Validator struct {
	mu       sync.RWMutex
	compiled map[string]*gojsonschema.Schema
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*gojsonschema.Schema)}
}

// Validate checks document against schemaJSON. A schema that cannot be
// compiled is an invalid-configuration error; a document that fails the
// schema returns a *ValidationError carrying per-field failures.
func (v *Validator) Validate(document any, schemaJSON []byte) error {
	if len(schemaJSON) == 0 {
		// No schema advertised means nothing to enforce.
		return nil
	}

	compiled, err := v.compile(schemaJSON)
	if err != nil {
		return err
	}

	result, err := compiled.Validate(gojsonschema.NewGoLoader(document))
	if err != nil {
		return errors.WrapInvalid(err, "Validator", "Validate", "evaluate document")
	}
	if result.Valid() {
		return nil
	}

	failures := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		failures = append(failures, re.String())
	}
	return &ValidationError{Failures: failures}
}

// ValidateBytes checks a raw JSON document against schemaJSON.
func (v *Validator) ValidateBytes(document, schemaJSON []byte) error {
	if len(schemaJSON) == 0 {
		return nil
	}

	compiled, err := v.compile(schemaJSON)
	if err != nil {
		return err
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return errors.WrapInvalid(err, "Validator", "ValidateBytes", "evaluate document")
	}
	if result.Valid() {
		return nil
	}

	failures := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		failures = append(failures, re.String())
	}
	return &ValidationError{Failures: failures}
}

func (v *Validator) compile(schemaJSON []byte) (*gojsonschema.Schema, error) {
	key := string(schemaJSON)

	v.mu.RLock()
	compiled, ok := v.compiled[key]
	v.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Validator", "compile", "compile schema")
	}

	v.mu.Lock()
	v.compiled[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}
