package schema

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/askflow/errors"
)

var windSchema = []byte(`{
	"type": "object",
	"properties": {
		"n": {"type": "integer", "minimum": 0}
	},
	"required": ["n"],
	"additionalProperties": false
}`)

func TestValidateAccepts(t *testing.T) {
	v := NewValidator()
	err := v.Validate(map[string]any{"n": 5}, windSchema)
	assert.NoError(t, err)
}

func TestValidateRejects(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name string
		doc  map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"n": "five"}},
		{"extra property", map[string]any{"n": 5, "extra": true}},
		{"below minimum", map[string]any{"n": -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.doc, windSchema)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrValidation)

			var ve *ValidationError
			require.True(t, stderrors.As(err, &ve))
			assert.NotEmpty(t, ve.Failures)
		})
	}
}

func TestValidateBytes(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateBytes([]byte(`{"n": 5}`), windSchema))
	assert.ErrorIs(t, v.ValidateBytes([]byte(`{"n": -1}`), windSchema), errors.ErrValidation)
}

func TestValidateNoSchemaIsNoop(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate(map[string]any{"anything": true}, nil))
}

func TestValidateBadSchema(t *testing.T) {
	v := NewValidator()
	err := v.Validate(map[string]any{"n": 5}, []byte(`{"type": 42}`))
	require.Error(t, err)
	// Broken schema is a configuration problem, not a document failure
	var ve *ValidationError
	assert.False(t, stderrors.As(err, &ve))
}

func TestValidatorCachesCompiledSchemas(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Validate(map[string]any{"n": 1}, windSchema))
	require.NoError(t, v.Validate(map[string]any{"n": 2}, windSchema))
	assert.Len(t, v.compiled, 1)
}
