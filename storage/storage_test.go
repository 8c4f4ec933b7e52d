package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/askflow/errors"
)

func TestParseURI(t *testing.T) {
	u, err := ParseURI("nats://analysis-data/input/wind.csv")
	require.NoError(t, err)
	assert.Equal(t, "analysis-data", u.Bucket)
	assert.Equal(t, "input/wind.csv", u.Key)
	assert.Equal(t, "nats://analysis-data/input/wind.csv", u.String())
}

func TestParseURIRejectsMalformed(t *testing.T) {
	tests := []string{
		"",
		"analysis-data/input/wind.csv",
		"s3://bucket/key",
		"nats://bucket-only",
		"nats:///key-only",
	}
	for _, raw := range tests {
		_, err := ParseURI(raw)
		require.Error(t, err, "input %q", raw)
		assert.True(t, errors.IsInvalid(err))
	}
}
