package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/askflow/errors"
	"github.com/c360/askflow/testutil"
)

func TestIdentityRoundTrip(t *testing.T) {
	store := testutil.NewMemStore()
	ctx := context.Background()

	id := Identity{
		Service:     "wind-analyzer",
		Revision:    "1.4.0",
		InputSchema: []byte(`{"type":"object"}`),
	}
	require.NoError(t, PublishIdentity(ctx, store, id))

	got, err := LookupIdentity(ctx, store, "wind-analyzer")
	require.NoError(t, err)
	assert.Equal(t, "wind-analyzer", got.Service)
	assert.Equal(t, "1.4.0", got.Revision)
	assert.JSONEq(t, `{"type":"object"}`, string(got.InputSchema))
}

func TestPublishIdentityRequiresService(t *testing.T) {
	err := PublishIdentity(context.Background(), testutil.NewMemStore(), Identity{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLookupIdentityUnknownService(t *testing.T) {
	_, err := LookupIdentity(context.Background(), testutil.NewMemStore(), "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestIdentityKey(t *testing.T) {
	assert.Equal(t, "services/wind-analyzer/identity.json", IdentityKey("wind-analyzer"))
}
