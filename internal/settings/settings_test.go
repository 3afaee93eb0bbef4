package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Defaults(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	assert.Equal(t, DefaultCacheTTL, m.CacheTTL(ctx))
	assert.Empty(t, m.APIKey(ctx))
	assert.False(t, m.RestrictedAccess(ctx))
	assert.False(t, m.ExperimentalAPIsEnabled(ctx))
	assert.Empty(t, m.CurrentUserID(ctx))
}

func TestMemory_TTLGuardsNonPositive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SetCacheTTL(ctx, 0))
	assert.Equal(t, DefaultCacheTTL, m.CacheTTL(ctx))

	require.NoError(t, m.SetCacheTTL(ctx, 30*time.Second))
	assert.Equal(t, 30*time.Second, m.CacheTTL(ctx))
}

func TestMemory_APIKeyRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SetAPIKey(ctx, "k-1"))
	assert.Equal(t, "k-1", m.APIKey(ctx))

	require.NoError(t, m.ClearAPIKey(ctx))
	assert.Empty(t, m.APIKey(ctx))
}

func TestMemory_Flags(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SetRestrictedAccess(ctx, true))
	assert.True(t, m.RestrictedAccess(ctx))
	require.NoError(t, m.SetRestrictedAccess(ctx, false))
	assert.False(t, m.RestrictedAccess(ctx))

	require.NoError(t, m.SetExperimentalAPIs(ctx, true))
	assert.True(t, m.ExperimentalAPIsEnabled(ctx))

	require.NoError(t, m.SetCurrentUserID(ctx, "42"))
	assert.Equal(t, "42", m.CurrentUserID(ctx))
}
