package accounts

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	accts, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, accts)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "accounts.json")
	store := NewStore(path)

	in := []*Account{{
		Email:        "alice@example.com",
		Source:       "oauth",
		RefreshToken: "rt-1",
		ProjectID:    "proj-1",
		Enabled:      true,
		ModelRateLimits: map[string]*RateLimit{
			"claude-3-5-sonnet": {IsRateLimited: true, ResetEpochMs: 12345},
		},
		Subscription: &Subscription{Tier: "pro", ProjectID: "proj-sub"},
	}}
	require.NoError(t, store.Save(in))

	out, err := store.Load()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "alice@example.com", out[0].Email)
	assert.Equal(t, "rt-1", out[0].RefreshToken)
	assert.True(t, out[0].ModelRateLimits["claude-3-5-sonnet"].IsRateLimited)
	assert.Equal(t, int64(12345), out[0].ModelRateLimits["claude-3-5-sonnet"].ResetEpochMs)
	assert.Equal(t, "proj-sub", out[0].Project(), "subscription project wins")
}

func TestStore_LoadInitializesRateLimitMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	store := NewStore(path)
	require.NoError(t, store.Save([]*Account{{Email: "a@example.com", Enabled: true}}))

	out, err := store.Load()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NotNil(t, out[0].ModelRateLimits)
}
