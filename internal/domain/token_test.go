package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccessTokenExpired(t *testing.T) {
	now := time.Now()

	expired := &AccessToken{Token: "t", ExpiresAt: now.Unix() - 1}
	require.True(t, expired.Expired(now))

	fresh := &AccessToken{Token: "t", ExpiresAt: now.Unix() + 3600}
	require.False(t, fresh.Expired(now))

	// Inside the safety window counts as expired.
	closeCall := &AccessToken{Token: "t", ExpiresAt: now.Unix() + 30}
	require.True(t, closeCall.Expired(now))

	// A verifier-issued token without expiry stays valid.
	noExpiry := &AccessToken{Token: "t"}
	require.False(t, noExpiry.Expired(now))

	var nilToken *AccessToken
	require.True(t, nilToken.Expired(now))
}

func TestAccessTokenHasScope(t *testing.T) {
	token := &AccessToken{Token: "t", Scopes: []string{"read", "write"}}
	require.True(t, token.HasScope("read"))
	require.False(t, token.HasScope("admin"))
}

func TestStoredTokenExpired(t *testing.T) {
	now := time.Now()

	fresh := &StoredToken{AccessToken: "a", ExpiresAt: now.Add(time.Hour)}
	require.False(t, fresh.Expired(now))

	stale := &StoredToken{AccessToken: "a", ExpiresAt: now.Add(-time.Second)}
	require.True(t, stale.Expired(now))

	// Within the skew window.
	almost := &StoredToken{AccessToken: "a", ExpiresAt: now.Add(30 * time.Second)}
	require.True(t, almost.Expired(now))

	// No expiry information forces a refresh.
	unknown := &StoredToken{AccessToken: "a"}
	require.True(t, unknown.Expired(now))

	empty := &StoredToken{}
	require.True(t, empty.Expired(now))
}
