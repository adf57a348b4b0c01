package domain

import (
	"slices"
	"time"
)

// TokenExpirySkew is the safety window applied to every expiry comparison:
// a token within this window of its expiry is already treated as expired.
const TokenExpirySkew = 60 * time.Second

// AccessToken is a verified token as produced by a TokenVerifier or an
// OAuth token exchange. Callers never construct one ad hoc.
type AccessToken struct {
	Token     string   `json:"token"`
	ClientID  string   `json:"clientId,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	ExpiresAt int64    `json:"expiresAt,omitempty"` // epoch seconds, 0 = not reported
	Resource  string   `json:"resource,omitempty"`
}

// HasScope reports whether the token carries the given scope.
func (t *AccessToken) HasScope(scope string) bool {
	return t != nil && slices.Contains(t.Scopes, scope)
}

// Expired reports whether the token is past its expiry minus the safety
// skew. Tokens that report no expiry are not treated as expired here; the
// issuer vouched for them without a lifetime.
func (t *AccessToken) Expired(now time.Time) bool {
	if t == nil {
		return true
	}
	if t.ExpiresAt == 0 {
		return false
	}
	return now.Unix() > t.ExpiresAt-int64(TokenExpirySkew/time.Second)
}

// StoredToken is the client-side access/refresh pair persisted per resource
// URL.
type StoredToken struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	// ExpiresIn carries the issuer-reported lifetime in seconds; storage
	// derives ExpiresAt from it when the exchange did not set one.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

// Expired applies the shared expiry policy: past expiry minus the skew, or
// no expiry information at all (forces a refresh).
func (t *StoredToken) Expired(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.After(t.ExpiresAt.Add(-TokenExpirySkew))
}
