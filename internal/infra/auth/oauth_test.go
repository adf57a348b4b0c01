package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"mcphub/internal/domain"
)

func TestWellKnownURL(t *testing.T) {
	got, err := wellKnownURL("https://api.example.com/mcp/v1", "oauth-protected-resource")
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/.well-known/oauth-protected-resource/mcp/v1", got)

	got, err = wellKnownURL("https://api.example.com", "oauth-protected-resource")
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/.well-known/oauth-protected-resource", got)
}

func TestFetchProtectedResourceMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource/protected", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(protectedResourceMetadata{
			Resource:             "protected",
			AuthorizationServers: []string{"https://auth.example.com"},
		})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client := NewOAuthClient(OAuthOptions{})

	prm, err := client.fetchProtectedResourceMetadata(context.Background(), ts.URL+"/protected")
	require.NoError(t, err)
	require.NotNil(t, prm)
	require.Equal(t, []string{"https://auth.example.com"}, prm.AuthorizationServers)

	// No metadata document means anonymous access, not an error.
	prm, err = client.fetchProtectedResourceMetadata(context.Background(), ts.URL+"/open")
	require.NoError(t, err)
	require.Nil(t, prm)
}

func TestDiscoverAuthorizationAnonymous(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	client := NewOAuthClient(OAuthOptions{})
	meta, err := client.DiscoverAuthorization(context.Background(), ts.URL)
	require.NoError(t, err)
	require.Nil(t, meta)
}

func TestDiscoverAuthorizationResolvesServerMetadata(t *testing.T) {
	authMux := http.NewServeMux()
	authSrv := httptest.NewServer(authMux)
	t.Cleanup(authSrv.Close)
	authMux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(AuthServerMetadata{
			Issuer:                authSrv.URL,
			AuthorizationEndpoint: authSrv.URL + "/authorize",
			TokenEndpoint:         authSrv.URL + "/token",
			RegistrationEndpoint:  authSrv.URL + "/register",
		})
	})

	resMux := http.NewServeMux()
	resSrv := httptest.NewServer(resMux)
	t.Cleanup(resSrv.Close)
	resMux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(protectedResourceMetadata{
			Resource:             resSrv.URL,
			AuthorizationServers: []string{authSrv.URL},
		})
	})

	client := NewOAuthClient(OAuthOptions{})
	meta, err := client.DiscoverAuthorization(context.Background(), resSrv.URL)
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, authSrv.URL+"/authorize", meta.AuthorizationEndpoint)
	require.Equal(t, authSrv.URL+"/token", meta.TokenEndpoint)
	require.Equal(t, authSrv.URL+"/register", meta.RegistrationEndpoint)
}

func TestFetchAuthServerMetadataOIDCFallback(t *testing.T) {
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	// Only the OIDC discovery document exists; the OAuth one 404s.
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(AuthServerMetadata{
			Issuer:                ts.URL,
			AuthorizationEndpoint: ts.URL + "/authorize",
			TokenEndpoint:         ts.URL + "/token",
		})
	})

	client := NewOAuthClient(OAuthOptions{})
	meta, err := client.fetchAuthServerMetadata(context.Background(), ts.URL)
	require.NoError(t, err)
	require.Equal(t, ts.URL+"/token", meta.TokenEndpoint)
}

func TestFetchAuthServerMetadataNoDocument(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	client := NewOAuthClient(OAuthOptions{})
	_, err := client.fetchAuthServerMetadata(context.Background(), ts.URL)
	require.Error(t, err)
	require.Equal(t, domain.CodeAuthFlow, domain.CodeFrom(err))
}

func TestFetchAuthServerMetadataMissingEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(AuthServerMetadata{Issuer: ts.URL})
	})

	client := NewOAuthClient(OAuthOptions{})
	_, err := client.fetchAuthServerMetadata(context.Background(), ts.URL)
	require.Error(t, err)
	require.Equal(t, domain.CodeAuthFlow, domain.CodeFrom(err))
}

func TestRegisterClient(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"client_id": "dyn-client-1"})
	}))
	t.Cleanup(ts.Close)

	client := NewOAuthClient(OAuthOptions{ClientName: "hub-test"})
	clientID, clientSecret, err := client.registerClient(context.Background(), ts.URL, "http://127.0.0.1:9999/callback")
	require.NoError(t, err)
	require.Equal(t, "dyn-client-1", clientID)
	require.Empty(t, clientSecret)

	require.Equal(t, "hub-test", got["client_name"])
	require.Equal(t, "none", got["token_endpoint_auth_method"])
	require.Equal(t, []any{"http://127.0.0.1:9999/callback"}, got["redirect_uris"])
	require.Equal(t, []any{"authorization_code", "refresh_token"}, got["grant_types"])
}

func TestRegisterClientRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(ts.Close)

	client := NewOAuthClient(OAuthOptions{})
	_, _, err := client.registerClient(context.Background(), ts.URL, "http://127.0.0.1:9999/callback")
	require.Error(t, err)
	require.Equal(t, domain.CodeAuthFlow, domain.CodeFrom(err))
}

func TestEnsureClientPrefersStaticClient(t *testing.T) {
	client := NewOAuthClient(OAuthOptions{ClientID: "static-1", ClientSecret: "shh"})
	clientID, clientSecret, err := client.ensureClient(context.Background(),
		&AuthServerMetadata{}, "http://127.0.0.1:9999/callback")
	require.NoError(t, err)
	require.Equal(t, "static-1", clientID)
	require.Equal(t, "shh", clientSecret)

	// Without a static client or a registration endpoint the flow cannot
	// proceed.
	client = NewOAuthClient(OAuthOptions{})
	_, _, err = client.ensureClient(context.Background(),
		&AuthServerMetadata{}, "http://127.0.0.1:9999/callback")
	require.Error(t, err)
	require.Equal(t, domain.CodeAuthFlow, domain.CodeFrom(err))
}

func TestGetAccessTokenCached(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.Store("https://api.example.com", &domain.StoredToken{
		AccessToken: "cached-at",
		ExpiresIn:   3600,
	}))

	client := NewOAuthClient(OAuthOptions{Storage: storage})

	access, err := client.GetAccessToken(context.Background(), "https://api.example.com/", nil)
	require.NoError(t, err)
	require.Equal(t, "cached-at", access)
}

func TestGetAccessTokenAnonymousResource(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	client := NewOAuthClient(OAuthOptions{})
	access, err := client.GetAccessToken(context.Background(), ts.URL, nil)
	require.NoError(t, err)
	require.Empty(t, access)
}

func TestExchangeCodeSendsPKCEAndResource(t *testing.T) {
	var gotForm url.Values
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "read",
		})
	}))
	t.Cleanup(ts.Close)

	client := NewOAuthClient(OAuthOptions{})
	token, err := client.exchangeCode(context.Background(), ts.URL, exchangeParams{
		Code:        "auth-code",
		RedirectURI: "http://127.0.0.1:9999/callback",
		ClientID:    "client-1",
		Verifier:    "pkce-verifier",
		Resource:    "https://api.example.com",
	})
	require.NoError(t, err)
	require.Equal(t, "at-new", token.AccessToken)
	require.Equal(t, "rt-new", token.RefreshToken)
	require.Equal(t, "read", token.Scope)
	require.False(t, token.ExpiresAt.IsZero())

	require.Equal(t, "authorization_code", gotForm.Get("grant_type"))
	require.Equal(t, "auth-code", gotForm.Get("code"))
	require.Equal(t, "pkce-verifier", gotForm.Get("code_verifier"))
	require.Equal(t, "https://api.example.com", gotForm.Get("resource"))
}

func TestExchangeCodeRejectedByServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(ts.Close)

	client := NewOAuthClient(OAuthOptions{})
	_, err := client.exchangeCode(context.Background(), ts.URL, exchangeParams{Code: "bad"})
	require.Error(t, err)
	require.Equal(t, domain.CodeAuthFlow, domain.CodeFrom(err))
}

func TestRefreshTokenRequiresRefreshToken(t *testing.T) {
	client := NewOAuthClient(OAuthOptions{})

	_, err := client.RefreshToken(context.Background(), "https://api.example.com", nil)
	require.Error(t, err)
	require.Equal(t, domain.CodeAuthFlow, domain.CodeFrom(err))

	_, err = client.RefreshToken(context.Background(), "https://api.example.com",
		&domain.StoredToken{AccessToken: "at"})
	require.Error(t, err)
	require.Equal(t, domain.CodeAuthFlow, domain.CodeFrom(err))
}

func TestBuildAuthorizationURL(t *testing.T) {
	raw := buildAuthorizationURL("https://auth.example.com/authorize", authorizationParams{
		ClientID:    "client-1",
		RedirectURI: "http://127.0.0.1:9999/callback",
		Resource:    "https://api.example.com",
		State:       "state-1",
		Challenge:   "challenge-1",
		Scopes:      []string{"read", "write"},
	})

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "client-1", q.Get("client_id"))
	require.Equal(t, "state-1", q.Get("state"))
	require.Equal(t, "challenge-1", q.Get("code_challenge"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Equal(t, "https://api.example.com", q.Get("resource"))
	require.Equal(t, "read write", q.Get("scope"))
}

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := generatePKCE()
	require.NoError(t, err)
	require.NotEmpty(t, verifier)

	sum := sha256.Sum256([]byte(verifier))
	require.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), challenge)

	// Each flow gets fresh material.
	verifier2, _, err := generatePKCE()
	require.NoError(t, err)
	require.NotEqual(t, verifier, verifier2)
}

func TestTokenSourceCachedToken(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.Store("https://api.example.com", &domain.StoredToken{
		AccessToken: "cached-at",
		ExpiresIn:   3600,
	}))

	client := NewOAuthClient(OAuthOptions{Storage: storage})
	src := client.TokenSource("https://api.example.com", nil)

	token, err := src.Token()
	require.NoError(t, err)
	require.Equal(t, "cached-at", token.AccessToken)
	require.Equal(t, "Bearer", token.TokenType)

	var _ oauth2.TokenSource = src
}

func TestTokenSourceAnonymousResourceErrors(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	client := NewOAuthClient(OAuthOptions{})
	_, err := client.TokenSource(ts.URL, nil).Token()
	require.Error(t, err)
	require.Equal(t, domain.CodeAuthFlow, domain.CodeFrom(err))
}

func TestLoopbackReceiver(t *testing.T) {
	receiver := NewLoopbackReceiver()
	redirectURI, err := receiver.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiver.Close() })

	resp, err := http.Get(redirectURI + "?code=auth-code&state=state-1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := receiver.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "auth-code", result.Code)
	require.Equal(t, "state-1", result.State)
}

func TestLoopbackReceiverErrorRedirect(t *testing.T) {
	receiver := NewLoopbackReceiver()
	redirectURI, err := receiver.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiver.Close() })

	resp, err := http.Get(redirectURI + "?error=access_denied&error_description=user+declined")
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = receiver.Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "access_denied")
}

func TestLoopbackReceiverWaitHonorsContext(t *testing.T) {
	receiver := NewLoopbackReceiver()
	_, err := receiver.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiver.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = receiver.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
