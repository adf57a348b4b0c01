package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcphub/internal/domain"
)

// JWK is the subset of RFC 7517 used for signature verification.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid,omitempty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// PublicKey materializes the verification key for RSA and EC key types.
func (k JWK) PublicKey() (any, error) {
	switch k.Kty {
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("decode modulus: %w", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("decode exponent: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("decode x: %w", err)
		}
		y, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("decode y: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

// KeySet resolves verification keys either from an inline set or by
// fetching a JWKS URI, caching the fetch for a TTL so per-call verification
// does not hit the network.
type KeySet struct {
	uri        string
	ttl        time.Duration
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	cached  *JWKS
	fetched time.Time
}

type KeySetOptions struct {
	// URI of the JWKS endpoint; ignored when Static is set.
	URI string
	// Static supplies the keys inline, bypassing fetching entirely.
	Static *JWKS
	// TTL bounds cache freshness; zero means the default.
	TTL        time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func NewKeySet(opts KeySetOptions) (*KeySet, error) {
	const op = "auth.new_keyset"
	if opts.Static == nil && opts.URI == "" {
		return nil, domain.E(domain.CodeInvalidConfig, op, "jwks uri or inline keys required", nil)
	}
	if opts.Static == nil && !endpointAllowed(opts.URI) {
		return nil, domain.E(domain.CodeInvalidConfig, op,
			fmt.Sprintf("jwks uri %q must be https or loopback", opts.URI), nil)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = domain.DefaultJWKSCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: domain.DefaultRequestTimeout}
	}

	ks := &KeySet{
		uri:        opts.URI,
		ttl:        ttl,
		httpClient: httpClient,
		logger:     logger.Named("jwks"),
		now:        time.Now,
	}
	if opts.Static != nil {
		ks.cached = opts.Static
		ks.ttl = 0 // static sets never expire
	}
	return ks, nil
}

// Keys returns the current key set, fetching or refreshing as needed.
func (s *KeySet) Keys(ctx context.Context) (*JWKS, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && (s.ttl == 0 || s.now().Sub(s.fetched) < s.ttl) {
		return s.cached, nil
	}

	jwks, err := s.fetch(ctx)
	if err != nil {
		// A stale cache beats a hard failure while the endpoint flaps.
		if s.cached != nil {
			s.logger.Warn("jwks refresh failed, serving cached keys", zap.Error(err))
			return s.cached, nil
		}
		return nil, err
	}
	s.cached = jwks
	s.fetched = s.now()
	return jwks, nil
}

func (s *KeySet) fetch(ctx context.Context) (*JWKS, error) {
	const op = "auth.fetch_jwks"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.uri, nil)
	if err != nil {
		return nil, domain.E(domain.CodeInternal, op, "", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, domain.E(domain.CodeUnavailable, op, "", fmt.Errorf("fetch jwks: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.E(domain.CodeUnavailable, op,
			fmt.Sprintf("jwks endpoint returned %d", resp.StatusCode), nil)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, domain.E(domain.CodeUnavailable, op, "", fmt.Errorf("decode jwks: %w", err))
	}
	if len(jwks.Keys) == 0 {
		return nil, domain.E(domain.CodeUnavailable, op, "jwks endpoint returned no keys", nil)
	}
	return &jwks, nil
}

// Lookup finds the verification key for kid. An empty kid matches a set
// with exactly one key.
func (s *KeySet) Lookup(ctx context.Context, kid string) (any, error) {
	jwks, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if kid == "" && len(jwks.Keys) == 1 {
		return jwks.Keys[0].PublicKey()
	}
	for _, key := range jwks.Keys {
		if key.Kid == kid {
			return key.PublicKey()
		}
	}
	return nil, fmt.Errorf("no key with kid %q", kid)
}
