package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"mcphub/internal/domain"
	"mcphub/internal/infra/telemetry"
)

// allowedSigningMethods is the closed algorithm allow-list. "none" and
// anything symmetric is rejected by construction.
var allowedSigningMethods = []string{
	"RS256", "RS384", "RS512",
	"ES256", "ES384", "ES512",
}

// errKeyFetch marks a keyfunc failure caused by the JWKS endpoint rather
// than by the token itself.
var errKeyFetch = errors.New("jwks fetch failed")

// JWTVerifier validates tokens locally against a JWKS set.
type JWTVerifier struct {
	keys           *KeySet
	issuer         string
	audience       string
	requiredScopes []string

	parser  *jwt.Parser
	logger  *zap.Logger
	metrics telemetry.Metrics
}

type JWTOptions struct {
	// JWKSURI is fetched with a TTL cache; StaticKeys bypasses fetching.
	JWKSURI    string
	StaticKeys *JWKS

	Issuer         string
	Audience       string
	RequiredScopes []string

	JWKSCacheTTL time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
	Metrics      telemetry.Metrics
}

func NewJWTVerifier(opts JWTOptions) (*JWTVerifier, error) {
	keys, err := NewKeySet(KeySetOptions{
		URI:        opts.JWKSURI,
		Static:     opts.StaticKeys,
		TTL:        opts.JWKSCacheTTL,
		HTTPClient: opts.HTTPClient,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(allowedSigningMethods),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}

	return &JWTVerifier{
		keys:           keys,
		issuer:         opts.Issuer,
		audience:       opts.Audience,
		requiredScopes: opts.RequiredScopes,
		parser:         jwt.NewParser(parserOpts...),
		logger:         logger.Named("jwt"),
		metrics:        metrics,
	}, nil
}

// VerifyToken parses and validates the token. Signature, iss, aud, exp and
// nbf failures all yield (nil, nil); only a JWKS fetch failure is an error.
func (v *JWTVerifier) VerifyToken(ctx context.Context, raw string) (*domain.AccessToken, error) {
	if raw == "" {
		v.metrics.ObserveTokenVerification(StrategyJWT, false)
		return nil, nil
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, lookupErr := v.keys.Lookup(ctx, kid)
		if lookupErr != nil {
			if domain.CodeFrom(lookupErr) == domain.CodeUnavailable {
				return nil, fmt.Errorf("%w: %v", errKeyFetch, lookupErr)
			}
			return nil, lookupErr
		}
		return key, nil
	})
	if err != nil {
		if errors.Is(err, errKeyFetch) {
			return nil, domain.E(domain.CodeUnavailable, "auth.verify_jwt", "", err)
		}
		v.reject(err.Error())
		return nil, nil
	}
	if !token.Valid {
		v.reject("token invalid")
		return nil, nil
	}

	scopes := claimScopes(claims)
	if !hasRequiredScopes(scopes, v.requiredScopes) {
		v.reject("missing required scope")
		return nil, nil
	}

	var expiresAt int64
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expiresAt = exp.Unix()
	}
	clientID, _ := claims["client_id"].(string)
	if clientID == "" {
		clientID, _ = claims.GetSubject()
	}

	v.metrics.ObserveTokenVerification(StrategyJWT, true)
	v.logger.Debug("token verified", telemetry.EventField(telemetry.EventTokenVerify),
		zap.String("client_id", clientID))
	return &domain.AccessToken{
		Token:     raw,
		ClientID:  clientID,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		Resource:  v.audience,
	}, nil
}

func (v *JWTVerifier) reject(reason string) {
	v.metrics.ObserveTokenVerification(StrategyJWT, false)
	v.logger.Debug("token rejected", telemetry.EventField(telemetry.EventTokenVerify),
		zap.String("reason", reason))
}

// claimScopes accepts either a space-delimited "scope" string or a
// "scopes" array.
func claimScopes(claims jwt.MapClaims) []string {
	if scope, ok := claims["scope"].(string); ok {
		return splitScope(scope)
	}
	if raw, ok := claims["scopes"].([]any); ok {
		scopes := make([]string, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	}
	return nil
}

var _ TokenVerifier = (*JWTVerifier)(nil)
