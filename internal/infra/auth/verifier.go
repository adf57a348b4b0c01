package auth

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mcphub/internal/domain"
	"mcphub/internal/infra/telemetry"
)

// Verifier strategy names as they appear in auth configuration.
const (
	StrategyIntrospection = "introspection"
	StrategyJWT           = "jwt"
)

// TokenVerifier checks a bearer token. An invalid token yields (nil, nil);
// an error is returned only when the check itself could not be performed
// (network failure, key fetch failure).
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*domain.AccessToken, error)
}

// VerifierOptions carries the shared wiring for verifier construction.
type VerifierOptions struct {
	Logger  *zap.Logger
	Metrics telemetry.Metrics
}

// NewVerifier builds the verifier named by cfg.TokenVerifier.
func NewVerifier(cfg *domain.AuthConfig, opts VerifierOptions) (TokenVerifier, error) {
	const op = "auth.new_verifier"
	if cfg == nil {
		return nil, domain.E(domain.CodeInvalidConfig, op, "auth config is required", nil)
	}
	switch cfg.TokenVerifier {
	case StrategyIntrospection:
		return NewIntrospectionVerifier(IntrospectionOptions{
			Endpoint:       cfg.IntrospectionEndpoint,
			ClientID:       cfg.ClientID,
			ClientSecret:   cfg.ClientSecret,
			Resource:       cfg.Audience,
			RequiredScopes: cfg.RequiredScopes,
			Logger:         opts.Logger,
			Metrics:        opts.Metrics,
		})
	case StrategyJWT:
		return NewJWTVerifier(JWTOptions{
			JWKSURI:        cfg.JWKSURI,
			Issuer:         cfg.IssuerURL,
			Audience:       cfg.Audience,
			RequiredScopes: cfg.RequiredScopes,
			Logger:         opts.Logger,
			Metrics:        opts.Metrics,
		})
	default:
		return nil, domain.E(domain.CodeInvalidConfig, op,
			fmt.Sprintf("unknown token verifier %q", cfg.TokenVerifier), nil)
	}
}

// hasRequiredScopes checks that every required scope is granted.
func hasRequiredScopes(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		set[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
