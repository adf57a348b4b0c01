package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcphub/internal/domain"
	"mcphub/internal/infra/telemetry"
)

// IntrospectionVerifier validates tokens against an RFC 7662 introspection
// endpoint. The endpoint must be HTTPS or loopback; plain HTTP to a remote
// host is refused at construction time.
type IntrospectionVerifier struct {
	endpoint       string
	clientID       string
	clientSecret   string
	resource       string
	requiredScopes []string

	httpClient *http.Client
	logger     *zap.Logger
	metrics    telemetry.Metrics
	now        func() time.Time
}

type IntrospectionOptions struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	// Resource, when set, enables audience validation: the introspection
	// response's aud/resource claim must hierarchically match it.
	Resource       string
	RequiredScopes []string

	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    telemetry.Metrics
}

func NewIntrospectionVerifier(opts IntrospectionOptions) (*IntrospectionVerifier, error) {
	const op = "auth.new_introspection_verifier"
	if opts.Endpoint == "" {
		return nil, domain.E(domain.CodeInvalidConfig, op, "introspection endpoint is required", nil)
	}
	if !endpointAllowed(opts.Endpoint) {
		return nil, domain.E(domain.CodeInvalidConfig, op,
			fmt.Sprintf("introspection endpoint %q must be https or loopback", opts.Endpoint), nil)
	}

	resource := opts.Resource
	if resource != "" {
		normalized, err := NormalizeResourceURL(resource)
		if err != nil {
			return nil, err
		}
		resource = normalized
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: domain.DefaultRequestTimeout}
	}

	return &IntrospectionVerifier{
		endpoint:       opts.Endpoint,
		clientID:       opts.ClientID,
		clientSecret:   opts.ClientSecret,
		resource:       resource,
		requiredScopes: opts.RequiredScopes,
		httpClient:     httpClient,
		logger:         logger.Named("introspection"),
		metrics:        metrics,
		now:            time.Now,
	}, nil
}

// introspectionResponse is the RFC 7662 response shape; aud may be a string
// or an array of strings.
type introspectionResponse struct {
	Active   bool            `json:"active"`
	Scope    string          `json:"scope"`
	ClientID string          `json:"client_id"`
	Sub      string          `json:"sub"`
	Exp      int64           `json:"exp"`
	Aud      json.RawMessage `json:"aud"`
	Resource string          `json:"resource"`
}

func (r *introspectionResponse) audiences() []string {
	if len(r.Aud) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(r.Aud, &single); err == nil {
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(r.Aud, &many); err == nil {
		return many
	}
	return nil
}

// VerifyToken introspects the token. Inactive tokens, audience mismatches,
// and missing scopes all yield (nil, nil).
func (v *IntrospectionVerifier) VerifyToken(ctx context.Context, token string) (*domain.AccessToken, error) {
	const op = "auth.introspect"
	if token == "" {
		v.metrics.ObserveTokenVerification(StrategyIntrospection, false)
		return nil, nil
	}

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, domain.E(domain.CodeInternal, op, "", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if v.clientID != "" {
		req.SetBasicAuth(v.clientID, v.clientSecret)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, domain.E(domain.CodeUnavailable, op, "", fmt.Errorf("introspection request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.E(domain.CodeUnavailable, op,
			fmt.Sprintf("introspection endpoint returned %d", resp.StatusCode), nil)
	}

	var ir introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, domain.E(domain.CodeUnavailable, op, "", fmt.Errorf("decode introspection response: %w", err))
	}

	if !ir.Active {
		v.reject("token inactive")
		return nil, nil
	}

	if v.resource != "" && !v.audienceMatches(&ir) {
		v.reject("audience mismatch")
		return nil, nil
	}

	scopes := splitScope(ir.Scope)
	if !hasRequiredScopes(scopes, v.requiredScopes) {
		v.reject("missing required scope")
		return nil, nil
	}

	clientID := ir.ClientID
	if clientID == "" {
		clientID = ir.Sub
	}

	accessToken := &domain.AccessToken{
		Token:     token,
		ClientID:  clientID,
		Scopes:    scopes,
		ExpiresAt: ir.Exp,
		Resource:  v.resource,
	}
	// Some servers keep reporting active past exp; enforce expiry locally,
	// with the shared skew window.
	if accessToken.Expired(v.now()) {
		v.reject("token expired")
		return nil, nil
	}

	v.metrics.ObserveTokenVerification(StrategyIntrospection, true)
	v.logger.Debug("token verified", telemetry.EventField(telemetry.EventTokenVerify),
		zap.String("client_id", clientID))
	return accessToken, nil
}

func (v *IntrospectionVerifier) audienceMatches(ir *introspectionResponse) bool {
	candidates := ir.audiences()
	if ir.Resource != "" {
		candidates = append(candidates, ir.Resource)
	}
	for _, aud := range candidates {
		if ResourceMatches(aud, v.resource) {
			return true
		}
	}
	return false
}

func (v *IntrospectionVerifier) reject(reason string) {
	v.metrics.ObserveTokenVerification(StrategyIntrospection, false)
	v.logger.Debug("token rejected", telemetry.EventField(telemetry.EventTokenVerify),
		zap.String("reason", reason))
}

func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

var _ TokenVerifier = (*IntrospectionVerifier)(nil)
