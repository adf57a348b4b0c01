// Package platform is the embedding surface of the hub: one façade that
// owns the directory, registry, host and OAuth client, constructed
// explicitly at process start and passed to callers. There is no package
// singleton.
package platform

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mcphub/internal/domain"
	"mcphub/internal/infra/auth"
	"mcphub/internal/infra/client"
	"mcphub/internal/infra/directory"
	"mcphub/internal/infra/host"
	"mcphub/internal/infra/registry"
	"mcphub/internal/infra/telemetry"
)

// Registry is the platform façade. It exposes the four operations an
// embedding application needs and hides the wiring between the
// connectivity components.
type Registry struct {
	directory *directory.Directory
	registry  *registry.Registry
	host      *host.Host
	oauth     *auth.OAuthClient
	logger    *zap.Logger
}

type Options struct {
	Logger  *zap.Logger
	Metrics telemetry.Metrics

	// TokenStorage persists OAuth tokens; nil keeps them in memory.
	TokenStorage auth.TokenStorage
	// Redirect and NewReceiver customize the interactive part of the
	// authorization flow.
	Redirect    auth.RedirectHandler
	NewReceiver func() auth.CallbackReceiver

	CapabilityTTL        time.Duration
	DiscoveryConcurrency int
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}

	oauthClient := auth.NewOAuthClient(auth.OAuthOptions{
		Storage:     opts.TokenStorage,
		Redirect:    opts.Redirect,
		NewReceiver: opts.NewReceiver,
		Logger:      logger,
		Metrics:     metrics,
	})

	dir := directory.New(logger)
	manager := client.NewManager(client.ManagerOptions{
		Logger:      logger,
		Metrics:     metrics,
		TokenSource: tokenSourceFor(oauthClient),
	})
	reg := registry.New(registry.Options{
		Directory:            dir,
		Manager:              manager,
		Logger:               logger,
		Metrics:              metrics,
		CapabilityTTL:        opts.CapabilityTTL,
		DiscoveryConcurrency: opts.DiscoveryConcurrency,
	})
	hostSrv := host.New(host.Options{
		Directory: dir,
		Logger:    logger,
		Metrics:   metrics,
	})

	return &Registry{
		directory: dir,
		registry:  reg,
		host:      hostSrv,
		oauth:     oauthClient,
		logger:    logger.Named("platform"),
	}
}

// tokenSourceFor attaches the OAuth client to HTTP transports whose config
// opts into authentication.
func tokenSourceFor(oauthClient *auth.OAuthClient) client.TokenSourceFunc {
	return func(cfg domain.ServerConfig) oauth2.TokenSource {
		if cfg.Auth == nil || cfg.URL == "" {
			return nil
		}
		if !cfg.Auth.DiscoverAuth && cfg.Auth.ClientID == "" {
			return nil
		}
		return oauthClient.TokenSource(cfg.URL, cfg.Auth.RequiredScopes)
	}
}

// RegisterPlatformTool exposes a local Go function as an MCP server. The
// listener starts immediately and the server is discoverable like any
// remote one.
func (r *Registry) RegisterPlatformTool(ctx context.Context, name string, fn host.ToolFunc, opts host.FunctionOptions) (host.Handle, error) {
	return r.host.HostFunction(ctx, name, fn, opts)
}

// RegisterExternalServer adds a remote server descriptor.
func (r *Registry) RegisterExternalServer(cfg domain.ServerConfig) error {
	return r.registry.Register(cfg)
}

// DiscoverAllTools refreshes capabilities across every enabled server and
// returns the cached tool list annotated with origin servers.
func (r *Registry) DiscoverAllTools(ctx context.Context) ([]domain.ToolHit, registry.DiscoverAllResult) {
	result := r.registry.DiscoverAll(ctx, false)
	return r.registry.SearchTools(""), result
}

// SearchTools matches the cached tool catalog without connecting.
func (r *Registry) SearchTools(query string) []domain.ToolHit {
	return r.registry.SearchTools(query)
}

// InvokeTool calls one tool on one server.
func (r *Registry) InvokeTool(ctx context.Context, server, tool string, args map[string]any) registry.InvokeResult {
	return r.registry.InvokeTool(ctx, server, tool, args)
}

// Login runs the authorization flow for a resource ahead of time, so later
// connections find a cached token.
func (r *Registry) Login(ctx context.Context, resourceURL string, scopes []string) error {
	_, err := r.oauth.AuthorizationFlow(ctx, resourceURL, scopes)
	return err
}

// Inner accessors for the CLI and tests.
func (r *Registry) Directory() *directory.Directory { return r.directory }
func (r *Registry) Capabilities() *registry.Registry {
	return r.registry
}
func (r *Registry) Host() *host.Host { return r.host }

// Close stops hosted servers and tears down live sessions.
func (r *Registry) Close(ctx context.Context) error {
	hostErr := r.host.StopAll(ctx)
	closeErr := r.registry.CloseAll()
	if hostErr != nil {
		return hostErr
	}
	return closeErr
}
