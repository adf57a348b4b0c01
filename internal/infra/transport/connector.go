// Package transport opens MCP client sessions over stdio, SSE, and
// streamable HTTP. Connectors validate their preconditions before any I/O
// and guarantee cleanup on every failed connect path; retry policy belongs
// to the caller.
package transport

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mcphub/internal/domain"
)

// Connector opens a session for one server config.
type Connector interface {
	Connect(ctx context.Context, cfg domain.ServerConfig) (*Session, error)
}

// Options configures all connectors.
type Options struct {
	Logger *zap.Logger

	// TokenSource, when set, attaches bearer tokens to outbound HTTP
	// requests at request time, so a token fetched after construction is
	// still honored.
	TokenSource oauth2.TokenSource
}

// ForConfig selects the connector for a validated config. The switch is
// closed: selection happens once here, not on every call.
func ForConfig(cfg domain.ServerConfig, opts Options) (Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Transport {
	case domain.TransportStdio:
		return &StdioConnector{logger: logger.Named("stdio")}, nil
	case domain.TransportSSE:
		return &SSEConnector{logger: logger.Named("sse"), tokenSource: opts.TokenSource}, nil
	case domain.TransportStreamable:
		return &StreamableConnector{logger: logger.Named("streamable"), tokenSource: opts.TokenSource}, nil
	default:
		return nil, domain.E(domain.CodeInvalidConfig, "transport.for_config", "unknown transport: "+string(cfg.Transport), nil)
	}
}
