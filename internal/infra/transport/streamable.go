package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mcphub/internal/domain"
)

// StreamableConnector opens a bidirectional streamable HTTP exchange.
type StreamableConnector struct {
	logger      *zap.Logger
	tokenSource oauth2.TokenSource
}

func (c *StreamableConnector) Connect(ctx context.Context, cfg domain.ServerConfig) (*Session, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, domain.E(domain.CodeInvalidConfig, "transport.streamable", "url is required for streamable transport", nil)
	}

	httpClient, err := buildHTTPClient(cfg, c.tokenSource)
	if err != nil {
		return nil, domain.E(domain.CodeInvalidConfig, "transport.streamable", "", err)
	}

	client := newMCPClient()
	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: httpClient,
	}, nil)
	if err != nil {
		return nil, connectError(ctx, "transport.streamable", fmt.Errorf("connect streamable http: %w", err))
	}

	c.logger.Debug("streamable session opened", zap.String("server", cfg.Name), zap.String("url", cfg.URL))
	return newSession(cfg.Name, session, c.logger), nil
}
