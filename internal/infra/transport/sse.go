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

// SSEConnector opens a streaming HTTP GET and builds the message channel
// from the resulting event stream.
type SSEConnector struct {
	logger      *zap.Logger
	tokenSource oauth2.TokenSource
}

func (c *SSEConnector) Connect(ctx context.Context, cfg domain.ServerConfig) (*Session, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, domain.E(domain.CodeInvalidConfig, "transport.sse", "url is required for sse transport", nil)
	}

	httpClient, err := buildHTTPClient(cfg, c.tokenSource)
	if err != nil {
		return nil, domain.E(domain.CodeInvalidConfig, "transport.sse", "", err)
	}

	client := newMCPClient()
	session, err := client.Connect(ctx, &mcp.SSEClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: httpClient,
	}, nil)
	if err != nil {
		return nil, connectError(ctx, "transport.sse", fmt.Errorf("connect sse: %w", err))
	}

	c.logger.Debug("sse session opened", zap.String("server", cfg.Name), zap.String("url", cfg.URL))
	return newSession(cfg.Name, session, c.logger), nil
}
