package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcphub/internal/domain"
)

// StdioConnector spawns a subprocess and speaks MCP over its stdio pipes.
type StdioConnector struct {
	logger *zap.Logger
}

func (c *StdioConnector) Connect(ctx context.Context, cfg domain.ServerConfig) (*Session, error) {
	if len(cfg.Command) == 0 {
		return nil, domain.E(domain.CodeInvalidConfig, "transport.stdio", "command is required for stdio transport", nil)
	}

	cmd := exec.CommandContext(ctx, cfg.Command[0], cfg.Command[1:]...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	cmd.Env = append(os.Environ(), formatEnv(cfg.Env)...)

	client := newMCPClient()
	session, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, connectError(ctx, "transport.stdio", fmt.Errorf("connect stdio: %w", err))
	}

	c.logger.Debug("stdio session opened", zap.String("server", cfg.Name), zap.String("command", cfg.Command[0]))
	return newSession(cfg.Name, session, c.logger), nil
}

func formatEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
