package client

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mcphub/internal/domain"
	"mcphub/internal/infra/transport"
)

// Executor opens a fresh session for every call and guarantees it is closed
// on every exit path, including panics and cancellation.
type Executor struct {
	logger      *zap.Logger
	tokenSource TokenSourceFunc
}

type ExecutorOptions struct {
	Logger      *zap.Logger
	TokenSource TokenSourceFunc
}

func NewExecutor(opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{logger: logger.Named("executor"), tokenSource: opts.TokenSource}
}

// WithSession connects, runs fn, and always closes the session.
func (e *Executor) WithSession(ctx context.Context, cfg domain.ServerConfig, fn func(*transport.Session) error) error {
	var src oauth2.TokenSource
	if e.tokenSource != nil {
		src = e.tokenSource(cfg)
	}
	connector, err := transport.ForConfig(cfg, transport.Options{Logger: e.logger, TokenSource: src})
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, domain.DefaultConnectTimeout)
		defer cancel()
	}

	session, err := connector.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			e.logger.Warn("close ephemeral session failed",
				zap.String("server", cfg.Name), zap.Error(closeErr))
		}
	}()

	return fn(session)
}
