// Package client provides the two connection-lifetime policies built on the
// transport connectors: a stateful Manager that opens one session per server
// and reuses it, and an ephemeral Executor that opens a fresh session per
// call. The Manager is the default policy; the Executor is the explicit
// opt-in for one-shot operations.
package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"mcphub/internal/domain"
	"mcphub/internal/infra/telemetry"
	"mcphub/internal/infra/transport"
)

// TokenSourceFunc resolves the bearer token source for a server config.
// A nil return means unauthenticated access.
type TokenSourceFunc func(cfg domain.ServerConfig) oauth2.TokenSource

// Manager owns at most one live session per server name. Sessions are
// opened lazily on first use and reused until Disconnect or CloseAll.
type Manager struct {
	logger      *zap.Logger
	metrics     telemetry.Metrics
	tokenSource TokenSourceFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// entry serializes connect attempts per server: a second caller blocks on
// the entry mutex until the first dial finishes, then reuses its session.
type entry struct {
	mu      sync.Mutex
	session *transport.Session
}

type ManagerOptions struct {
	Logger      *zap.Logger
	Metrics     telemetry.Metrics
	TokenSource TokenSourceFunc
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &Manager{
		logger:      logger.Named("client"),
		metrics:     metrics,
		tokenSource: opts.TokenSource,
		entries:     make(map[string]*entry),
	}
}

// Session returns the live session for cfg, dialing if necessary.
func (m *Manager) Session(ctx context.Context, cfg domain.ServerConfig) (*transport.Session, error) {
	ent := m.entryFor(cfg.Name)

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.session != nil {
		return ent.session, nil
	}

	session, err := m.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ent.session = session
	m.metrics.SetActiveSessions(m.sessionCount())
	return session, nil
}

func (m *Manager) entryFor(name string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.entries[name]
	if !ok {
		ent = &entry{}
		m.entries[name] = ent
	}
	return ent
}

func (m *Manager) dial(ctx context.Context, cfg domain.ServerConfig) (*transport.Session, error) {
	opts := transport.Options{Logger: m.logger}
	if m.tokenSource != nil {
		opts.TokenSource = m.tokenSource(cfg)
	}
	connector, err := transport.ForConfig(cfg, opts)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, domain.DefaultConnectTimeout)
		defer cancel()
	}

	started := time.Now()
	m.logger.Info("connecting",
		telemetry.EventField(telemetry.EventConnectAttempt),
		telemetry.ServerField(cfg.Name),
		telemetry.TransportField(string(cfg.Transport)),
	)

	session, err := connector.Connect(ctx, cfg)
	m.metrics.ObserveConnect(cfg.Name, time.Since(started), err)
	if err != nil {
		m.logger.Warn("connect failed",
			telemetry.EventField(telemetry.EventConnectFailure),
			telemetry.ServerField(cfg.Name),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return nil, err
	}

	m.logger.Info("connected",
		telemetry.EventField(telemetry.EventConnectSuccess),
		telemetry.ServerField(cfg.Name),
		telemetry.DurationField(time.Since(started)),
	)
	return session, nil
}

// Disconnect closes and forgets the session for name, if any.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	ent := m.entries[name]
	m.mu.Unlock()
	if ent == nil {
		return nil
	}

	ent.mu.Lock()
	session := ent.session
	ent.session = nil
	ent.mu.Unlock()

	if session == nil {
		return nil
	}
	err := session.Close()
	m.metrics.SetActiveSessions(m.sessionCount())
	m.logger.Info("disconnected",
		telemetry.EventField(telemetry.EventDisconnect),
		telemetry.ServerField(name),
	)
	return err
}

// CloseAll closes every live session, tolerating individual failures and
// returning the last error seen.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	m.mu.Unlock()

	var lastErr error
	for _, name := range names {
		if err := m.Disconnect(name); err != nil {
			m.logger.Warn("close session failed", telemetry.ServerField(name), zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

func (m *Manager) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, ent := range m.entries {
		if ent.session != nil {
			count++
		}
	}
	return count
}
