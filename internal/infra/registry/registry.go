// Package registry coordinates the server directory, client sessions, and
// the per-server capability cache. Low-level transport and auth errors are
// converted here into uniform result values so callers never handle
// SDK-specific failures.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcphub/internal/domain"
	"mcphub/internal/infra/client"
	"mcphub/internal/infra/directory"
	"mcphub/internal/infra/telemetry"
	"mcphub/internal/infra/transport"
)

// Status values reported in discovery and invoke results.
const (
	StatusSuccess = "success"
	StatusCached  = "cached"
	StatusError   = "error"
)

// DiscoveryResult reports the outcome of one server's discovery.
type DiscoveryResult struct {
	Server   string                     `json:"server"`
	Status   string                     `json:"status"`
	Snapshot *domain.CapabilitySnapshot `json:"snapshot,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

// DiscoverAllResult aggregates a fan-out discovery pass.
type DiscoverAllResult struct {
	Discovered int                        `json:"discovered"`
	Failed     int                        `json:"failed"`
	Results    map[string]DiscoveryResult `json:"results"`
}

// InvokeResult is the uniform outcome of a tool invocation. On failure Data
// is always nil; partial output is never returned.
type InvokeResult struct {
	Server string `json:"server"`
	Tool   string `json:"tool"`
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Registry owns the directory and creates sessions on demand through the
// stateful client manager.
type Registry struct {
	directory *directory.Directory
	manager   *client.Manager
	logger    *zap.Logger
	metrics   telemetry.Metrics

	ttl         time.Duration
	concurrency int

	mu        sync.Mutex
	snapshots map[string]*domain.CapabilitySnapshot
}

type Options struct {
	Directory *directory.Directory
	Manager   *client.Manager
	Logger    *zap.Logger
	Metrics   telemetry.Metrics

	// CapabilityTTL bounds snapshot freshness; zero means the default.
	CapabilityTTL time.Duration
	// DiscoveryConcurrency bounds the fan-out worker count; zero means the
	// default.
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
	ttl := opts.CapabilityTTL
	if ttl <= 0 {
		ttl = domain.DefaultCapabilityTTL
	}
	concurrency := opts.DiscoveryConcurrency
	if concurrency <= 0 {
		concurrency = domain.DefaultDiscoveryConcurrency
	}
	dir := opts.Directory
	if dir == nil {
		dir = directory.New(logger)
	}
	mgr := opts.Manager
	if mgr == nil {
		mgr = client.NewManager(client.ManagerOptions{Logger: logger, Metrics: metrics})
	}
	return &Registry{
		directory:   dir,
		manager:     mgr,
		logger:      logger.Named("registry"),
		metrics:     metrics,
		ttl:         ttl,
		concurrency: concurrency,
		snapshots:   make(map[string]*domain.CapabilitySnapshot),
	}
}

// Directory exposes the underlying config store.
func (r *Registry) Directory() *directory.Directory {
	return r.directory
}

// Register validates and stores a server config.
func (r *Registry) Register(cfg domain.ServerConfig) error {
	return r.directory.Register(cfg)
}

// Remove disconnects any live session, drops the cached snapshot, and
// deletes the directory entry. Idempotent.
func (r *Registry) Remove(name string) bool {
	if err := r.manager.Disconnect(name); err != nil {
		r.logger.Warn("disconnect on remove failed", telemetry.ServerField(name), zap.Error(err))
	}
	r.mu.Lock()
	delete(r.snapshots, name)
	r.mu.Unlock()
	return r.directory.Remove(name)
}

// Snapshot returns the cached snapshot for name, if any.
func (r *Registry) Snapshot(name string) (*domain.CapabilitySnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snapshots[name]
	return snap, ok
}

// Snapshots returns a copy of the cache keyed by server name.
func (r *Registry) Snapshots() map[string]*domain.CapabilitySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*domain.CapabilitySnapshot, len(r.snapshots))
	for name, snap := range r.snapshots {
		out[name] = snap
	}
	return out
}

// SeedSnapshot installs a snapshot loaded from persistence without
// connecting. TTL rules apply to it as usual.
func (r *Registry) SeedSnapshot(name string, snap *domain.CapabilitySnapshot) {
	if snap == nil {
		return
	}
	r.mu.Lock()
	r.snapshots[name] = snap
	r.mu.Unlock()
}

// DiscoverCapabilities returns a fresh or cached snapshot for one server.
// On failure the previous cache entry is left untouched.
func (r *Registry) DiscoverCapabilities(ctx context.Context, name string, forceRefresh bool) DiscoveryResult {
	cfg, ok := r.directory.Get(name)
	if !ok {
		return DiscoveryResult{Server: name, Status: StatusError, Error: domain.ErrServerNotFound.Error()}
	}

	if !forceRefresh {
		r.mu.Lock()
		snap := r.snapshots[name]
		r.mu.Unlock()
		if snap != nil && !snap.Expired(r.ttl, time.Now()) {
			return DiscoveryResult{Server: name, Status: StatusCached, Snapshot: snap}
		}
	}

	started := time.Now()
	snap, err := r.fetchSnapshot(ctx, cfg)
	r.metrics.ObserveDiscovery(name, time.Since(started), err)
	if err != nil {
		r.logger.Warn("discovery failed",
			telemetry.EventField(telemetry.EventDiscoverFailure),
			telemetry.ServerField(name),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return DiscoveryResult{Server: name, Status: StatusError, Error: err.Error()}
	}

	r.mu.Lock()
	r.snapshots[name] = snap
	r.mu.Unlock()

	r.logger.Info("discovery complete",
		telemetry.EventField(telemetry.EventDiscoverSuccess),
		telemetry.ServerField(name),
		zap.Int("tools", len(snap.Tools)),
		zap.Int("resources", len(snap.Resources)),
		zap.Int("prompts", len(snap.Prompts)),
		telemetry.DurationField(time.Since(started)),
	)
	return DiscoveryResult{Server: name, Status: StatusSuccess, Snapshot: snap}
}

func (r *Registry) fetchSnapshot(ctx context.Context, cfg domain.ServerConfig) (*domain.CapabilitySnapshot, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, domain.DefaultDiscoveryTimeout)
		defer cancel()
	}

	session, err := r.manager.Session(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tools, err := session.ListTools(ctx)
	if err != nil {
		r.dropBrokenSession(cfg.Name, err)
		return nil, err
	}
	resources, err := session.ListResources(ctx)
	if err != nil {
		// Servers without the resources capability reject the call; that
		// is not a discovery failure.
		resources = nil
	}
	prompts, err := session.ListPrompts(ctx)
	if err != nil {
		prompts = nil
	}

	return &domain.CapabilitySnapshot{
		Tools:         tools,
		Resources:     resources,
		Prompts:       prompts,
		LastDiscovery: time.Now(),
	}, nil
}

// dropBrokenSession tears down a session whose first call failed so the
// next attempt redials instead of reusing a dead pipe.
func (r *Registry) dropBrokenSession(name string, cause error) {
	r.logger.Debug("dropping broken session", telemetry.ServerField(name), zap.Error(cause))
	if err := r.manager.Disconnect(name); err != nil {
		r.logger.Warn("disconnect broken session failed", telemetry.ServerField(name), zap.Error(err))
	}
}

// DiscoverAll fans discovery out over every enabled server. One server's
// failure never prevents the others from completing.
func (r *Registry) DiscoverAll(ctx context.Context, forceRefresh bool) DiscoverAllResult {
	configs := r.directory.List(directory.Filter{})
	enabled := configs[:0]
	for _, cfg := range configs {
		if !cfg.Disabled {
			enabled = append(enabled, cfg)
		}
	}

	result := DiscoverAllResult{Results: make(map[string]DiscoveryResult, len(enabled))}
	if len(enabled) == 0 {
		return result
	}

	jobs := make(chan domain.ServerConfig)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < workerCount(r.concurrency, len(enabled)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cfg := range jobs {
				res := r.DiscoverCapabilities(ctx, cfg.Name, forceRefresh)
				mu.Lock()
				result.Results[cfg.Name] = res
				if res.Status == StatusError {
					result.Failed++
				} else {
					result.Discovered++
				}
				mu.Unlock()
			}
		}()
	}

	for _, cfg := range enabled {
		jobs <- cfg
	}
	close(jobs)
	wg.Wait()

	r.logger.Info("discovery pass complete",
		zap.Int("discovered", result.Discovered),
		zap.Int("failed", result.Failed),
	)
	return result
}

func workerCount(limit, total int) int {
	if total <= 0 {
		return 0
	}
	if limit <= 0 {
		limit = domain.DefaultDiscoveryConcurrency
	}
	if limit > total {
		return total
	}
	return limit
}

// InvokeTool runs one tool call through the persistent session and reports
// a uniform result.
func (r *Registry) InvokeTool(ctx context.Context, server, tool string, args map[string]any) InvokeResult {
	cfg, ok := r.directory.Get(server)
	if !ok {
		return InvokeResult{Server: server, Tool: tool, Status: StatusError, Error: domain.ErrServerNotFound.Error()}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, domain.DefaultRequestTimeout)
		defer cancel()
	}

	started := time.Now()
	session, err := r.manager.Session(ctx, cfg)
	if err != nil {
		r.metrics.ObserveInvoke(server, tool, time.Since(started), err)
		return InvokeResult{Server: server, Tool: tool, Status: StatusError, Error: err.Error()}
	}

	data, err := session.InvokeTool(ctx, tool, args)
	r.metrics.ObserveInvoke(server, tool, time.Since(started), err)
	if err != nil {
		r.logger.Warn("invoke failed",
			telemetry.EventField(telemetry.EventInvokeFailure),
			telemetry.ServerField(server),
			telemetry.ToolField(tool),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return InvokeResult{Server: server, Tool: tool, Status: StatusError, Error: err.Error()}
	}

	r.logger.Debug("invoke complete",
		telemetry.EventField(telemetry.EventInvokeSuccess),
		telemetry.ServerField(server),
		telemetry.ToolField(tool),
		telemetry.DurationField(time.Since(started)),
	)
	return InvokeResult{Server: server, Tool: tool, Status: StatusSuccess, Data: data}
}

// WithEphemeralSession exposes the one-shot connection policy for callers
// that explicitly opt out of the persistent session.
func (r *Registry) WithEphemeralSession(ctx context.Context, server string, fn func(*transport.Session) error) error {
	cfg, ok := r.directory.Get(server)
	if !ok {
		return domain.ErrServerNotFound
	}
	executor := client.NewExecutor(client.ExecutorOptions{Logger: r.logger})
	return executor.WithSession(ctx, cfg, fn)
}

// CloseAll tears down every live session.
func (r *Registry) CloseAll() error {
	return r.manager.CloseAll()
}
