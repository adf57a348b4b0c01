// Package host exposes local Go functions as MCP servers. Each hosted
// function becomes a single-tool server behind a streamable HTTP listener
// and self-registers into the shared directory, so the registry treats it
// exactly like a remotely registered server.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcphub/internal/domain"
	"mcphub/internal/infra/directory"
	"mcphub/internal/infra/telemetry"
)

// ToolFunc is a local function exposed as an MCP tool. Args arrive as the
// decoded tool arguments; the returned value is serialized as the tool
// result.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// Handle identifies one hosted server.
type Handle struct {
	Name string
	URL  string
	ID   string
}

type hosted struct {
	handle     Handle
	httpServer *http.Server
	listener   net.Listener
	serveDone  chan struct{}
}

// Host runs the hosted servers and keeps the directory in sync with them.
type Host struct {
	directory *directory.Directory
	logger    *zap.Logger
	metrics   telemetry.Metrics

	mu      sync.Mutex
	servers map[string]*hosted
}

type Options struct {
	Directory *directory.Directory
	Logger    *zap.Logger
	Metrics   telemetry.Metrics
}

func New(opts Options) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	dir := opts.Directory
	if dir == nil {
		dir = directory.New(logger)
	}
	return &Host{
		directory: dir,
		logger:    logger.Named("host"),
		metrics:   metrics,
		servers:   make(map[string]*hosted),
	}
}

// FunctionOptions configures one hosted function.
type FunctionOptions struct {
	// Port 0 binds a free port.
	Port int
	// Host defaults to 127.0.0.1.
	Host string
	Description   string
	Accessibility domain.Accessibility
}

// HostFunction wraps fn as a single-tool MCP server, starts its listener,
// and registers it in the directory. Re-hosting an already-hosted name is
// an error, not a silent overwrite.
func (h *Host) HostFunction(ctx context.Context, name string, fn ToolFunc, opts FunctionOptions) (Handle, error) {
	const op = "host.host_function"
	if fn == nil {
		return Handle{}, domain.E(domain.CodeInvalidConfig, op, "function is required", nil)
	}

	h.mu.Lock()
	if _, exists := h.servers[name]; exists {
		h.mu.Unlock()
		return Handle{}, domain.E(domain.CodeAlreadyExists, op, fmt.Sprintf("server %q already hosted", name), domain.ErrAlreadyHosted)
	}
	// Reserve the name while the listener comes up.
	h.servers[name] = nil
	h.mu.Unlock()

	handle, err := h.start(ctx, name, fn, opts)
	if err != nil {
		h.mu.Lock()
		delete(h.servers, name)
		h.mu.Unlock()
		return Handle{}, err
	}
	return handle, nil
}

func (h *Host) start(ctx context.Context, name string, fn ToolFunc, opts FunctionOptions) (Handle, error) {
	const op = "host.host_function"

	bindHost := opts.Host
	if bindHost == "" {
		bindHost = "127.0.0.1"
	}

	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "0.1.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        name,
		Description: opts.Description,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		out, err := fn(ctx, args)
		if err != nil {
			return nil, nil, err
		}
		if text, ok := out.(string); ok {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: text}},
			}, nil, nil
		}
		return nil, out, nil
	})

	mux := http.NewServeMux()
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
			"server": name,
		})
	})

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindHost, opts.Port))
	if err != nil {
		return Handle{}, domain.E(domain.CodeUnavailable, op, "", fmt.Errorf("listen %s:%d: %w", bindHost, opts.Port, err))
	}

	port := listener.Addr().(*net.TCPAddr).Port
	url := fmt.Sprintf("http://%s:%d/mcp", bindHost, port)

	entry := &hosted{
		handle: Handle{
			Name: name,
			URL:  url,
			ID:   uuid.NewString(),
		},
		httpServer: &http.Server{Handler: mux},
		listener:   listener,
		serveDone:  make(chan struct{}),
	}

	go func() {
		defer close(entry.serveDone)
		if err := entry.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.logger.Error("hosted server failed", telemetry.ServerField(name), zap.Error(err))
		}
	}()

	accessibility := opts.Accessibility
	if accessibility == "" {
		accessibility = domain.AccessInternal
	}
	cfg := domain.ServerConfig{
		Name:          name,
		Accessibility: accessibility,
		Hosting:       domain.HostingLocal,
		Transport:     domain.TransportStreamable,
		URL:           url,
		Description:   opts.Description,
	}
	if err := h.directory.Register(cfg); err != nil {
		_ = entry.httpServer.Close()
		_ = listener.Close()
		return Handle{}, err
	}

	h.mu.Lock()
	h.servers[name] = entry
	count := len(h.servers)
	h.mu.Unlock()
	h.metrics.SetHostedServers(count)

	h.logger.Info("function hosted",
		telemetry.EventField(telemetry.EventHostStart),
		telemetry.ServerField(name),
		zap.String("url", url),
	)
	return entry.handle, nil
}

// Stop shuts the named server down gracefully, waiting a bounded time
// before forcing the listener closed, and removes its directory entry.
func (h *Host) Stop(ctx context.Context, name string) error {
	const op = "host.stop"

	h.mu.Lock()
	entry, ok := h.servers[name]
	delete(h.servers, name)
	count := len(h.servers)
	h.mu.Unlock()
	h.metrics.SetHostedServers(count)

	if !ok || entry == nil {
		return domain.E(domain.CodeNotFound, op, fmt.Sprintf("server %q is not hosted", name), domain.ErrServerNotFound)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, domain.DefaultShutdownWait)
	defer cancel()
	if err := entry.httpServer.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("graceful shutdown timed out, forcing close",
			telemetry.ServerField(name), zap.Error(err))
		_ = entry.httpServer.Close()
	}

	select {
	case <-entry.serveDone:
	case <-time.After(domain.DefaultShutdownWait):
		h.logger.Warn("serve goroutine did not exit in time", telemetry.ServerField(name))
	}

	h.directory.Remove(name)
	h.logger.Info("hosted server stopped",
		telemetry.EventField(telemetry.EventHostStop),
		telemetry.ServerField(name),
	)
	return nil
}

// StopAll stops every hosted server, tolerating individual failures and
// returning the last one.
func (h *Host) StopAll(ctx context.Context) error {
	h.mu.Lock()
	names := make([]string, 0, len(h.servers))
	for name := range h.servers {
		names = append(names, name)
	}
	h.mu.Unlock()

	var lastErr error
	for _, name := range names {
		if err := h.Stop(ctx, name); err != nil {
			h.logger.Warn("stop failed", telemetry.ServerField(name), zap.Error(err))
			lastErr = err
		}
	}
	return lastErr
}

// Hosted reports whether name is currently hosted.
func (h *Host) Hosted(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.servers[name]
	return ok && entry != nil
}
