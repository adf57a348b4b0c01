package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"mcphub/internal/domain"
	"mcphub/internal/infra/transport"
)

// startToolServer hosts an MCP server with the given tools over streamable
// HTTP and returns a config for it.
func startToolServer(t *testing.T, name string, tools ...*mcp.Tool) domain.ServerConfig {
	t.Helper()

	srv := mcp.NewServer(&mcp.Implementation{Name: name, Version: "0.1.0"}, nil)
	for _, tool := range tools {
		mcp.AddTool(srv, tool, func(_ context.Context, _ *mcp.CallToolRequest, in map[string]any) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "ok:" + tool.Name}},
			}, nil, nil
		})
	}

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv },
		&mcp.StreamableHTTPOptions{JSONResponse: true})
	ts := httptest.NewServer(handler)
	// The registry's persistent session keeps a standalone SSE GET open, and
	// this cleanup runs before the registry's CloseAll; drop client
	// connections first so Close does not wait on the hanging stream.
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
	})

	return domain.ServerConfig{
		Name:      name,
		Transport: domain.TransportStreamable,
		URL:       ts.URL,
	}.Normalized()
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	reg := New(opts)
	t.Cleanup(func() { _ = reg.CloseAll() })
	return reg
}

func TestDiscoverCapabilitiesCachesByTTL(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, Options{CapabilityTTL: time.Hour})
	require.NoError(t, reg.Register(startToolServer(t, "alpha",
		&mcp.Tool{Name: "greet", Description: "says hello"})))

	first := reg.DiscoverCapabilities(ctx, "alpha", false)
	require.Equal(t, StatusSuccess, first.Status)
	require.Len(t, first.Snapshot.Tools, 1)
	require.Equal(t, "greet", first.Snapshot.Tools[0].Name)

	second := reg.DiscoverCapabilities(ctx, "alpha", false)
	require.Equal(t, StatusCached, second.Status)
	require.Equal(t, first.Snapshot.LastDiscovery, second.Snapshot.LastDiscovery)

	forced := reg.DiscoverCapabilities(ctx, "alpha", true)
	require.Equal(t, StatusSuccess, forced.Status)
	require.True(t, forced.Snapshot.LastDiscovery.After(first.Snapshot.LastDiscovery))
}

func TestDiscoverCapabilitiesExpiredSnapshotRefreshes(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, Options{CapabilityTTL: time.Millisecond})
	require.NoError(t, reg.Register(startToolServer(t, "alpha",
		&mcp.Tool{Name: "greet", Description: "says hello"})))

	first := reg.DiscoverCapabilities(ctx, "alpha", false)
	require.Equal(t, StatusSuccess, first.Status)

	time.Sleep(5 * time.Millisecond)
	second := reg.DiscoverCapabilities(ctx, "alpha", false)
	require.Equal(t, StatusSuccess, second.Status)
}

func TestDiscoverCapabilitiesUnknownServer(t *testing.T) {
	reg := newTestRegistry(t, Options{})

	result := reg.DiscoverCapabilities(context.Background(), "ghost", false)
	require.Equal(t, StatusError, result.Status)
	require.Contains(t, result.Error, domain.ErrServerNotFound.Error())
}

func TestDiscoverCapabilitiesFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, Options{CapabilityTTL: time.Millisecond})

	srv := mcp.NewServer(&mcp.Implementation{Name: "alpha", Version: "0.1.0"}, nil)
	mcp.AddTool(srv, &mcp.Tool{Name: "greet", Description: "says hello"},
		func(_ context.Context, _ *mcp.CallToolRequest, _ map[string]any) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "hi"}}}, nil, nil
		})
	ts := httptest.NewServer(mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv },
		&mcp.StreamableHTTPOptions{JSONResponse: true}))

	require.NoError(t, reg.Register(domain.ServerConfig{
		Name:      "alpha",
		Transport: domain.TransportStreamable,
		URL:       ts.URL,
	}.Normalized()))

	first := reg.DiscoverCapabilities(ctx, "alpha", false)
	require.Equal(t, StatusSuccess, first.Status)

	// The server goes away; the next refresh fails but the stale snapshot
	// survives. Drop client connections first so Close does not wait on the
	// session's hanging SSE stream.
	ts.CloseClientConnections()
	ts.Close()
	time.Sleep(5 * time.Millisecond)

	shortCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	failed := reg.DiscoverCapabilities(shortCtx, "alpha", false)
	require.Equal(t, StatusError, failed.Status)

	snap, ok := reg.Snapshot("alpha")
	require.True(t, ok)
	require.Equal(t, first.Snapshot.LastDiscovery, snap.LastDiscovery)
}

func TestDiscoverAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, Options{})

	require.NoError(t, reg.Register(startToolServer(t, "good-a",
		&mcp.Tool{Name: "alpha_tool", Description: "first"})))
	require.NoError(t, reg.Register(startToolServer(t, "good-b",
		&mcp.Tool{Name: "beta_tool", Description: "second"})))
	require.NoError(t, reg.Register(domain.ServerConfig{
		Name:      "broken",
		Transport: domain.TransportStreamable,
		URL:       "http://127.0.0.1:1/mcp",
	}.Normalized()))

	shortCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	result := reg.DiscoverAll(shortCtx, false)

	require.Equal(t, 2, result.Discovered)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, StatusSuccess, result.Results["good-a"].Status)
	require.Equal(t, StatusSuccess, result.Results["good-b"].Status)
	require.Equal(t, StatusError, result.Results["broken"].Status)
}

func TestDiscoverAllSkipsDisabled(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	cfg := startToolServer(t, "sleepy", &mcp.Tool{Name: "noop", Description: "unused"})
	cfg.Disabled = true
	require.NoError(t, reg.Register(cfg))

	result := reg.DiscoverAll(context.Background(), false)
	require.Equal(t, 0, result.Discovered)
	require.Equal(t, 0, result.Failed)
	require.Empty(t, result.Results)
}

func TestSearchTools(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, Options{})
	require.NoError(t, reg.Register(startToolServer(t, "zeta",
		&mcp.Tool{Name: "query_db", Description: "runs a database query"})))
	require.NoError(t, reg.Register(startToolServer(t, "alpha",
		&mcp.Tool{Name: "read_file", Description: "reads a file"},
		&mcp.Tool{Name: "write_file", Description: "writes a file"})))

	reg.DiscoverAll(ctx, false)

	all := reg.SearchTools("")
	require.Len(t, all, 3)
	// Sorted by server, then tool name.
	require.Equal(t, "alpha", all[0].Server)
	require.Equal(t, "read_file", all[0].Tool.Name)
	require.Equal(t, "write_file", all[1].Tool.Name)
	require.Equal(t, "zeta", all[2].Server)

	files := reg.SearchTools("FILE")
	require.Len(t, files, 2)

	db := reg.SearchTools("database")
	require.Len(t, db, 1)
	require.Equal(t, "query_db", db[0].Tool.Name)

	require.Empty(t, reg.SearchTools("nonexistent"))
}

func TestInvokeTool(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, Options{})
	require.NoError(t, reg.Register(startToolServer(t, "alpha",
		&mcp.Tool{Name: "greet", Description: "says hello"})))

	result := reg.InvokeTool(ctx, "alpha", "greet", map[string]any{"who": "world"})
	require.Equal(t, StatusSuccess, result.Status)
	require.Equal(t, "ok:greet", result.Data)

	missingTool := reg.InvokeTool(ctx, "alpha", "absent", nil)
	require.Equal(t, StatusError, missingTool.Status)
	require.Nil(t, missingTool.Data)

	missingServer := reg.InvokeTool(ctx, "ghost", "greet", nil)
	require.Equal(t, StatusError, missingServer.Status)
	require.Contains(t, missingServer.Error, domain.ErrServerNotFound.Error())
}

func TestWithEphemeralSession(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, Options{})
	require.NoError(t, reg.Register(startToolServer(t, "alpha",
		&mcp.Tool{Name: "greet", Description: "says hello"})))

	var data any
	require.NoError(t, reg.WithEphemeralSession(ctx, "alpha", func(s *transport.Session) error {
		var err error
		data, err = s.InvokeTool(ctx, "greet", nil)
		return err
	}))
	require.Equal(t, "ok:greet", data)

	// The one-shot session is gone; the persistent manager holds nothing for
	// this server, so a later InvokeTool dials fresh and still works.
	result := reg.InvokeTool(ctx, "alpha", "greet", nil)
	require.Equal(t, StatusSuccess, result.Status)
}

func TestWithEphemeralSessionUnknownServer(t *testing.T) {
	reg := newTestRegistry(t, Options{})

	err := reg.WithEphemeralSession(context.Background(), "ghost", func(*transport.Session) error {
		t.Fatal("callback must not run for an unknown server")
		return nil
	})
	require.ErrorIs(t, err, domain.ErrServerNotFound)
}

func TestRemoveDropsSnapshot(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, Options{})
	require.NoError(t, reg.Register(startToolServer(t, "alpha",
		&mcp.Tool{Name: "greet", Description: "says hello"})))

	require.Equal(t, StatusSuccess, reg.DiscoverCapabilities(ctx, "alpha", false).Status)

	require.True(t, reg.Remove("alpha"))
	_, ok := reg.Snapshot("alpha")
	require.False(t, ok)
	require.False(t, reg.Remove("alpha"))
}

func TestSeedSnapshotServesFromCache(t *testing.T) {
	reg := newTestRegistry(t, Options{CapabilityTTL: time.Hour})
	require.NoError(t, reg.Register(domain.ServerConfig{
		Name:      "offline",
		Transport: domain.TransportStreamable,
		URL:       "http://127.0.0.1:1/mcp",
	}.Normalized()))

	reg.SeedSnapshot("offline", &domain.CapabilitySnapshot{
		Tools:         []domain.ToolSummary{{Name: "cached_tool", Description: "from disk"}},
		LastDiscovery: time.Now(),
	})

	result := reg.DiscoverCapabilities(context.Background(), "offline", false)
	require.Equal(t, StatusCached, result.Status)
	require.Equal(t, "cached_tool", result.Snapshot.Tools[0].Name)
}

func TestWorkerCount(t *testing.T) {
	require.Equal(t, 0, workerCount(4, 0))
	require.Equal(t, 2, workerCount(4, 2))
	require.Equal(t, 4, workerCount(4, 10))
	require.Equal(t, domain.DefaultDiscoveryConcurrency, workerCount(0, 100))
}
