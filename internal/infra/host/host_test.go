package host

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcphub/internal/domain"
	"mcphub/internal/infra/client"
	"mcphub/internal/infra/directory"
	"mcphub/internal/infra/transport"
)

func echoFunc(_ context.Context, args map[string]any) (any, error) {
	if msg, ok := args["message"].(string); ok {
		return msg, nil
	}
	return args, nil
}

func newTestHost(t *testing.T) (*Host, *directory.Directory) {
	t.Helper()
	dir := directory.New(zap.NewNop())
	h := New(Options{Directory: dir})
	t.Cleanup(func() { _ = h.StopAll(context.Background()) })
	return h, dir
}

func TestHostFunctionEndToEnd(t *testing.T) {
	ctx := context.Background()
	h, dir := newTestHost(t)

	handle, err := h.HostFunction(ctx, "echo", echoFunc, FunctionOptions{
		Description: "echoes its message argument",
	})
	require.NoError(t, err)
	require.Equal(t, "echo", handle.Name)
	require.NotEmpty(t, handle.ID)
	require.True(t, strings.HasPrefix(handle.URL, "http://127.0.0.1:"))
	require.True(t, strings.HasSuffix(handle.URL, "/mcp"))
	require.True(t, h.Hosted("echo"))

	// Self-registration makes the server visible to clients.
	cfg, ok := dir.Get("echo")
	require.True(t, ok)
	require.Equal(t, domain.TransportStreamable, cfg.Transport)
	require.Equal(t, domain.HostingLocal, cfg.Hosting)
	require.Equal(t, domain.AccessInternal, cfg.Accessibility)
	require.Equal(t, handle.URL, cfg.URL)

	// Invoke through a plain MCP client session, like any external caller.
	exec := client.NewExecutor(client.ExecutorOptions{})
	err = exec.WithSession(ctx, cfg, func(session *transport.Session) error {
		out, err := session.InvokeTool(ctx, "echo", map[string]any{"message": "hello"})
		if err != nil {
			return err
		}
		require.Equal(t, "hello", out)

		// Non-string results still produce a payload.
		out, err = session.InvokeTool(ctx, "echo", map[string]any{"count": float64(3)})
		if err != nil {
			return err
		}
		require.NotNil(t, out)
		return nil
	})
	require.NoError(t, err)
}

func TestHostFunctionToolError(t *testing.T) {
	ctx := context.Background()
	h, dir := newTestHost(t)

	_, err := h.HostFunction(ctx, "flaky", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("downstream unavailable")
	}, FunctionOptions{})
	require.NoError(t, err)

	cfg, ok := dir.Get("flaky")
	require.True(t, ok)

	exec := client.NewExecutor(client.ExecutorOptions{})
	err = exec.WithSession(ctx, cfg, func(session *transport.Session) error {
		_, err := session.InvokeTool(ctx, "flaky", nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "downstream unavailable")
		return nil
	})
	require.NoError(t, err)
}

func TestHostFunctionHealthEndpoint(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHost(t)

	handle, err := h.HostFunction(ctx, "echo", echoFunc, FunctionOptions{})
	require.NoError(t, err)

	healthURL := strings.TrimSuffix(handle.URL, "/mcp") + "/health"
	resp, err := http.Get(healthURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "echo", body["server"])
}

func TestHostFunctionDuplicateName(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHost(t)

	_, err := h.HostFunction(ctx, "echo", echoFunc, FunctionOptions{})
	require.NoError(t, err)

	_, err = h.HostFunction(ctx, "echo", echoFunc, FunctionOptions{})
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrAlreadyHosted))
	require.Equal(t, domain.CodeAlreadyExists, domain.CodeFrom(err))
}

func TestHostFunctionRequiresFunc(t *testing.T) {
	h, _ := newTestHost(t)

	_, err := h.HostFunction(context.Background(), "nil-fn", nil, FunctionOptions{})
	require.Error(t, err)
	require.Equal(t, domain.CodeInvalidConfig, domain.CodeFrom(err))
	require.False(t, h.Hosted("nil-fn"))
}

func TestHostStopRemovesDirectoryEntry(t *testing.T) {
	ctx := context.Background()
	h, dir := newTestHost(t)

	_, err := h.HostFunction(ctx, "echo", echoFunc, FunctionOptions{})
	require.NoError(t, err)

	require.NoError(t, h.Stop(ctx, "echo"))
	require.False(t, h.Hosted("echo"))
	_, ok := dir.Get("echo")
	require.False(t, ok)

	// Stopping again reports not found.
	err = h.Stop(ctx, "echo")
	require.Error(t, err)
	require.Equal(t, domain.CodeNotFound, domain.CodeFrom(err))
}
