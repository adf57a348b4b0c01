package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcphub/internal/domain"
)

func newMCPClient() *mcp.Client {
	return mcp.NewClient(&mcp.Implementation{
		Name:    "mcphub",
		Version: "0.1.0",
	}, nil)
}

// connectError classifies a failed connect: the caller's deadline expiring
// is a timeout, everything else is a connection failure.
func connectError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.E(domain.CodeDeadlineExceeded, op, "", err)
	}
	return domain.E(domain.CodeUnavailable, op, "", err)
}

// Session is a live MCP client session with typed wrappers over the raw
// protocol operations. Results are normalized to plain values so callers
// never see SDK-internal types.
type Session struct {
	server  string
	session *mcp.ClientSession
	logger  *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func newSession(server string, session *mcp.ClientSession, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		server:  server,
		session: session,
		logger:  logger.Named("session"),
	}
}

// Server returns the name of the server this session is connected to.
func (s *Session) Server() string {
	return s.server
}

// Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}

func (s *Session) ListTools(ctx context.Context) ([]domain.ToolSummary, error) {
	result, err := s.session.ListTools(ctx, nil)
	if err != nil {
		return nil, callError(ctx, "session.list_tools", err)
	}
	tools := make([]domain.ToolSummary, 0, len(result.Tools))
	for _, tool := range result.Tools {
		tools = append(tools, domain.ToolSummary{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}
	return tools, nil
}

func (s *Session) ListResources(ctx context.Context) ([]domain.ResourceSummary, error) {
	result, err := s.session.ListResources(ctx, nil)
	if err != nil {
		return nil, callError(ctx, "session.list_resources", err)
	}
	resources := make([]domain.ResourceSummary, 0, len(result.Resources))
	for _, res := range result.Resources {
		resources = append(resources, domain.ResourceSummary{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MIMEType:    res.MIMEType,
		})
	}
	return resources, nil
}

func (s *Session) ListPrompts(ctx context.Context) ([]domain.PromptSummary, error) {
	result, err := s.session.ListPrompts(ctx, nil)
	if err != nil {
		return nil, callError(ctx, "session.list_prompts", err)
	}
	prompts := make([]domain.PromptSummary, 0, len(result.Prompts))
	for _, prompt := range result.Prompts {
		prompts = append(prompts, domain.PromptSummary{
			Name:        prompt.Name,
			Description: prompt.Description,
		})
	}
	return prompts, nil
}

// InvokeTool calls a tool and returns its normalized result. A tool-level
// error surfaces as a Go error, never as partial data.
func (s *Session) InvokeTool(ctx context.Context, name string, args map[string]any) (any, error) {
	result, err := s.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		// The SDK surfaces the server's JSON-RPC failure as flattened text
		// with no typed error or code, so matching the message is the only
		// way to tell "no such tool" apart from a transport fault.
		if strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "unknown tool") {
			return nil, domain.E(domain.CodeNotFound, "session.invoke_tool", fmt.Sprintf("tool %q not found on %s", name, s.server), domain.ErrToolNotFound)
		}
		return nil, callError(ctx, "session.invoke_tool", err)
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %s failed: %s", name, errorText(result))
	}
	return contentToAny(result), nil
}

func (s *Session) ReadResource(ctx context.Context, uri string) ([]map[string]any, error) {
	result, err := s.session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, callError(ctx, "session.read_resource", err)
	}
	contents := make([]map[string]any, 0, len(result.Contents))
	for _, c := range result.Contents {
		entry := map[string]any{"uri": c.URI}
		if c.MIMEType != "" {
			entry["mimeType"] = c.MIMEType
		}
		if c.Text != "" {
			entry["text"] = c.Text
		}
		if len(c.Blob) > 0 {
			entry["blob"] = c.Blob
		}
		contents = append(contents, entry)
	}
	return contents, nil
}

func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (map[string]any, error) {
	result, err := s.session.GetPrompt(ctx, &mcp.GetPromptParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, callError(ctx, "session.get_prompt", err)
	}
	messages := make([]map[string]any, 0, len(result.Messages))
	for _, msg := range result.Messages {
		messages = append(messages, map[string]any{
			"role":    string(msg.Role),
			"content": contentItemToAny(msg.Content),
		})
	}
	return map[string]any{
		"description": result.Description,
		"messages":    messages,
	}, nil
}

func callError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.E(domain.CodeDeadlineExceeded, op, "", err)
	}
	return domain.E(domain.CodeUnavailable, op, "", err)
}

// schemaToMap flattens the SDK schema type into a plain map via a JSON
// round-trip; a schema that fails to serialize is dropped rather than
// failing the listing.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func errorText(result *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	if sb.Len() == 0 {
		return "tool returned error"
	}
	return sb.String()
}

func contentToAny(result *mcp.CallToolResult) any {
	if result.StructuredContent != nil {
		return result.StructuredContent
	}
	if len(result.Content) == 0 {
		return nil
	}
	if len(result.Content) == 1 {
		return contentItemToAny(result.Content[0])
	}
	items := make([]any, 0, len(result.Content))
	for _, c := range result.Content {
		items = append(items, contentItemToAny(c))
	}
	return items
}

func contentItemToAny(content mcp.Content) any {
	switch c := content.(type) {
	case *mcp.TextContent:
		return c.Text
	case *mcp.ImageContent:
		return map[string]any{
			"type":     "image",
			"mimeType": c.MIMEType,
			"data":     c.Data,
		}
	case *mcp.AudioContent:
		return map[string]any{
			"type":     "audio",
			"mimeType": c.MIMEType,
			"data":     c.Data,
		}
	default:
		return fmt.Sprintf("%v", content)
	}
}
