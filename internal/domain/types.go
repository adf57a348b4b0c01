package domain

import (
	"strings"
	"time"
)

// Accessibility controls who may call a registered server.
type Accessibility string

const (
	AccessInternal Accessibility = "internal"
	AccessExternal Accessibility = "external"
	AccessBoth     Accessibility = "both"
)

// Hosting records where a registered server runs.
type Hosting string

const (
	HostingLocal  Hosting = "local"
	HostingRemote Hosting = "remote"
)

// Transport selects the byte channel carrying MCP messages.
type Transport string

const (
	TransportStdio      Transport = "stdio"
	TransportSSE        Transport = "sse"
	TransportStreamable Transport = "streamable"
)

// AuthConfig carries the recognized auth keys for a server. The verifier
// side consumes TokenVerifier/IntrospectionEndpoint/JWKSURI/IssuerURL/
// Audience/RequiredScopes; the client side consumes ClientID/ClientSecret/
// DiscoverAuth.
type AuthConfig struct {
	TokenVerifier         string   `json:"tokenVerifier,omitempty"`
	IntrospectionEndpoint string   `json:"introspectionEndpoint,omitempty"`
	JWKSURI               string   `json:"jwksUri,omitempty"`
	IssuerURL             string   `json:"issuerUrl,omitempty"`
	Audience              string   `json:"audience,omitempty"`
	RequiredScopes        []string `json:"requiredScopes,omitempty"`
	ClientID              string   `json:"clientId,omitempty"`
	ClientSecret          string   `json:"clientSecret,omitempty"`
	DiscoverAuth          bool     `json:"discoverAuth,omitempty"`
}

// ServerConfig describes one MCP server known to the directory.
type ServerConfig struct {
	Name          string        `json:"name"`
	Accessibility Accessibility `json:"accessibility"`
	Hosting       Hosting       `json:"hosting"`
	Transport     Transport     `json:"transport"`

	// stdio transport
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	// sse / streamable transports
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`

	Description string      `json:"description,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	Disabled    bool        `json:"disabled,omitempty"`
	Auth        *AuthConfig `json:"auth,omitempty"`
}

// Validate enforces the transport invariants. It runs at construction time
// so a bad config never reaches a connector.
func (c ServerConfig) Validate() error {
	const op = "config.validate"
	if strings.TrimSpace(c.Name) == "" {
		return E(CodeInvalidConfig, op, "server name is required", nil)
	}
	switch c.Accessibility {
	case AccessInternal, AccessExternal, AccessBoth, "":
	default:
		return E(CodeInvalidConfig, op, "unknown accessibility: "+string(c.Accessibility), nil)
	}
	switch c.Hosting {
	case HostingLocal, HostingRemote, "":
	default:
		return E(CodeInvalidConfig, op, "unknown hosting: "+string(c.Hosting), nil)
	}
	switch c.Transport {
	case TransportStdio:
		if len(c.Command) == 0 {
			return E(CodeInvalidConfig, op, "stdio transport requires a command", nil)
		}
		if c.Hosting == HostingRemote {
			return E(CodeInvalidConfig, op, "remote hosting is incompatible with stdio transport", nil)
		}
	case TransportSSE, TransportStreamable:
		if strings.TrimSpace(c.URL) == "" {
			return E(CodeInvalidConfig, op, string(c.Transport)+" transport requires a url", nil)
		}
	default:
		return E(CodeInvalidConfig, op, "unknown transport: "+string(c.Transport), nil)
	}
	return nil
}

// Normalized returns a copy with defaulted enum fields filled in.
func (c ServerConfig) Normalized() ServerConfig {
	if c.Accessibility == "" {
		c.Accessibility = AccessInternal
	}
	if c.Hosting == "" {
		if c.Transport == TransportStdio {
			c.Hosting = HostingLocal
		} else {
			c.Hosting = HostingRemote
		}
	}
	return c
}

// ToolSummary is a normalized view of a discovered tool.
type ToolSummary struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ResourceSummary is a normalized view of a discovered resource.
type ResourceSummary struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// PromptSummary is a normalized view of a discovered prompt.
type PromptSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CapabilitySnapshot is the cached result of one discovery pass against a
// single server.
type CapabilitySnapshot struct {
	Tools         []ToolSummary     `json:"tools"`
	Resources     []ResourceSummary `json:"resources"`
	Prompts       []PromptSummary   `json:"prompts"`
	LastDiscovery time.Time         `json:"lastDiscovery"`
}

// Expired reports whether the snapshot is older than ttl at the given time.
// A zero LastDiscovery is always expired.
func (s *CapabilitySnapshot) Expired(ttl time.Duration, now time.Time) bool {
	if s == nil || s.LastDiscovery.IsZero() {
		return true
	}
	return now.Sub(s.LastDiscovery) > ttl
}

// ToolHit is a search result annotated with the server it came from.
type ToolHit struct {
	Server string      `json:"server"`
	Tool   ToolSummary `json:"tool"`
}
