package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mcphub/internal/domain"
)

func TestForConfigSelectsConnector(t *testing.T) {
	cases := []struct {
		name string
		cfg  domain.ServerConfig
		want any
	}{
		{
			name: "stdio",
			cfg: domain.ServerConfig{
				Name:      "files",
				Transport: domain.TransportStdio,
				Command:   []string{"mcp-files"},
			},
			want: &StdioConnector{},
		},
		{
			name: "sse",
			cfg: domain.ServerConfig{
				Name:      "events",
				Transport: domain.TransportSSE,
				URL:       "https://example.com/sse",
			},
			want: &SSEConnector{},
		},
		{
			name: "streamable",
			cfg: domain.ServerConfig{
				Name:      "remote",
				Transport: domain.TransportStreamable,
				URL:       "https://example.com/mcp",
			},
			want: &StreamableConnector{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn, err := ForConfig(tc.cfg.Normalized(), Options{})
			require.NoError(t, err)
			require.IsType(t, tc.want, conn)
		})
	}
}

func TestForConfigRejectsInvalidConfig(t *testing.T) {
	_, err := ForConfig(domain.ServerConfig{
		Name:      "bad",
		Transport: domain.TransportStdio,
	}, Options{})
	require.Error(t, err)
	require.Equal(t, domain.CodeInvalidConfig, domain.CodeFrom(err))
}

func TestForConfigRejectsUnknownTransport(t *testing.T) {
	_, err := ForConfig(domain.ServerConfig{
		Name:      "bad",
		Transport: domain.Transport("websocket"),
		URL:       "https://example.com",
	}, Options{})
	require.Error(t, err)
	require.Equal(t, domain.CodeInvalidConfig, domain.CodeFrom(err))
}
