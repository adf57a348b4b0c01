package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeResourceURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://API.Example.COM/v1", "https://api.example.com/v1"},
		{"strips default https port", "https://api.example.com:443/v1", "https://api.example.com/v1"},
		{"strips default http port", "http://localhost:80/mcp", "http://localhost/mcp"},
		{"keeps explicit port", "https://api.example.com:8443/v1", "https://api.example.com:8443/v1"},
		{"strips trailing slash", "https://api.example.com/v1/", "https://api.example.com/v1"},
		{"drops query and fragment", "https://api.example.com/v1?x=1#frag", "https://api.example.com/v1"},
		{"bare origin", "https://api.example.com/", "https://api.example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeResourceURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeResourceURLRejectsRelative(t *testing.T) {
	for _, in := range []string{"", "/v1/users", "api.example.com"} {
		_, err := NormalizeResourceURL(in)
		require.Error(t, err, in)
	}
}

func TestResourceMatches(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		server string
		want   bool
	}{
		{"exact", "https://api.example.com/v1", "https://api.example.com/v1", true},
		{"parent covers child path", "https://api.example.com", "https://api.example.com/v1/users", true},
		{"normalization applies", "HTTPS://api.example.com:443/", "https://api.example.com/v1", true},
		{"different origin", "https://api.example.com", "https://other.com/v1", false},
		{"child does not cover parent", "https://api.example.com/v1", "https://api.example.com", false},
		{"sibling path", "https://api.example.com/v1", "https://api.example.com/v2", false},
		{"prefix without separator", "https://api.example.com/v1", "https://api.example.com/v1beta", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ResourceMatches(tc.token, tc.server))
		})
	}
}

func TestEndpointAllowed(t *testing.T) {
	require.True(t, endpointAllowed("https://auth.example.com/token"))
	require.True(t, endpointAllowed("http://localhost:8080/token"))
	require.True(t, endpointAllowed("http://127.0.0.1:9000/token"))
	require.False(t, endpointAllowed("http://auth.example.com/token"))
	require.False(t, endpointAllowed("ftp://auth.example.com/token"))
}
