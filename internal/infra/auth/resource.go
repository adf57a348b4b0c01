// Package auth implements the OAuth 2.1 pieces of the connectivity layer:
// token verification on the serving side (introspection and local JWT
// checks) and the consumer-side authorization flow with persistent token
// storage.
package auth

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"mcphub/internal/domain"
)

// NormalizeResourceURL canonicalizes a resource URL for storage keys and
// audience comparison: scheme and host are lower-cased, default ports and
// trailing slashes are stripped, query and fragment are dropped.
func NormalizeResourceURL(raw string) (string, error) {
	const op = "auth.normalize_resource"
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", domain.E(domain.CodeInvalidConfig, op, "", fmt.Errorf("parse %q: %w", raw, err))
	}
	if u.Scheme == "" || u.Host == "" {
		return "", domain.E(domain.CodeInvalidConfig, op, fmt.Sprintf("resource URL %q must be absolute", raw), nil)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	}

	path := strings.TrimRight(u.Path, "/")
	return scheme + "://" + host + path, nil
}

// ResourceMatches reports whether a token issued for tokenResource is valid
// for serverResource. Matching is hierarchical: exact, or the token resource
// is a path-prefix parent of the server resource on the same origin
// ("https://api.example.com" covers "https://api.example.com/v1/users").
func ResourceMatches(tokenResource, serverResource string) bool {
	token, err := NormalizeResourceURL(tokenResource)
	if err != nil {
		return false
	}
	server, err := NormalizeResourceURL(serverResource)
	if err != nil {
		return false
	}
	if token == server {
		return true
	}
	return strings.HasPrefix(server, token+"/")
}

// endpointAllowed rejects endpoints that would carry credentials in the
// clear: anything that is neither HTTPS nor loopback.
func endpointAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return true
	case "http":
		host := strings.ToLower(u.Hostname())
		if host == "localhost" {
			return true
		}
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	default:
		return false
	}
}
