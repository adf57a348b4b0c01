package transport

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"mcphub/internal/domain"
)

// buildHTTPClient assembles the HTTP client shared by the SSE and
// streamable connectors: static headers closest to the wire, then the
// bearer token layer so a fresh token overrides any stale Authorization
// header.
//
// No client-level Timeout: it would cover the whole exchange including
// long-lived streaming reads and cut every SSE session off mid-stream.
// Per-request deadlines come from the caller's context; the response
// header timeout below bounds a server that accepts the connection but
// never answers.
func buildHTTPClient(cfg domain.ServerConfig, tokenSource oauth2.TokenSource) (*http.Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultRequestTimeout
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = timeout

	var rt http.RoundTripper = base

	if len(cfg.Headers) > 0 {
		headers := http.Header{}
		for key, value := range cfg.Headers {
			name := http.CanonicalHeaderKey(strings.TrimSpace(key))
			if name == "" {
				return nil, errors.New("http headers contain empty key")
			}
			headers.Set(name, value)
		}
		rt = &headerRoundTripper{base: rt, headers: headers}
	}

	if tokenSource != nil {
		rt = &oauth2.Transport{Source: tokenSource, Base: rt}
	}

	return &http.Client{Transport: rt}, nil
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers http.Header
}

// RoundTrip clones the request before touching headers; RoundTrippers
// must not mutate the caller's request.
func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for key, values := range h.headers {
		req.Header.Del(key)
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return h.base.RoundTrip(req)
}
