package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the build version embedded in the binary.
func Version() string {
	return strings.TrimSpace(version)
}

// UserAgent is the value sent in the User-Agent header of every outgoing
// request.
func UserAgent() string {
	return "LampWatch/" + Version()
}

type headerTransport struct {
	transport http.RoundTripper
	headers   http.Header
}

// RoundTrip implements http.RoundTripper by adding the fixed headers to a
// clone of the request.
func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, vs := range t.headers {
		if req.Header.Get(k) != "" {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return t.transport.RoundTrip(req)
}

// HTTPClient returns an http client with the lampwatch user-agent and a JSON
// accept header set. The timeout applies to the whole request including
// reading the body.
func HTTPClient(timeout time.Duration) *http.Client {
	h := http.Header{}
	h.Set("User-Agent", UserAgent())
	h.Set("Accept", "application/json")

	return &http.Client{
		Transport: &headerTransport{
			transport: http.DefaultTransport,
			headers:   h,
		},
		Timeout: timeout,
	}
}
