package testutil

import (
	"net/http"
	"net/url"
)

// RewriteTransport redirects every outgoing request to the given target
// host, preserving path and query. It lets tests point a client configured
// for a real cloud endpoint at a local mock server.
type RewriteTransport struct {
	Target *url.URL
	Base   http.RoundTripper
}

// NewRewriteClient returns an *http.Client whose requests are rewritten to
// the mock directory server.
func NewRewriteClient(mock *MockDirectory) *http.Client {
	target, _ := url.Parse(mock.URL())
	return &http.Client{Transport: &RewriteTransport{Target: target}}
}

func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = t.Target.Scheme
	clone.URL.Host = t.Target.Host
	clone.Host = t.Target.Host

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}
