// Package httpkit provides shared HTTP client construction for all
// outbound HTTP calls. It enforces consistent dial/TLS timeouts and
// connection pool limits so individual packages only decide their
// overall request timeout.
package httpkit

import (
	"net"
	"net/http"
	"time"

	"github.com/eposlab/epos/internal/buildinfo"
)

// Transport defaults shared by every outbound client.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
)

// NewTransport returns an *http.Transport with the shared defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		MaxIdleConns:        DefaultMaxIdleConns,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
	}
}

// NewClient returns an *http.Client with the shared transport, a
// consistent User-Agent, and the given overall request timeout. A zero
// timeout means no client-level timeout (callers drive deadlines via
// context).
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{base: NewTransport()},
	}
}

// userAgentTransport stamps the User-Agent header on every request that
// does not already set one.
type userAgentTransport struct {
	base http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", "epos/"+buildinfo.Version)
	}
	return t.base.RoundTrip(req)
}
