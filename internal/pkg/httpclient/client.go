// Package httpclient builds the shared HTTP clients used for upstream calls.
package httpclient

import (
	"net/http"
	"net/url"
	"time"
)

// Options configures a client.
type Options struct {
	// Timeout is the whole-request deadline. Zero means no deadline, which the
	// streaming forward path relies on.
	Timeout time.Duration
	// ProxyURL routes requests through an HTTP/SOCKS proxy when non-empty.
	ProxyURL string
}

// New returns an *http.Client with sane transport defaults.
func New(opts Options) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if opts.ProxyURL != "" {
		if proxyURL, err := url.Parse(opts.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
}
