// Package fetch implements the network side of the image engine: a shared
// HTTP client that turns a locator into raw bytes.
package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	// DefaultTimeout bounds a single request, body included.
	DefaultTimeout = 15 * time.Second

	// DefaultUserAgent identifies the client to image CDNs.
	DefaultUserAgent = "imgcache/1.0"
)

// Config configures the shared HTTP client.
type Config struct {
	UserAgent string
	Headers   map[string]string
	// Proxy is an outbound proxy URL; empty means direct connections.
	Proxy   string
	Timeout time.Duration
	// InsecureSkipVerify disables TLS certificate validation.
	InsecureSkipVerify bool
}

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// HTTP fetches locators with one pooled client.
type HTTP struct {
	client  *http.Client
	headers http.Header
}

// NewHTTP builds the client described by cfg.
func NewHTTP(cfg Config) (*HTTP, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify} //nolint:gosec // opt-in through Config
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", cfg.Proxy, err)
		}
		if proxyURL.Scheme == "" || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q: scheme and host required", cfg.Proxy)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	headers := make(http.Header)
	headers.Set("Connection", "keep-alive")
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	headers.Set("User-Agent", ua)

	return &HTTP{
		client:  &http.Client{Transport: transport, Timeout: timeout},
		headers: headers,
	}, nil
}

// Fetch performs GET locator and returns the body.
func (h *HTTP) Fetch(ctx context.Context, locator string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range h.headers {
		req.Header[k] = v
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: locator, Code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// CloseIdleConnections drops pooled keep-alive connections.
func (h *HTTP) CloseIdleConnections() {
	h.client.CloseIdleConnections()
}
