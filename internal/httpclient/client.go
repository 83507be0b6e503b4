// Package httpclient provides a reusable HTTP client with context
// management, timeouts and connection pooling. The notify package uses it
// for webhook delivery.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

const (
	// DefaultTimeout is applied when a request context carries no deadline.
	DefaultTimeout = 30 * time.Second

	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second

	defaultTLSHandshakeTimeout   = 10 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultDialTimeout           = 30 * time.Second
	defaultDialKeepAlive         = 30 * time.Second

	defaultUserAgent = "aoitrack"
)

// Client wraps http.Client with a default timeout and tuned connection
// pooling. Thread-safe for concurrent use.
type Client struct {
	client         *http.Client
	defaultTimeout time.Duration
	userAgent      string
}

// Config tunes a client. Zero fields take the package defaults.
type Config struct {
	// Deadline for requests whose context has none of its own
	DefaultTimeout time.Duration

	// Sent on requests that do not set their own User-Agent header
	UserAgent string

	// Connection pool bounds, passed straight to the transport
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// withDefaults returns a copy with zero fields filled in.
func (c Config) withDefaults() Config {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	if c.MaxIdleConnsPerHost == 0 {
		c.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = defaultIdleConnTimeout
	}
	return c
}

// DefaultConfig returns the package defaults as an explicit Config.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// New creates a client from cfg. A nil cfg means all defaults; the caller's
// config is not mutated.
func New(cfg *Config) *Client {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c = c.withDefaults()

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: defaultDialKeepAlive,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          c.MaxIdleConns,
		MaxIdleConnsPerHost:   c.MaxIdleConnsPerHost,
		IdleConnTimeout:       c.IdleConnTimeout,
		TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			// No client-level timeout, deadlines come from the context
		},
		defaultTimeout: c.DefaultTimeout,
		userAgent:      c.UserAgent,
	}
}

// Do executes an HTTP request. When the context has no deadline the
// client's default timeout is applied. The response body must be closed by
// the caller if err is nil.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		defer cancel()
	}
	req = req.WithContext(ctx)

	if req.Header.Get("User-Agent") == "" && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	return c.client.Do(req)
}

// HTTPClient returns the wrapped http.Client. Tests use it to install a
// mock transport.
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

// Close drops the pooled idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}
