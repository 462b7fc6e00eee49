package quotaguard

import (
	"log/slog"
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithServerAddr sets the server base URL, e.g. "http://quotaguard:8080".
// Defaults to QUOTAGUARD_SERVER_ADDR.
func WithServerAddr(addr string) Option {
	return func(c *Client) {
		c.serverAddr = addr
	}
}

// WithAdminKey sets the bearer key sent with every request, required by the
// admin endpoints when the server has keys configured. Defaults to
// QUOTAGUARD_ADMIN_KEY.
func WithAdminKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithFailMode sets the behavior when the server is unreachable: "open"
// admits the request, "closed" returns a *ServerUnreachableError.
// Defaults to QUOTAGUARD_FAIL_MODE or "open".
func WithFailMode(mode string) Option {
	return func(c *Client) {
		c.failMode = mode
	}
}

// WithTimeout sets the HTTP request timeout. Defaults to QUOTAGUARD_TIMEOUT or 2s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom http.Client for making requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithDefaultTier sets the tier sent when a CheckRequest has none.
func WithDefaultTier(tier string) Option {
	return func(c *Client) {
		c.defaultTier = tier
	}
}

// WithLogger sets the logger used for fail-open warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}
