package quotaguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Fail modes for an unreachable server.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// Client talks to a quotaguard server. It is safe for concurrent use.
type Client struct {
	serverAddr  string
	apiKey      string
	failMode    string
	timeout     time.Duration
	defaultTier string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a client configured from QUOTAGUARD_* environment
// variables. Options override the environment.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr: envOrDefault("QUOTAGUARD_SERVER_ADDR", "http://127.0.0.1:8080"),
		apiKey:     os.Getenv("QUOTAGUARD_ADMIN_KEY"),
		failMode:   envOrDefault("QUOTAGUARD_FAIL_MODE", FailOpen),
		timeout:    parseDurationEnv("QUOTAGUARD_TIMEOUT", 2*time.Second),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// Check records one request and returns the decision. A denial is returned
// as a *RateLimitedError. When the server is unreachable the client either
// admits the request (fail open) or returns a *ServerUnreachableError.
func (c *Client) Check(ctx context.Context, req CheckRequest) (*Decision, error) {
	if req.Tier == "" {
		req.Tier = c.defaultTier
	}

	var d Decision
	err := c.doRequest(ctx, http.MethodPost, "/v1/check", req, &d)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests && apiErr.decision != nil {
			return nil, &RateLimitedError{Decision: *apiErr.decision}
		}
		if isConnectionError(err) {
			if c.failMode == FailClosed {
				return nil, &ServerUnreachableError{Cause: err}
			}
			c.logger.Warn("quotaguard server unreachable, failing open",
				"server_addr", c.serverAddr,
				"error", err,
			)
			return &Decision{Allowed: true, Degraded: true}, nil
		}
		return nil, err
	}
	return &d, nil
}

// Allow reports whether the request is admitted. Denials are not errors.
func (c *Client) Allow(ctx context.Context, req CheckRequest) (bool, error) {
	d, err := c.Check(ctx, req)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return false, nil
		}
		return false, err
	}
	return d.Allowed, nil
}

// Quota returns current usage without recording a request.
func (c *Client) Quota(ctx context.Context, req CheckRequest) (*Quota, error) {
	if req.Tier == "" {
		req.Tier = c.defaultTier
	}
	q := url.Values{}
	q.Set("caller_id", req.CallerID)
	q.Set("endpoint_class", req.EndpointClass)
	if req.Tier != "" {
		q.Set("tier", req.Tier)
	}
	if req.Category != "" {
		q.Set("category", req.Category)
	}

	var resp Quota
	if err := c.doRequest(ctx, http.MethodGet, "/v1/quota?"+q.Encode(), nil, &resp); err != nil {
		return nil, c.wrapUnreachable(err)
	}
	return &resp, nil
}

// AbuseStatus returns the escalation state of a caller.
func (c *Client) AbuseStatus(ctx context.Context, callerID, endpointClass string) (*AbuseStatus, error) {
	q := url.Values{}
	q.Set("caller_id", callerID)
	q.Set("endpoint_class", endpointClass)

	var resp AbuseStatus
	if err := c.doRequest(ctx, http.MethodGet, "/v1/abuse?"+q.Encode(), nil, &resp); err != nil {
		return nil, c.wrapUnreachable(err)
	}
	return &resp, nil
}

// ResetAbuse clears a caller's escalation state and returns the new status.
// It needs an admin key when the server has admin keys configured.
func (c *Client) ResetAbuse(ctx context.Context, callerID, endpointClass string) (*AbuseStatus, error) {
	body := map[string]string{"caller_id": callerID, "endpoint_class": endpointClass}

	var resp AbuseStatus
	if err := c.doRequest(ctx, http.MethodPost, "/v1/abuse/reset", body, &resp); err != nil {
		return nil, c.wrapUnreachable(err)
	}
	return &resp, nil
}

// wrapUnreachable reports connection failures on read paths regardless of
// the fail mode.
func (c *Client) wrapUnreachable(err error) error {
	if isConnectionError(err) {
		return &ServerUnreachableError{Cause: err}
	}
	return err
}

// doRequest performs an HTTP request against the server.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	endpoint := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return newAPIError(httpResp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// newAPIError decodes an error body. A 429 from /v1/check carries a decision.
func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	if status == http.StatusTooManyRequests {
		var d Decision
		if json.Unmarshal(body, &d) == nil && d.EscalationLevel != "" {
			e.decision = &d
			e.Message = d.ViolationReason
			return e
		}
	}
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		e.Message = payload.Error
	}
	return e
}

// isConnectionError reports whether err came from the transport rather than
// an HTTP response.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	// Caller cancellation is not a server failure.
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Plain integers are seconds.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}
