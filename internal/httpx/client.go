package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// APIError is the typed failure surfaced by the request engine. Status is
// always set; the remaining fields come from a structured JSON error body
// when the server provides one.
type APIError struct {
	Status    int    `json:"status"`
	Code      string `json:"code,omitempty"`
	Type      string `json:"type,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error (status %d)", e.Status)
}

// StatusTimeout is synthesized when a request is cancelled by its own
// timeout rather than rejected by the server
const StatusTimeout = http.StatusRequestTimeout

// Config controls a Client
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	AuthHeader string        // e.g. "X-Auth-Token"; empty disables auth injection
	TokenFn    func() string // re-read per request so key changes apply immediately
	Log        *zap.Logger
}

// Client is a retrying JSON HTTP client. Only idempotent methods are ever
// retried; non-idempotent methods fail on the first error to avoid duplicate
// side effects such as double-voting.
type Client struct {
	http       *http.Client
	baseURL    string
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	authHeader string
	tokenFn    func() string
	log        *zap.Logger
}

// Options customizes a single request
type Options struct {
	Method  string
	Headers map[string]string
	Body    any
	Timeout time.Duration // overrides the client default when > 0
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Client{
		http:       &http.Client{},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		authHeader: cfg.AuthHeader,
		tokenFn:    cfg.TokenFn,
		log:        cfg.Log,
	}
}

var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
}

// linearBackoff waits baseDelay*n before attempt n+1
func linearBackoff(base time.Duration) retry.Backoff {
	n := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return base * time.Duration(n), false
	})
}

// Request performs an HTTP request against the client's base URL and returns
// the raw JSON body. Failures carry an *APIError.
func (c *Client) Request(ctx context.Context, endpoint string, opts Options) (json.RawMessage, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var lastErr error
	var lastBody json.RawMessage
	backoff := retry.WithMaxRetries(uint64(c.maxRetries-1), linearBackoff(c.baseDelay))

	doErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		body, err := c.attempt(ctx, method, endpoint, opts)
		if err == nil {
			lastErr = nil
			lastBody = body
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if safeMethods[method] && errors.As(err, &apiErr) && retryableStatus(apiErr.Status) {
			c.log.Warn("retrying request",
				zap.String("method", method),
				zap.String("endpoint", endpoint),
				zap.Int("status", apiErr.Status),
			)
			return retry.RetryableError(err)
		}
		return err
	})
	if doErr != nil {
		// Prefer the typed error captured on the final attempt
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, &APIError{Status: 0, Message: doErr.Error()}
	}
	return lastBody, nil
}

func (c *Client) attempt(ctx context.Context, method, endpoint string, opts Options) (json.RawMessage, error) {
	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if opts.Body != nil {
		b, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	url := endpoint
	if c.baseURL != "" && !strings.HasPrefix(endpoint, "http") {
		url = c.baseURL + endpoint
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	// Caller headers merged last so they win on conflicts
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	// Auth is applied after the merge; callers cannot override it
	if c.authHeader != "" && c.tokenFn != nil {
		if token := c.tokenFn(); token != "" {
			req.Header.Set(c.authHeader, token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Distinguish our own timeout from transport failures
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &APIError{Status: StatusTimeout, Message: "request timed out"}
		}
		return nil, &APIError{Status: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Status: resp.StatusCode, Message: "failed to read response body"}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseErrorBody(resp.StatusCode, raw)
	}

	return json.RawMessage(raw), nil
}

// parseErrorBody extracts a structured error from a JSON body, falling back
// to the raw response text
func parseErrorBody(status int, raw []byte) *APIError {
	apiErr := &APIError{Status: status}
	if json.Unmarshal(raw, apiErr) == nil && apiErr.Message != "" {
		apiErr.Status = status
		return apiErr
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}
