package transport

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
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBaseURL = "http://127.0.0.1:8080"
	defaultTimeout = 15 * time.Second
	userAgent      = "marketsync/0.1"
)

// TokenSource returns the bearer credential for the current session. An empty
// token sends the request unauthenticated.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken adapts a fixed token to a TokenSource.
func StaticToken(token string) TokenSource {
	token = strings.TrimSpace(token)
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type Options struct {
	BaseURL    string
	Token      TokenSource
	HTTPClient *http.Client
	// Timeout is the per-call ceiling. Ignored when HTTPClient is set.
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *slog.Logger
}

type HTTPClient struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

// Request describes one JSON call relative to the client's base URL.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    any
}

func NewHTTPClient(opts Options) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	token := opts.Token
	if token == nil {
		token = StaticToken("")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		logger:     logger,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// Do performs req and decodes a 2xx JSON body into out. Idempotent methods are
// retried on network errors, 429 and 5xx.
func (c *HTTPClient) Do(ctx context.Context, req Request, out any) error {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := c.resolve(req.Path, req.Query)
	correlationID := newCorrelationID()
	retryable := isIdempotent(method)

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return err
		}
		if err := c.authorize(ctx, httpReq); err != nil {
			return err
		}
		httpReq.Header.Set("Accept", "application/json")
		httpReq.Header.Set("User-Agent", userAgent)
		httpReq.Header.Set("X-Correlation-Id", correlationID)
		if bodyBytes != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		for key, value := range req.Headers {
			httpReq.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
				return fmt.Errorf("%w: %s %s", ErrAborted, method, req.Path)
			}
			if retryable && attempt < c.maxRetries {
				c.logger.Debug("retrying after network error",
					slog.String("method", method),
					slog.String("path", req.Path),
					slog.Int("attempt", attempt+1),
					slog.String("error", err.Error()),
				)
				if waitErr := c.wait(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return &NetworkError{Op: method + " " + req.Path, Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
				return fmt.Errorf("%w: %s %s", ErrAborted, method, req.Path)
			}
			return &NetworkError{Op: "read " + req.Path, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return decodeJSON(payload, out)
		}

		if retryable && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := c.wait(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}
		return decodeHTTPError(resp.StatusCode, payload)
	}
}

func (c *HTTPClient) resolve(path string, query url.Values) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target
}

func (c *HTTPClient) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (c *HTTPClient) wait(ctx context.Context, delay time.Duration) error {
	if err := waitWithContext(ctx, delay); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %v", ErrAborted, err)
		}
		return &NetworkError{Op: "retry wait", Err: err}
	}
	return nil
}

func newCorrelationID() string {
	return "ms_" + uuid.NewString()
}

func decodeJSON(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeHTTPError(status int, payload []byte) error {
	var body struct {
		Code        string            `json:"code"`
		Message     string            `json:"message"`
		FieldErrors map[string]string `json:"fieldErrors"`
	}
	_ = json.Unmarshal(payload, &body)
	if body.Message == "" {
		body.Message = http.StatusText(status)
	}
	return &HTTPError{
		StatusCode:  status,
		Code:        body.Code,
		Message:     body.Message,
		FieldErrors: body.FieldErrors,
	}
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
