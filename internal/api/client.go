// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api implements the HTTP client for the chatshell backend.
//
// Every operation travels as a POST with a JSON envelope naming the
// operation and carrying its parameters:
//
//	{"key": "chat.send", "params": {...}}
//
// Unary calls go to the invoke endpoint and are retried with exponential
// backoff on rate limiting and server errors. Streaming calls go to the
// stream endpoint as server-sent events and are never retried.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jeranaias/chatshell/internal/storage"
	"github.com/jeranaias/chatshell/internal/token"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout bounds each unary request attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of attempts for transient failures.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay caps the exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize limits how much of a response body is read.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB

	// invokePath is the unary envelope endpoint.
	invokePath = "/api/invoke"

	// streamPath is the SSE envelope endpoint.
	streamPath = "/api/stream"

	// healthPath is the unauthenticated liveness endpoint.
	healthPath = "/api/health"

	userAgent = "chatshell/0.1.0"
)

// Shared HTTP clients with connection pooling. The unary client carries the
// request timeout; the streaming client has none, streams are bounded by
// their context.
var (
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Timeout: DefaultTimeout,
	}

	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		// No timeout for streaming, controlled via context.
	}
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotAuthenticated indicates an authenticated call was attempted with
	// no session. Returned before any network I/O happens.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrRequestTimeout indicates the request exceeded its deadline.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrNetwork indicates the request failed before an HTTP response
	// arrived (DNS, connection refused, reset).
	ErrNetwork = errors.New("network error")

	// ErrRateLimited indicates the server rejected the call with 429.
	ErrRateLimited = errors.New("rate limited")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("api error (HTTP %d): %s", e.Status, e.Message)
}

// apiErrorResponse is the server's error body shape.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// ENVELOPE
// =============================================================================

// envelope is the request body for both invoke and stream endpoints.
type envelope struct {
	Key    string `json:"key"`
	Params any    `json:"params,omitempty"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the chatshell backend. All methods are safe for
// concurrent use.
type Client struct {
	baseURL    string
	tokens     *token.Manager
	store      storage.Store
	maxRetries int

	// limiter smooths outgoing calls so a burst of UI actions cannot trip
	// the server's rate limits in the first place.
	limiter *rate.Limiter

	// httpClient carries the unary timeout; streamClient has none, streams
	// are bounded by their context. Both default to the shared pooled
	// clients.
	httpClient   *http.Client
	streamClient *http.Client

	// flights collapses identical in-flight unary calls into one request;
	// cache serves repeated idempotent calls without any request at all.
	flights singleflight.Group
	cache   *responseCache

	mu        sync.Mutex
	sessionID string // cached after first use
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithMaxRetries sets the maximum number of attempts for unary calls.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithRateLimit sets the client-side request rate and burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTimeout overrides the per-attempt timeout for unary calls. Streaming
// calls are unaffected; they are bounded by their context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 || d == DefaultTimeout {
			return
		}
		c.httpClient = &http.Client{
			Transport: sharedHTTPClient.Transport,
			Timeout:   d,
		}
	}
}

// NewClient creates a client for the backend at baseURL. The token manager
// supplies bearer credentials; store persists the client session identifier
// across restarts.
func NewClient(baseURL string, tokens *token.Manager, store storage.Store, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		tokens:       tokens,
		store:        store,
		maxRetries:   DefaultMaxRetries,
		limiter:      rate.NewLimiter(rate.Limit(10), 20),
		httpClient:   sharedHTTPClient,
		streamClient: sharedStreamingClient,
		cache:        newResponseCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the client session identifier, generating and persisting
// one on first use. The identifier tags every request so the backend can
// correlate calls from one running client.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID != "" {
		return c.sessionID
	}

	if data, err := c.store.Get(storage.KeySessionID); err == nil && len(data) > 0 {
		c.sessionID = string(data)
		return c.sessionID
	}

	id := uuid.NewString()
	if err := c.store.Set(storage.KeySessionID, []byte(id)); err != nil {
		log.Printf("SESSION_ID_PERSIST_FAILED | error=%v", err)
	}
	c.sessionID = id
	return id
}

// setHeaders applies the common headers: content type, user agent, session
// correlation, and (when non-empty) identity.
func (c *Client) setHeaders(req *http.Request, authHeader, userID string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-session-id", c.SessionID())
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	if userID != "" {
		req.Header.Set("x-user-id", userID)
	}
}

// credentials resolves the auth header and user ID for an authenticated
// call. Fails fast with ErrNotAuthenticated before any I/O when there is no
// session; a session that cannot be refreshed surfaces as ErrSessionExpired
// from the token manager.
func (c *Client) credentials(ctx context.Context) (authHeader, userID string, err error) {
	authHeader, err = c.tokens.AuthHeader(ctx)
	if err != nil {
		return "", "", err
	}
	if authHeader == "" {
		return "", "", ErrNotAuthenticated
	}
	if user, ok := c.tokens.User(); ok {
		userID = user.ID
	}
	return authHeader, userID, nil
}

// =============================================================================
// UNARY CALLS
// =============================================================================

// Call performs an authenticated unary operation and returns the raw
// response body. Rate-limited (429) and server-error (5xx) responses are
// retried with exponential backoff; every other failure returns immediately.
//
// Identical calls already in flight share a single request, and idempotent
// operations are served from a short-lived cache. Both are keyed on the full
// request envelope, so calls with different parameters never collapse.
// Callers receive their own copy of the body.
func (c *Client) Call(ctx context.Context, key string, params any) ([]byte, error) {
	authHeader, userID, err := c.credentials(ctx)
	if err != nil {
		return nil, err
	}

	bodyBytes, err := json.Marshal(envelope{Key: key, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", key, err)
	}
	envKey := string(bodyBytes)

	canCache := cacheable(key, params)
	if canCache {
		if body, ok := c.cache.get(envKey); ok {
			return body, nil
		}
	}

	// The winning caller's context drives the shared request; losers that
	// cancel early still get the shared result when it settles.
	v, err, _ := c.flights.Do(envKey, func() (any, error) {
		return c.invoke(ctx, key, bodyBytes, authHeader, userID)
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]byte)

	if canCache {
		c.cache.set(key, envKey, shared)
	}

	body := make([]byte, len(shared))
	copy(body, shared)
	return body, nil
}

// InvalidateCache drops every cached response for one operation. Callers
// invoke it after a mutation that makes the operation's cached reads stale.
func (c *Client) InvalidateCache(key string) {
	c.cache.invalidate(key)
}

// ClearCache drops all cached responses.
func (c *Client) ClearCache() {
	c.cache.clear()
}

// CacheStats returns a snapshot of the response cache counters.
func (c *Client) CacheStats() CacheStats {
	return c.cache.stats()
}

// CallInto performs Call and decodes the response body into out.
func (c *Client) CallInto(ctx context.Context, key string, params, out any) error {
	body, err := c.Call(ctx, key, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", key, err)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, key string, bodyBytes []byte, authHeader, userID string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, classifyTransportError(ctx.Err())
			case <-time.After(delay):
			}
		}

		body, err := c.doRequest(ctx, key, bodyBytes, authHeader, userID)
		if err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return body, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doRequest performs one attempt against the invoke endpoint.
func (c *Client) doRequest(ctx context.Context, key string, bodyBytes []byte, authHeader, userID string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransportError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+invokePath, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", key, err)
	}
	c.setHeaders(req, authHeader, userID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	log.Printf("API_CALL | key=%s status=%d duration=%v", key, resp.StatusCode, time.Since(start))

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// healthResponse is the health endpoint's body.
type healthResponse struct {
	Status string `json:"status"`
}

// HealthCheck probes the backend's liveness endpoint. It needs no session
// and is never retried; callers poll it instead.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("x-session-id", c.SessionID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return handleErrorResponse(resp.StatusCode, body)
	}

	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("failed to parse health response: %w", err)
	}
	if health.Status != "ok" {
		return fmt.Errorf("backend unhealthy: status %q", health.Status)
	}
	return nil
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// readResponse reads the body with a size cap.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts a non-2xx response into a Go error.
func handleErrorResponse(statusCode int, body []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		if statusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Error.Message)
		}
		return &APIError{
			Code:    apiErr.Error.Code,
			Message: apiErr.Error.Message,
			Status:  statusCode,
		}
	}

	if statusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return &APIError{
		Message: strings.TrimSpace(string(body)),
		Status:  statusCode,
	}
}

// classifyTransportError maps pre-response failures onto the two transport
// sentinels: deadline problems become ErrRequestTimeout, everything else
// becomes ErrNetwork. Context cancellation passes through untouched so
// callers can tell a user abort from a network fault.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// isRetryable reports whether an error warrants another attempt. Only rate
// limiting and server errors qualify; auth failures, client errors, and
// transport faults do not.
func isRetryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 && apiErr.Status < 600
	}
	return false
}

// calculateBackoff returns the delay before the next retry attempt:
// 500ms, 1s, 2s, capped.
func calculateBackoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
