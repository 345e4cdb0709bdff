// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package token owns the access/refresh token lifecycle for the chatshell
// runtime.
//
// The manager is the single source of truth for the current session. It
// persists the session as one record in durable storage (a session is either
// fully present or fully absent, never partial), decodes the access token's
// expiry claim, and refreshes the access token before it expires. Concurrent
// refresh attempts collapse onto a single network call.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/jeranaias/chatshell/internal/model"
	"github.com/jeranaias/chatshell/internal/storage"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultRefreshBuffer is how long before expiry a token is considered
	// due for refresh.
	DefaultRefreshBuffer = 300 * time.Second

	// DefaultRequestTimeout bounds the refresh and logout HTTP calls.
	DefaultRequestTimeout = 15 * time.Second

	// refreshKey is the singleflight key shared by all refresh callers.
	refreshKey = "refresh"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoRefreshToken indicates a refresh was requested without a stored
	// refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrRefreshFailed indicates the refresh flow failed; the local session
	// has been cleared.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrSessionExpired indicates the session could not be kept alive and
	// the user must authenticate again.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidTokenFormat indicates the access token could not be decoded.
	ErrInvalidTokenFormat = errors.New("invalid token format")
)

// =============================================================================
// SESSION RECORD
// =============================================================================

// Session is the stored session record. All fields are set together by
// SetTokens and cleared together by ClearSession; callers never observe a
// token without its user record.
type Session struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	User         model.User `json:"user"`

	// ExpiresAt is the access token's expiry in seconds since epoch,
	// extracted from the token's claims. Zero when the token is undecodable.
	ExpiresAt int64 `json:"expiresAt"`
}

// refreshResponse is the refresh endpoint's response body. The server may
// rotate the refresh token and re-issue the user record; both are optional.
type refreshResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken,omitempty"`
	User         *model.User `json:"user,omitempty"`
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the session record and keeps the access token fresh.
type Manager struct {
	mu      sync.RWMutex
	store   storage.Store
	session *Session // nil when no session; mirrors the stored record

	httpClient *http.Client
	refreshURL string
	logoutURL  string
	buffer     time.Duration

	// group deduplicates concurrent refresh attempts. The in-flight entry is
	// cleared by singleflight when the call settles, success or failure.
	group singleflight.Group

	// onSessionExpired is invoked (outside the lock) when a refresh fails
	// mid-flow; the app shell uses it to navigate to the login view.
	onSessionExpired func()
}

// Option is a functional option for configuring the Manager.
type Option func(*Manager)

// WithHTTPClient sets the HTTP client used for refresh and logout calls.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.httpClient = client
		}
	}
}

// WithRefreshBuffer sets how long before expiry a refresh is triggered.
func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.buffer = d
		}
	}
}

// WithSessionExpiredCallback sets the callback fired when a refresh fails
// and the session is cleared.
func WithSessionExpiredCallback(fn func()) Option {
	return func(m *Manager) {
		m.onSessionExpired = fn
	}
}

// NewManager creates a token manager backed by store. refreshURL and
// logoutURL are the absolute endpoint URLs. Any session already present in
// storage is loaded; a corrupt stored record is discarded rather than
// surfaced as an error.
func NewManager(store storage.Store, refreshURL, logoutURL string, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		refreshURL: refreshURL,
		logoutURL:  logoutURL,
		buffer:     DefaultRefreshBuffer,
		httpClient: &http.Client{Timeout: DefaultRequestTimeout},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.session = loadSession(store)
	return m
}

// loadSession reads the stored session record. A missing or malformed record
// yields nil; storage corruption degrades to "log in again", never an error.
func loadSession(store storage.Store) *Session {
	data, err := store.Get(storage.KeySession)
	if err != nil {
		return nil
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil
	}
	if sess.AccessToken == "" || sess.User.IsZero() {
		// A partial record is treated as no session at all.
		return nil
	}
	return &sess
}

// =============================================================================
// SESSION ACCESS
// =============================================================================

// SetTokens stores the access token, refresh token, and user record as one
// session. The expiry is extracted from the access token's claims; an
// undecodable token is stored with a zero expiry (and will therefore report
// NeedsRefresh immediately).
func (m *Manager) SetTokens(access, refresh string, user model.User) error {
	sess := &Session{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         user,
	}
	if expiry, err := decodeExpiry(access); err == nil {
		sess.ExpiresAt = expiry.Unix()
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := m.store.Set(storage.KeySession, data); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()
	return nil
}

// Session returns a copy of the current session and whether one exists.
func (m *Manager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// User returns the current session's user record, if any.
func (m *Manager) User() (model.User, bool) {
	sess, ok := m.Session()
	if !ok {
		return model.User{}, false
	}
	return sess.User, true
}

// ClearSession removes the session from memory and durable storage.
func (m *Manager) ClearSession() error {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	return m.store.Delete(storage.KeySession)
}

// =============================================================================
// EXPIRY CHECKS
// =============================================================================

// IsAuthenticated reports whether a stored access token exists and has not
// expired. A malformed token reports false; decode failures never propagate.
func (m *Manager) IsAuthenticated() bool {
	sess, ok := m.Session()
	if !ok {
		return false
	}
	expiry, err := decodeExpiry(sess.AccessToken)
	if err != nil {
		return false
	}
	return expiry.After(time.Now())
}

// NeedsRefresh reports whether the access token's expiry falls within the
// refresh buffer, or the token cannot be decoded. A token can be valid and
// still need refresh.
func (m *Manager) NeedsRefresh() bool {
	sess, ok := m.Session()
	if !ok {
		return false
	}
	expiry, err := decodeExpiry(sess.AccessToken)
	if err != nil {
		// Fail toward refreshing: an undecodable token should be replaced.
		return true
	}
	return !expiry.After(time.Now().Add(m.buffer))
}

// decodeExpiry extracts the exp claim from a JWT without verifying its
// signature; validation is the server's job, the client only needs the
// expiry for scheduling.
func decodeExpiry(tokenString string) (time.Time, error) {
	if tokenString == "" {
		return time.Time{}, ErrInvalidTokenFormat
	}

	parser := jwt.NewParser()
	tok, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTokenFormat, err)
	}

	expiry, err := tok.Claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp claim", ErrInvalidTokenFormat)
	}
	return expiry.Time, nil
}

// =============================================================================
// REFRESH FLOW
// =============================================================================

// RefreshAccessToken exchanges the refresh token for a new access token.
//
// Concurrent callers share a single in-flight refresh: they all receive the
// result of the one underlying network call. On any failure the entire
// session is cleared; partial credentials are never kept.
func (m *Manager) RefreshAccessToken(ctx context.Context) error {
	_, err, _ := m.group.Do(refreshKey, func() (interface{}, error) {
		return nil, m.doRefresh(ctx)
	})
	return err
}

func (m *Manager) doRefresh(ctx context.Context) error {
	sess, ok := m.Session()
	if !ok || sess.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	body, err := json.Marshal(map[string]string{"refreshToken": sess.RefreshToken})
	if err != nil {
		return fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.refreshURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.failSession()
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.failSession()
		return fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}

	var refreshed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&refreshed); err != nil {
		m.failSession()
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if refreshed.AccessToken == "" {
		m.failSession()
		return fmt.Errorf("%w: response carried no access token", ErrRefreshFailed)
	}

	// Rotate the refresh token only if the server issued a new one.
	newRefresh := sess.RefreshToken
	if refreshed.RefreshToken != "" {
		newRefresh = refreshed.RefreshToken
	}
	user := sess.User
	if refreshed.User != nil {
		user = *refreshed.User
	}

	return m.SetTokens(refreshed.AccessToken, newRefresh, user)
}

// failSession clears the session after a failed refresh. The clear is
// unconditional; a session that cannot be refreshed is useless.
func (m *Manager) failSession() {
	_ = m.ClearSession()
}

// =============================================================================
// AUTH HEADER
// =============================================================================

// AuthHeader returns the bearer header value for the current session,
// refreshing the access token first when it is near expiry.
//
// Three outcomes:
//   - no session at all: returns ("", nil) — callers handle unauthenticated
//     calls explicitly rather than via an error
//   - live (or freshly refreshed) session: returns "Bearer <token>"
//   - refresh attempted and failed: the session-expired callback fires and
//     ErrSessionExpired is returned
func (m *Manager) AuthHeader(ctx context.Context) (string, error) {
	sess, ok := m.Session()
	if !ok {
		return "", nil
	}

	if m.NeedsRefresh() {
		if err := m.RefreshAccessToken(ctx); err != nil {
			if m.onSessionExpired != nil {
				m.onSessionExpired()
			}
			return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		sess, ok = m.Session()
		if !ok {
			return "", ErrSessionExpired
		}
	}

	return "Bearer " + sess.AccessToken, nil
}

// =============================================================================
// LOGOUT
// =============================================================================

// Logout notifies the server (best effort; failures are ignored so logout
// can never get stuck on a bad network) and then unconditionally clears the
// local session.
func (m *Manager) Logout(ctx context.Context) error {
	sess, ok := m.Session()
	if ok {
		m.notifyLogout(ctx, sess)
	}
	return m.ClearSession()
}

func (m *Manager) notifyLogout(ctx context.Context, sess Session) {
	body, err := json.Marshal(map[string]string{"refreshToken": sess.RefreshToken})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.logoutURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return
	}
	// Response content is irrelevant; drain so the connection can be reused.
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
