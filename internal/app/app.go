// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package app wires the chatshell runtime together: one token manager, one
// state store, one API client, and one navigator, constructed once and shared
// by reference. The shell owns the cross-component flows (login, logout,
// message send, session expiry) so the individual packages stay decoupled.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/chatshell/internal/api"
	"github.com/jeranaias/chatshell/internal/config"
	"github.com/jeranaias/chatshell/internal/model"
	"github.com/jeranaias/chatshell/internal/nav"
	"github.com/jeranaias/chatshell/internal/storage"
	"github.com/jeranaias/chatshell/internal/store"
	"github.com/jeranaias/chatshell/internal/token"
	"github.com/jeranaias/chatshell/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrLoginFailed is returned when the login endpoint rejects the
	// credentials or returns an unusable response.
	ErrLoginFailed = errors.New("app: login failed")

	// ErrEmptyMessage is returned by SendMessage for blank content.
	ErrEmptyMessage = errors.New("app: message content is empty")

	// ErrMessageTooLong is returned by SendMessage when content exceeds
	// maxMessageRunes.
	ErrMessageTooLong = errors.New("app: message content too long")
)

// maxMessageRunes caps outgoing message length, counted in characters so
// multi-byte text is not penalized.
const maxMessageRunes = 4000

// =============================================================================
// RENDERER
// =============================================================================

// Renderer receives view changes. The shell only mutates the store and
// notifies the renderer; how a view is drawn is entirely up to the
// implementation (terminal UI, test double, headless).
type Renderer interface {
	Render(view model.View, state store.State)
}

// =============================================================================
// ROUTES
// =============================================================================

// Route paths handled by the shell.
const (
	RouteLogin     = "/login"
	RouteChat      = "/chat"
	RouteDashboard = "/dashboard"
	RouteSettings  = "/settings"
)

// protectedRoutes require an authenticated session. /login is deliberately
// excluded so the auth-guard redirect cannot recurse.
var protectedRoutes = map[string]bool{
	RouteChat:      true,
	RouteDashboard: true,
	RouteSettings:  true,
}

// =============================================================================
// APP SHELL
// =============================================================================

// App is the composition root. All fields are singletons shared by reference;
// constructing a second App with the same backing store is unsupported.
type App struct {
	cfg     *config.Config
	backing storage.Store
	Tokens  *token.Manager
	Store   *store.Store
	API     *api.Client
	Nav     *nav.Navigator

	renderer Renderer

	httpClient *http.Client
	loginURL   string

	mu           sync.Mutex
	lastActivity time.Time
}

// Option configures the App.
type Option func(*App)

// WithRenderer attaches a renderer that is notified on every view change.
func WithRenderer(r Renderer) Option {
	return func(a *App) {
		a.renderer = r
	}
}

// WithHTTPClient overrides the client used for the login request.
func WithHTTPClient(client *http.Client) Option {
	return func(a *App) {
		a.httpClient = client
	}
}

// New constructs the shell and wires every component. The backing store is
// owned by the caller; Close releases everything else.
func New(cfg *config.Config, backing storage.Store, opts ...Option) *App {
	a := &App{
		cfg:     cfg,
		backing: backing,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Server.TimeoutSecs) * time.Second,
		},
		loginURL: cfg.Server.BaseURL + "/api/auth/login",
	}

	a.Tokens = token.NewManager(
		backing,
		cfg.Server.BaseURL+cfg.Auth.RefreshPath,
		cfg.Server.BaseURL+cfg.Auth.LogoutPath,
		token.WithRefreshBuffer(time.Duration(cfg.Auth.RefreshBufferSecs)*time.Second),
		token.WithSessionExpiredCallback(a.onSessionExpired),
	)

	a.Store = store.New()
	a.API = api.NewClient(
		cfg.Server.BaseURL,
		a.Tokens,
		backing,
		api.WithMaxRetries(cfg.Server.MaxRetries),
		api.WithTimeout(time.Duration(cfg.Server.TimeoutSecs)*time.Second),
		api.WithRateLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
	)
	a.Nav = nav.New(nil)

	for _, opt := range opts {
		opt(a)
	}

	a.wireStore()
	a.wireRoutes()
	return a
}

// wireStore seeds state from config, then layers the persisted snapshot and
// the session record on top; the user's last persisted settings win over the
// config file's.
func (a *App) wireStore() {
	a.Store.SetTheme(a.cfg.UI.Theme)
	a.Store.SetLanguage(a.cfg.UI.Language)
	if err := a.Store.Restore(a.backing); err != nil {
		log.Printf("APP_RESTORE_FAILED | err=%v", err)
	}
	if user, ok := a.Tokens.User(); ok {
		a.Store.SetUser(user)
	}
}

// wireRoutes registers view handlers and the shared navigation hooks.
func (a *App) wireRoutes() {
	a.Nav.RegisterRoutes(map[string]nav.HandlerFunc{
		RouteLogin:     a.viewHandler(model.ViewLogin),
		RouteChat:      a.viewHandler(model.ViewChat),
		RouteDashboard: a.viewHandler(model.ViewDashboard),
		RouteSettings:  a.viewHandler(model.ViewSettings),
	})

	// Auth guard: cancel navigation into protected routes without a valid
	// session. The redirect happens in Navigate, never inside the hook.
	a.Nav.BeforeEach(func(from, to string) bool {
		if protectedRoutes[to] && !a.Tokens.IsAuthenticated() {
			return false
		}
		return true
	})

	a.Nav.AfterEach(func(from, to string) {
		a.touchActivity()
	})
}

// viewHandler returns a handler that sets the active view and notifies the
// renderer. Handlers never touch history; the navigator owns that.
func (a *App) viewHandler(view model.View) nav.HandlerFunc {
	return func(ctx context.Context, path string) error {
		a.Store.SetCurrentView(view)
		if a.renderer != nil {
			a.renderer.Render(view, a.Store.Snapshot())
		}
		return nil
	}
}

// =============================================================================
// NAVIGATION
// =============================================================================

// Navigate routes to path. A navigation cancelled by the auth guard falls
// back to the login view so the user is never left on a stale route.
func (a *App) Navigate(ctx context.Context, path string) error {
	err := a.Nav.Navigate(ctx, path)
	if errors.Is(err, nav.ErrNavigationCancelled) && protectedRoutes[path] && !a.Tokens.IsAuthenticated() {
		if rerr := a.Nav.Replace(ctx, RouteLogin); rerr != nil {
			return rerr
		}
		return err
	}
	return err
}

// Back navigates to the previous route.
func (a *App) Back(ctx context.Context) error {
	return a.Nav.Back(ctx)
}

// touchActivity records the time of the last committed navigation.
func (a *App) touchActivity() {
	a.mu.Lock()
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

// LastActivity returns the time of the last committed navigation, or the zero
// time if none has happened.
func (a *App) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

// =============================================================================
// AUTH FLOWS
// =============================================================================

// loginResponse is the expected shape of the login endpoint's reply.
type loginResponse struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	User         model.User `json:"user"`
}

// Login authenticates against the backend, stores the returned tokens, and
// navigates to the chat view. The login request is the one API call made
// without a session, so it goes straight to the auth endpoint rather than
// through the invoke client.
func (a *App) Login(ctx context.Context, email, password string) error {
	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return fmt.Errorf("failed to encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.loginURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrLoginFailed, resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("%w: invalid response: %v", ErrLoginFailed, err)
	}
	if lr.AccessToken == "" {
		return fmt.Errorf("%w: response missing access token", ErrLoginFailed)
	}

	if err := a.Tokens.SetTokens(lr.AccessToken, lr.RefreshToken, lr.User); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	a.Store.SetUser(lr.User)
	a.Store.SetLastError("")
	log.Printf("LOGIN | user=%s", lr.User.ID)

	return a.Navigate(ctx, RouteChat)
}

// Logout tears the session down locally regardless of whether the server
// acknowledged the logout, then returns to the login view.
func (a *App) Logout(ctx context.Context) error {
	if err := a.Tokens.Logout(ctx); err != nil {
		log.Printf("LOGOUT_FAILED | err=%v", err)
	}
	a.Store.ClearUser()
	a.Store.ClearMessages()
	return a.Nav.Replace(ctx, RouteLogin)
}

// onSessionExpired fires when a token refresh fails permanently. The session
// is already cleared by the token manager at this point.
func (a *App) onSessionExpired() {
	log.Printf("SESSION_EXPIRED | route=%s", a.Nav.CurrentRoute())
	a.Store.ClearUser()
	a.Store.SetLastError("session expired, please sign in again")
	if err := a.Nav.Replace(context.Background(), RouteLogin); err != nil {
		log.Printf("SESSION_EXPIRED_REDIRECT_FAILED | err=%v", err)
	}
}

// =============================================================================
// CHAT FLOW
// =============================================================================

// SendMessage appends the user message, streams the assistant reply into an
// accumulating message, and persists the conversation when the stream ends.
// A mid-stream failure keeps the partial assistant content and records the
// error in the store.
func (a *App) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	if util.RuneLen(content) > maxMessageRunes {
		return fmt.Errorf("%w: %d characters (max %d)", ErrMessageTooLong, util.RuneLen(content), maxMessageRunes)
	}

	a.Store.AppendMessage(model.NewMessage(model.RoleUser, content))
	a.Store.SetStreaming(true)
	defer a.Store.SetStreaming(false)

	chunks, err := a.API.Stream(ctx, "chat.send", map[string]any{
		"content": content,
	})
	if err != nil {
		a.Store.SetLastError(err.Error())
		return fmt.Errorf("failed to send message: %w", err)
	}

	a.Store.AppendMessage(model.NewMessage(model.RoleAssistant, ""))

	var assembled strings.Builder
	for chunk := range chunks {
		if chunk.HasError() {
			a.Store.SetLastError(chunk.Err.Error())
			a.persistConversation()
			return fmt.Errorf("stream failed: %w", chunk.Err)
		}
		if chunk.Content != "" {
			assembled.WriteString(chunk.Content)
			a.Store.UpdateLastMessage(assembled.String())
		}
	}

	a.Store.SetLastError("")
	a.persistConversation()
	return nil
}

// persistConversation snapshots durable state; persistence failures are logged
// rather than surfaced because the in-memory conversation is still intact.
func (a *App) persistConversation() {
	if err := a.Store.Persist(a.backing); err != nil {
		log.Printf("APP_PERSIST_FAILED | err=%v", err)
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start performs initial navigation: straight to chat when a session is
// already valid, otherwise to login.
func (a *App) Start(ctx context.Context) error {
	if a.Tokens.IsAuthenticated() {
		return a.Navigate(ctx, RouteChat)
	}
	return a.Navigate(ctx, RouteLogin)
}

// Close persists state and releases the backing store.
func (a *App) Close() error {
	a.persistConversation()
	return a.backing.Close()
}
