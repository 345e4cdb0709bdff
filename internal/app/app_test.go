// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/chatshell/internal/config"
	"github.com/jeranaias/chatshell/internal/model"
	"github.com/jeranaias/chatshell/internal/nav"
	"github.com/jeranaias/chatshell/internal/storage"
	"github.com/jeranaias/chatshell/internal/store"
)

// makeToken builds an unsigned JWT with the given expiry. The runtime only
// decodes claims, it never verifies signatures.
func makeToken(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, err := json.Marshal(map[string]any{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	if err != nil {
		t.Fatalf("failed to marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return header + "." + payload + ".sig"
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Server.BaseURL = baseURL
	cfg.Storage.Driver = "memory"
	return cfg
}

// newTestApp builds an App against the given handler. The returned server
// backs login, refresh, logout, and streaming endpoints.
func newTestApp(t *testing.T, handler http.Handler) (*App, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a := New(testConfig(server.URL), storage.NewMemStore())
	return a, server
}

func loginHandler(t *testing.T, user model.User) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Errorf("bad login body: %v", err)
		}
		if creds["password"] != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  makeToken(t, time.Now().Add(time.Hour)),
			"refreshToken": "refresh-1",
			"user":         user,
		})
	})
	return mux
}

func TestLoginSuccess(t *testing.T) {
	user := model.User{ID: "user-1", Email: "a@b.c", DisplayName: "Alice"}
	a, _ := newTestApp(t, loginHandler(t, user))

	if err := a.Login(context.Background(), "a@b.c", "hunter2"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if !a.Tokens.IsAuthenticated() {
		t.Error("expected authenticated session after login")
	}
	state := a.Store.Snapshot()
	if state.User.ID != "user-1" || !state.IsAuthenticated {
		t.Errorf("store user = %+v auth=%v", state.User, state.IsAuthenticated)
	}
	if state.CurrentView != model.ViewChat {
		t.Errorf("view = %s, want chat", state.CurrentView)
	}
	if a.Nav.CurrentRoute() != RouteChat {
		t.Errorf("route = %s, want %s", a.Nav.CurrentRoute(), RouteChat)
	}
}

func TestLoginRejected(t *testing.T) {
	a, _ := newTestApp(t, loginHandler(t, model.User{}))

	err := a.Login(context.Background(), "a@b.c", "wrong")
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("error = %v, want ErrLoginFailed", err)
	}
	if a.Tokens.IsAuthenticated() {
		t.Error("should not be authenticated after rejected login")
	}
	if a.Nav.CurrentRoute() != "" {
		t.Errorf("route = %q, want empty", a.Nav.CurrentRoute())
	}
}

func TestAuthGuardRedirectsToLogin(t *testing.T) {
	a, _ := newTestApp(t, http.NotFoundHandler())

	err := a.Navigate(context.Background(), RouteChat)
	if !errors.Is(err, nav.ErrNavigationCancelled) {
		t.Fatalf("error = %v, want ErrNavigationCancelled", err)
	}
	if a.Nav.CurrentRoute() != RouteLogin {
		t.Errorf("route = %s, want %s after guard redirect", a.Nav.CurrentRoute(), RouteLogin)
	}
	if a.Store.Snapshot().CurrentView != model.ViewLogin {
		t.Errorf("view = %s, want login", a.Store.Snapshot().CurrentView)
	}
}

func TestAuthGuardAllowsAuthenticated(t *testing.T) {
	user := model.User{ID: "user-1"}
	a, _ := newTestApp(t, loginHandler(t, user))

	if err := a.Login(context.Background(), "a@b.c", "hunter2"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := a.Navigate(context.Background(), RouteDashboard); err != nil {
		t.Fatalf("Navigate failed: %v", err)
	}
	if a.Nav.CurrentRoute() != RouteDashboard {
		t.Errorf("route = %s, want %s", a.Nav.CurrentRoute(), RouteDashboard)
	}
}

func TestStartRoutesByAuthState(t *testing.T) {
	t.Run("unauthenticated lands on login", func(t *testing.T) {
		a, _ := newTestApp(t, http.NotFoundHandler())
		if err := a.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if a.Nav.CurrentRoute() != RouteLogin {
			t.Errorf("route = %s, want %s", a.Nav.CurrentRoute(), RouteLogin)
		}
	})

	t.Run("valid session lands on chat", func(t *testing.T) {
		a, _ := newTestApp(t, loginHandler(t, model.User{ID: "user-1"}))
		if err := a.Login(context.Background(), "a@b.c", "hunter2"); err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		// Route back to login first so Start has somewhere to go.
		if err := a.Nav.Replace(context.Background(), RouteLogin); err != nil {
			t.Fatalf("Replace failed: %v", err)
		}
		if err := a.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if a.Nav.CurrentRoute() != RouteChat {
			t.Errorf("route = %s, want %s", a.Nav.CurrentRoute(), RouteChat)
		}
	})
}

func TestSessionRestoredAcrossAppInstances(t *testing.T) {
	backing := storage.NewMemStore()
	server := httptest.NewServer(loginHandler(t, model.User{ID: "user-1", DisplayName: "Alice"}))
	defer server.Close()

	first := New(testConfig(server.URL), backing)
	if err := first.Login(context.Background(), "a@b.c", "hunter2"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	second := New(testConfig(server.URL), backing)
	if !second.Tokens.IsAuthenticated() {
		t.Error("expected restored session in second instance")
	}
	if got := second.Store.Snapshot().User.ID; got != "user-1" {
		t.Errorf("restored user = %q, want user-1", got)
	}
}

// streamHandler serves login plus an SSE stream of the given chunks.
func streamHandler(t *testing.T, chunks []string) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	loginMux := loginHandler(t, model.User{ID: "user-1"})
	mux.Handle("/api/auth/login", loginMux)
	mux.HandleFunc("/api/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, content := range chunks {
			data, _ := json.Marshal(map[string]any{"content": content})
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})
	return mux
}

func TestSendMessageStreamsReply(t *testing.T) {
	a, _ := newTestApp(t, streamHandler(t, []string{"Hello", ", ", "world"}))
	if err := a.Login(context.Background(), "a@b.c", "hunter2"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	var sawStreaming bool
	a.Store.Subscribe(store.PathIsStreaming, func(newValue, oldValue any, path string) {
		if b, ok := newValue.(bool); ok && b {
			sawStreaming = true
		}
	})

	if err := a.SendMessage(context.Background(), "hi there"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	state := a.Store.Snapshot()
	if len(state.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(state.Messages))
	}
	if state.Messages[0].Role != model.RoleUser || state.Messages[0].Content != "hi there" {
		t.Errorf("user message = %+v", state.Messages[0])
	}
	if state.Messages[1].Role != model.RoleAssistant || state.Messages[1].Content != "Hello, world" {
		t.Errorf("assistant message = %+v", state.Messages[1])
	}
	if state.IsStreaming {
		t.Error("IsStreaming should be false after completion")
	}
	if !sawStreaming {
		t.Error("IsStreaming was never true during the stream")
	}
	if state.LastError != "" {
		t.Errorf("LastError = %q, want empty", state.LastError)
	}
}

func TestSendMessageEmpty(t *testing.T) {
	a, _ := newTestApp(t, http.NotFoundHandler())

	if err := a.SendMessage(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("error = %v, want ErrEmptyMessage", err)
	}
	if got := len(a.Store.Snapshot().Messages); got != 0 {
		t.Errorf("messages = %d, want 0", got)
	}
}

func TestSendMessageTooLong(t *testing.T) {
	a, _ := newTestApp(t, http.NotFoundHandler())

	content := strings.Repeat("ü", maxMessageRunes+1)
	if err := a.SendMessage(context.Background(), content); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("error = %v, want ErrMessageTooLong", err)
	}
	if got := len(a.Store.Snapshot().Messages); got != 0 {
		t.Errorf("messages = %d, want 0", got)
	}

	// The limit counts runes, not bytes, so a max-length multibyte message
	// still goes through the auth guard rather than the length guard.
	atLimit := strings.Repeat("ü", maxMessageRunes)
	if err := a.SendMessage(context.Background(), atLimit); errors.Is(err, ErrMessageTooLong) {
		t.Errorf("max-length message rejected: %v", err)
	}
}

func TestSendMessageUnauthenticated(t *testing.T) {
	a, _ := newTestApp(t, http.NotFoundHandler())

	if err := a.SendMessage(context.Background(), "hello"); err == nil {
		t.Fatal("expected error without a session")
	}
	state := a.Store.Snapshot()
	// The user message is kept so the input is not lost; no assistant
	// placeholder is added.
	if len(state.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(state.Messages))
	}
	if state.LastError == "" {
		t.Error("LastError should record the failure")
	}
}

func TestSendMessageKeepsPartialOnStreamFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/api/auth/login", loginHandler(t, model.User{ID: "user-1"}))
	mux.HandleFunc("/api/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"content\":\"partial \"}\n\n")
		flusher.Flush()
		// Kill the connection mid-stream.
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("server does not support hijacking")
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Fatalf("hijack failed: %v", err)
		}
		conn.Close()
	})

	a, _ := newTestApp(t, mux)
	if err := a.Login(context.Background(), "a@b.c", "hunter2"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := a.SendMessage(context.Background(), "hi"); err == nil {
		t.Fatal("expected stream failure")
	}

	state := a.Store.Snapshot()
	if len(state.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(state.Messages))
	}
	if state.Messages[1].Content != "partial " {
		t.Errorf("partial content = %q, want %q", state.Messages[1].Content, "partial ")
	}
	if state.IsStreaming {
		t.Error("IsStreaming should be false after failure")
	}
	if state.LastError == "" {
		t.Error("LastError should record the stream failure")
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/api/auth/login", loginHandler(t, model.User{ID: "user-1"}))
	mux.HandleFunc("/api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		// Server-side failure must not block local teardown.
		w.WriteHeader(http.StatusInternalServerError)
	})

	a, _ := newTestApp(t, mux)
	if err := a.Login(context.Background(), "a@b.c", "hunter2"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	a.Store.AppendMessage(model.NewMessage(model.RoleUser, "hello"))

	if err := a.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}

	if a.Tokens.IsAuthenticated() {
		t.Error("session should be cleared")
	}
	state := a.Store.Snapshot()
	if state.IsAuthenticated || !state.User.IsZero() {
		t.Errorf("store user not cleared: %+v", state.User)
	}
	if len(state.Messages) != 0 {
		t.Errorf("messages = %d, want 0", len(state.Messages))
	}
	if a.Nav.CurrentRoute() != RouteLogin {
		t.Errorf("route = %s, want %s", a.Nav.CurrentRoute(), RouteLogin)
	}
}

func TestSessionExpiryRedirectsToLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/api/auth/login", loginHandler(t, model.User{ID: "user-1"}))
	mux.HandleFunc("/api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	a, _ := newTestApp(t, mux)
	if err := a.Login(context.Background(), "a@b.c", "hunter2"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := a.Navigate(context.Background(), RouteDashboard); err != nil {
		t.Fatalf("Navigate failed: %v", err)
	}

	// Replace the session with an already-expired access token so the next
	// credential lookup forces a refresh, which the server rejects.
	expired := makeToken(t, time.Now().Add(-time.Hour))
	if err := a.Tokens.SetTokens(expired, "refresh-1", model.User{ID: "user-1"}); err != nil {
		t.Fatalf("SetTokens failed: %v", err)
	}

	if _, err := a.Tokens.AuthHeader(context.Background()); err == nil {
		t.Fatal("expected auth header failure for expired session")
	}

	if a.Nav.CurrentRoute() != RouteLogin {
		t.Errorf("route = %s, want %s after expiry", a.Nav.CurrentRoute(), RouteLogin)
	}
	state := a.Store.Snapshot()
	if state.IsAuthenticated {
		t.Error("store should be unauthenticated after expiry")
	}
	if state.LastError == "" {
		t.Error("LastError should explain the expiry")
	}
}

// recordingRenderer captures Render calls for assertions.
type recordingRenderer struct {
	mu    sync.Mutex
	views []model.View
}

func (r *recordingRenderer) Render(view model.View, state store.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, view)
}

func (r *recordingRenderer) rendered() []model.View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.View(nil), r.views...)
}

func TestRendererNotifiedOnViewChange(t *testing.T) {
	renderer := &recordingRenderer{}
	server := httptest.NewServer(loginHandler(t, model.User{ID: "user-1"}))
	defer server.Close()

	a := New(testConfig(server.URL), storage.NewMemStore(), WithRenderer(renderer))
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := a.Login(context.Background(), "a@b.c", "hunter2"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	views := renderer.rendered()
	if len(views) != 2 || views[0] != model.ViewLogin || views[1] != model.ViewChat {
		t.Errorf("rendered views = %v, want [login chat]", views)
	}
}

func TestActivityTrackedOnNavigation(t *testing.T) {
	a, _ := newTestApp(t, http.NotFoundHandler())

	if !a.LastActivity().IsZero() {
		t.Error("LastActivity should start at zero")
	}
	if err := a.Navigate(context.Background(), RouteLogin); err != nil {
		t.Fatalf("Navigate failed: %v", err)
	}
	if a.LastActivity().IsZero() {
		t.Error("LastActivity should be set after a committed navigation")
	}
}
