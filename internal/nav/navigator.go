// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package nav implements view navigation for the chatshell runtime.
//
// Routes map paths ("/chat", "/settings") to handlers. Navigation runs
// before-hooks (any of which may veto the transition), then the target's
// handler, and commits the route and history entry only after the handler
// succeeds. A vetoed or failed navigation leaves the navigator exactly as it
// was: same current route, same history, no after-hooks fired.
package nav

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRouteNotFound indicates the target path has no registered handler.
	ErrRouteNotFound = errors.New("route not found")

	// ErrNavigationCancelled indicates a before-hook vetoed the transition.
	ErrNavigationCancelled = errors.New("navigation cancelled")

	// ErrNoHistory indicates Back was called with nothing to go back to.
	ErrNoHistory = errors.New("no history to go back to")
)

// =============================================================================
// TYPES
// =============================================================================

// HandlerFunc prepares a view for display. An error aborts the navigation
// before anything is committed.
type HandlerFunc func(ctx context.Context, path string) error

// BeforeHook runs before a transition commits. Returning false vetoes it.
type BeforeHook func(from, to string) bool

// AfterHook runs after a transition has committed.
type AfterHook func(from, to string)

// History records committed transitions. Implementations must be safe for
// use from the navigator's methods only; the navigator serializes access.
type History interface {
	// Push appends a new entry.
	Push(path string)
	// Replace swaps the current entry without growing the stack.
	Replace(path string)
	// Previous returns the entry behind the current one, if any.
	Previous() (string, bool)
	// Pop drops the current entry.
	Pop()
}

// =============================================================================
// MEMORY HISTORY
// =============================================================================

// MemoryHistory is the default in-process History.
type MemoryHistory struct {
	stack []string
}

// NewMemoryHistory creates an empty history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

// Push appends a new entry.
func (h *MemoryHistory) Push(path string) {
	h.stack = append(h.stack, path)
}

// Replace swaps the current entry, or pushes when the stack is empty.
func (h *MemoryHistory) Replace(path string) {
	if len(h.stack) == 0 {
		h.stack = append(h.stack, path)
		return
	}
	h.stack[len(h.stack)-1] = path
}

// Previous returns the entry behind the current one.
func (h *MemoryHistory) Previous() (string, bool) {
	if len(h.stack) < 2 {
		return "", false
	}
	return h.stack[len(h.stack)-2], true
}

// Pop drops the current entry.
func (h *MemoryHistory) Pop() {
	if len(h.stack) > 0 {
		h.stack = h.stack[:len(h.stack)-1]
	}
}

// Len returns the number of entries.
func (h *MemoryHistory) Len() int {
	return len(h.stack)
}

// =============================================================================
// NAVIGATOR
// =============================================================================

// Navigator routes between views.
type Navigator struct {
	mu          sync.Mutex
	routes      map[string]HandlerFunc
	beforeHooks []BeforeHook
	afterHooks  []AfterHook
	history     History
	current     string
}

// New creates a navigator over the given history. A nil history gets an
// in-memory one.
func New(history History) *Navigator {
	if history == nil {
		history = NewMemoryHistory()
	}
	return &Navigator{
		routes:  make(map[string]HandlerFunc),
		history: history,
	}
}

// Register binds a path to its handler. Registering the same path again
// replaces the previous handler.
func (n *Navigator) Register(path string, handler HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes[path] = handler
}

// RegisterRoutes binds a batch of paths at once.
func (n *Navigator) RegisterRoutes(routes map[string]HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for path, handler := range routes {
		n.routes[path] = handler
	}
}

// BeforeEach adds a hook that runs before every transition. Hooks run in
// registration order; the first veto stops the chain.
func (n *Navigator) BeforeEach(hook BeforeHook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.beforeHooks = append(n.beforeHooks, hook)
}

// AfterEach adds a hook that runs after every committed transition.
func (n *Navigator) AfterEach(hook AfterHook) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.afterHooks = append(n.afterHooks, hook)
}

// CurrentRoute returns the committed route, empty before first navigation.
func (n *Navigator) CurrentRoute() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// Navigate transitions to path, pushing a history entry on success.
// Navigating to the current route is a no-op.
func (n *Navigator) Navigate(ctx context.Context, path string) error {
	return n.transition(ctx, path, func() { n.history.Push(path) })
}

// Replace transitions to path, replacing the current history entry instead
// of pushing a new one.
func (n *Navigator) Replace(ctx context.Context, path string) error {
	return n.transition(ctx, path, func() { n.history.Replace(path) })
}

// Back transitions to the previous history entry and pops the current one.
func (n *Navigator) Back(ctx context.Context) error {
	n.mu.Lock()
	prev, ok := n.history.Previous()
	n.mu.Unlock()
	if !ok {
		return ErrNoHistory
	}
	return n.transition(ctx, prev, func() { n.history.Pop() })
}

// transition runs the full navigation pipeline. commit mutates the history
// and runs only after the handler succeeds; nothing observable happens on a
// veto or a handler error.
func (n *Navigator) transition(ctx context.Context, path string, commit func()) error {
	n.mu.Lock()
	from := n.current
	handler, ok := n.routes[path]
	hooks := append([]BeforeHook(nil), n.beforeHooks...)
	n.mu.Unlock()

	if path == from {
		return nil
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, path)
	}

	for _, hook := range hooks {
		if !hook(from, path) {
			log.Printf("NAV_CANCELLED | from=%s to=%s", from, path)
			return fmt.Errorf("%w: %s -> %s", ErrNavigationCancelled, from, path)
		}
	}

	if err := handler(ctx, path); err != nil {
		return fmt.Errorf("route %s failed: %w", path, err)
	}

	n.mu.Lock()
	commit()
	n.current = path
	after := append([]AfterHook(nil), n.afterHooks...)
	n.mu.Unlock()

	log.Printf("NAV | from=%s to=%s", from, path)
	for _, hook := range after {
		hook(from, path)
	}
	return nil
}
