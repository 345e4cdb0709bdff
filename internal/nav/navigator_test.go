// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package nav

import (
	"context"
	"errors"
	"testing"
)

// noop is a handler that always succeeds.
func noop(_ context.Context, _ string) error { return nil }

func newNavigator(paths ...string) *Navigator {
	n := New(nil)
	for _, p := range paths {
		n.Register(p, noop)
	}
	return n
}

func TestNavigateCommitsRouteAndHistory(t *testing.T) {
	history := NewMemoryHistory()
	n := New(history)
	n.Register("/chat", noop)

	if err := n.Navigate(context.Background(), "/chat"); err != nil {
		t.Fatalf("Navigate failed: %v", err)
	}
	if got := n.CurrentRoute(); got != "/chat" {
		t.Errorf("CurrentRoute = %q", got)
	}
	if history.Len() != 1 {
		t.Errorf("history length = %d, want 1", history.Len())
	}
}

func TestNavigateUnknownRoute(t *testing.T) {
	n := newNavigator("/chat")
	err := n.Navigate(context.Background(), "/nowhere")
	if !errors.Is(err, ErrRouteNotFound) {
		t.Errorf("err = %v, want ErrRouteNotFound", err)
	}
}

func TestNavigateToCurrentRouteIsNoop(t *testing.T) {
	history := NewMemoryHistory()
	n := New(history)
	calls := 0
	n.Register("/chat", func(_ context.Context, _ string) error {
		calls++
		return nil
	})

	n.Navigate(context.Background(), "/chat")
	if err := n.Navigate(context.Background(), "/chat"); err != nil {
		t.Fatalf("repeat Navigate failed: %v", err)
	}

	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
	if history.Len() != 1 {
		t.Errorf("history length = %d, want 1 (no duplicate entry)", history.Len())
	}
}

func TestBeforeHookVetoHasZeroSideEffects(t *testing.T) {
	history := NewMemoryHistory()
	n := New(history)
	handlerRan := false
	afterRan := false
	n.Register("/chat", noop)
	n.Register("/settings", func(_ context.Context, _ string) error {
		handlerRan = true
		return nil
	})
	n.Navigate(context.Background(), "/chat")

	n.BeforeEach(func(from, to string) bool { return to != "/settings" })
	n.AfterEach(func(_, _ string) { afterRan = true })

	err := n.Navigate(context.Background(), "/settings")
	if !errors.Is(err, ErrNavigationCancelled) {
		t.Fatalf("err = %v, want ErrNavigationCancelled", err)
	}
	if handlerRan {
		t.Error("vetoed navigation must not run the handler")
	}
	if afterRan {
		t.Error("vetoed navigation must not run after-hooks")
	}
	if got := n.CurrentRoute(); got != "/chat" {
		t.Errorf("CurrentRoute = %q, want /chat unchanged", got)
	}
	if history.Len() != 1 {
		t.Errorf("history length = %d, want 1 unchanged", history.Len())
	}
}

func TestBeforeHooksRunInOrderAndStopAtFirstVeto(t *testing.T) {
	n := newNavigator("/chat")

	var order []int
	n.BeforeEach(func(_, _ string) bool { order = append(order, 1); return true })
	n.BeforeEach(func(_, _ string) bool { order = append(order, 2); return false })
	n.BeforeEach(func(_, _ string) bool { order = append(order, 3); return true })

	n.Navigate(context.Background(), "/chat")

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("hook order = %v, want [1 2]", order)
	}
}

func TestHandlerErrorDoesNotCommit(t *testing.T) {
	history := NewMemoryHistory()
	n := New(history)
	n.Register("/chat", noop)
	boom := errors.New("load failed")
	n.Register("/dashboard", func(_ context.Context, _ string) error { return boom })
	n.Navigate(context.Background(), "/chat")

	err := n.Navigate(context.Background(), "/dashboard")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped handler error", err)
	}
	if got := n.CurrentRoute(); got != "/chat" {
		t.Errorf("CurrentRoute = %q, failed handler must not commit", got)
	}
	if history.Len() != 1 {
		t.Errorf("history length = %d, want 1", history.Len())
	}
}

func TestAfterHookReceivesTransition(t *testing.T) {
	n := newNavigator("/chat", "/settings")

	var gotFrom, gotTo string
	n.AfterEach(func(from, to string) { gotFrom, gotTo = from, to })

	n.Navigate(context.Background(), "/chat")
	n.Navigate(context.Background(), "/settings")

	if gotFrom != "/chat" || gotTo != "/settings" {
		t.Errorf("after hook saw %q -> %q", gotFrom, gotTo)
	}
}

func TestReplaceDoesNotGrowHistory(t *testing.T) {
	history := NewMemoryHistory()
	n := New(history)
	n.Register("/login", noop)
	n.Register("/chat", noop)

	n.Navigate(context.Background(), "/login")
	if err := n.Replace(context.Background(), "/chat"); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	if history.Len() != 1 {
		t.Errorf("history length = %d, want 1", history.Len())
	}
	if got := n.CurrentRoute(); got != "/chat" {
		t.Errorf("CurrentRoute = %q", got)
	}
	// The replaced entry is gone: Back has nowhere to go.
	if err := n.Back(context.Background()); !errors.Is(err, ErrNoHistory) {
		t.Errorf("Back after Replace: err = %v, want ErrNoHistory", err)
	}
}

func TestBack(t *testing.T) {
	history := NewMemoryHistory()
	n := New(history)
	n.Register("/chat", noop)
	n.Register("/settings", noop)

	n.Navigate(context.Background(), "/chat")
	n.Navigate(context.Background(), "/settings")

	if err := n.Back(context.Background()); err != nil {
		t.Fatalf("Back failed: %v", err)
	}
	if got := n.CurrentRoute(); got != "/chat" {
		t.Errorf("CurrentRoute = %q, want /chat", got)
	}
	if history.Len() != 1 {
		t.Errorf("history length = %d, want 1", history.Len())
	}
}

func TestBackWithEmptyHistory(t *testing.T) {
	n := newNavigator("/chat")
	if err := n.Back(context.Background()); !errors.Is(err, ErrNoHistory) {
		t.Errorf("err = %v, want ErrNoHistory", err)
	}
}

func TestBackRespectsVeto(t *testing.T) {
	history := NewMemoryHistory()
	n := New(history)
	n.Register("/chat", noop)
	n.Register("/settings", noop)
	n.Navigate(context.Background(), "/chat")
	n.Navigate(context.Background(), "/settings")

	n.BeforeEach(func(_, _ string) bool { return false })

	if err := n.Back(context.Background()); !errors.Is(err, ErrNavigationCancelled) {
		t.Fatalf("err = %v, want ErrNavigationCancelled", err)
	}
	if got := n.CurrentRoute(); got != "/settings" {
		t.Errorf("CurrentRoute = %q, vetoed Back must not move", got)
	}
	if history.Len() != 2 {
		t.Errorf("history length = %d, vetoed Back must not pop", history.Len())
	}
}

func TestRegisterRoutes(t *testing.T) {
	n := New(nil)
	n.RegisterRoutes(map[string]HandlerFunc{
		"/a": noop,
		"/b": noop,
	})

	if err := n.Navigate(context.Background(), "/a"); err != nil {
		t.Errorf("Navigate /a failed: %v", err)
	}
	if err := n.Navigate(context.Background(), "/b"); err != nil {
		t.Errorf("Navigate /b failed: %v", err)
	}
}
