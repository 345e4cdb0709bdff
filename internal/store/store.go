// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides the reactive state store for the chatshell runtime.
//
// State is mutated only through the store's methods; every mutation notifies
// the listeners subscribed to the changed path, synchronously, before the
// mutating call returns. Listeners subscribe to exact paths ("settings.theme"),
// to a prefix with a trailing wildcard ("settings.*"), or to everything ("*").
package store

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/chatshell/internal/model"
)

// =============================================================================
// PATHS
// =============================================================================

// Well-known state paths. Dot segments group related fields; wildcard
// subscriptions match on these prefixes.
const (
	PathUser            = "user"
	PathIsAuthenticated = "isAuthenticated"
	PathCurrentView     = "currentView"
	PathMessages        = "messages"
	PathIsStreaming     = "isStreaming"
	PathLastError       = "lastError"
	PathSettingsTheme   = "settings.theme"
	PathSettingsLang    = "settings.language"
)

// ErrUnknownPath indicates a SetState key that names no state field.
var ErrUnknownPath = errors.New("unknown state path")

// =============================================================================
// STATE
// =============================================================================

// State is the full application state. Callers receive copies; the store's
// own copy is only reachable through mutator methods.
type State struct {
	User            model.User
	IsAuthenticated bool
	CurrentView     model.View
	Messages        []model.Message
	IsStreaming     bool
	LastError       string
	Settings        Settings
}

// Settings holds the user-tunable preferences that survive restarts.
type Settings struct {
	Theme    string `json:"theme"`
	Language string `json:"language"`
}

// clone returns a deep copy so callers can never alias the store's slices.
func (s State) clone() State {
	out := s
	out.Messages = append([]model.Message(nil), s.Messages...)
	return out
}

// =============================================================================
// LISTENERS
// =============================================================================

// ListenerFunc receives the new value, the previous value, and the exact
// path that changed. It runs synchronously on the mutating goroutine and
// must not call back into the store's mutators.
type ListenerFunc func(newValue, oldValue any, path string)

type listener struct {
	pattern string
	fn      ListenerFunc
}

// =============================================================================
// STORE
// =============================================================================

// Store holds the application state and its subscriptions.
type Store struct {
	mu        sync.RWMutex
	state     State
	listeners map[int]listener
	nextID    int
}

// New creates a store with sensible initial state.
func New() *Store {
	return &Store{
		state: State{
			CurrentView: model.ViewLogin,
			Settings: Settings{
				Theme:    "dark",
				Language: "en",
			},
		},
		listeners: make(map[int]listener),
	}
}

// Subscribe registers fn for changes matching pattern and returns an
// unsubscribe function. Unsubscribing twice is harmless.
func (s *Store) Subscribe(pattern string, fn ListenerFunc) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener{pattern: pattern, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// matches reports whether a subscription pattern covers a changed path.
// "*" covers everything; "settings.*" covers "settings.theme"; an exact
// pattern covers only itself.
func matches(pattern, path string) bool {
	if pattern == "*" || pattern == path {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(path, prefix+".")
	}
	return false
}

// notify dispatches one change to every matching listener. A panicking
// listener is logged and skipped; it never takes down the mutator or the
// remaining listeners.
func (s *Store) notify(path string, newValue, oldValue any) {
	s.mu.RLock()
	var matched []ListenerFunc
	for _, l := range s.listeners {
		if matches(l.pattern, path) {
			matched = append(matched, l.fn)
		}
	}
	s.mu.RUnlock()

	for _, fn := range matched {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("STATE_LISTENER_PANIC | path=%s panic=%v", path, r)
				}
			}()
			fn(newValue, oldValue, path)
		}()
	}
}

// =============================================================================
// READS
// =============================================================================

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Get returns the value at a well-known path. The second result is false for
// an unknown path.
func (s *Store) Get(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch path {
	case PathUser:
		return s.state.User, true
	case PathIsAuthenticated:
		return s.state.IsAuthenticated, true
	case PathCurrentView:
		return s.state.CurrentView, true
	case PathMessages:
		return append([]model.Message(nil), s.state.Messages...), true
	case PathIsStreaming:
		return s.state.IsStreaming, true
	case PathLastError:
		return s.state.LastError, true
	case PathSettingsTheme:
		return s.state.Settings.Theme, true
	case PathSettingsLang:
		return s.state.Settings.Language, true
	}
	return nil, false
}

// =============================================================================
// MUTATORS
// =============================================================================

// SetUser sets the user and authentication flag as one operation. Listeners
// on either path observe the other already updated.
func (s *Store) SetUser(user model.User) {
	s.mu.Lock()
	oldUser := s.state.User
	oldAuth := s.state.IsAuthenticated
	s.state.User = user
	s.state.IsAuthenticated = !user.IsZero()
	newAuth := s.state.IsAuthenticated
	s.mu.Unlock()

	s.notify(PathUser, user, oldUser)
	if newAuth != oldAuth {
		s.notify(PathIsAuthenticated, newAuth, oldAuth)
	}
}

// ClearUser removes the user and authentication flag together.
func (s *Store) ClearUser() {
	s.SetUser(model.User{})
}

// SetCurrentView changes the active view. Every write notifies, even when
// the value is unchanged; listeners see each call.
func (s *Store) SetCurrentView(view model.View) {
	s.mu.Lock()
	old := s.state.CurrentView
	s.state.CurrentView = view
	s.mu.Unlock()

	s.notify(PathCurrentView, view, old)
}

// AppendMessage adds one message to the transcript.
func (s *Store) AppendMessage(msg model.Message) {
	s.mu.Lock()
	old := append([]model.Message(nil), s.state.Messages...)
	s.state.Messages = append(s.state.Messages, msg)
	updated := append([]model.Message(nil), s.state.Messages...)
	s.mu.Unlock()

	s.notify(PathMessages, updated, old)
}

// UpdateLastMessage replaces the content of the newest message. Streaming
// responses grow through repeated calls here. Appends a fresh assistant
// message when the transcript is empty.
func (s *Store) UpdateLastMessage(content string) {
	s.mu.Lock()
	if len(s.state.Messages) == 0 {
		s.mu.Unlock()
		s.AppendMessage(model.NewMessage(model.RoleAssistant, content))
		return
	}
	old := append([]model.Message(nil), s.state.Messages...)
	s.state.Messages[len(s.state.Messages)-1].Content = content
	updated := append([]model.Message(nil), s.state.Messages...)
	s.mu.Unlock()

	s.notify(PathMessages, updated, old)
}

// SetMessages replaces the entire transcript.
func (s *Store) SetMessages(msgs []model.Message) {
	s.mu.Lock()
	old := s.state.Messages
	s.state.Messages = append([]model.Message(nil), msgs...)
	updated := append([]model.Message(nil), s.state.Messages...)
	s.mu.Unlock()

	s.notify(PathMessages, updated, old)
}

// ClearMessages empties the transcript.
func (s *Store) ClearMessages() {
	s.SetMessages(nil)
}

// SetStreaming flags whether an assistant response is in flight. Writes of
// the current value still notify.
func (s *Store) SetStreaming(streaming bool) {
	s.mu.Lock()
	old := s.state.IsStreaming
	s.state.IsStreaming = streaming
	s.mu.Unlock()

	s.notify(PathIsStreaming, streaming, old)
}

// SetLastError records the most recent user-facing error message.
func (s *Store) SetLastError(msg string) {
	s.mu.Lock()
	old := s.state.LastError
	s.state.LastError = msg
	s.mu.Unlock()

	s.notify(PathLastError, msg, old)
}

// SetTheme changes the UI theme preference.
func (s *Store) SetTheme(theme string) {
	s.mu.Lock()
	old := s.state.Settings.Theme
	s.state.Settings.Theme = theme
	s.mu.Unlock()

	s.notify(PathSettingsTheme, theme, old)
}

// SetLanguage changes the language preference.
func (s *Store) SetLanguage(lang string) {
	s.mu.Lock()
	old := s.state.Settings.Language
	s.state.Settings.Language = lang
	s.mu.Unlock()

	s.notify(PathSettingsLang, lang, old)
}

// =============================================================================
// BATCH UPDATES
// =============================================================================

// SetState applies a batch of path/value pairs. Keys are applied in sorted
// path order so the result is deterministic regardless of map iteration;
// each applied key notifies its listeners individually. An unknown path or
// mistyped value aborts the batch at that key, leaving earlier keys applied.
func (s *Store) SetState(updates map[string]any) error {
	paths := make([]string, 0, len(updates))
	for p := range updates {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := s.setPath(path, updates[path]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) setPath(path string, value any) error {
	switch path {
	case PathUser:
		user, ok := value.(model.User)
		if !ok {
			return fmt.Errorf("path %q wants model.User, got %T", path, value)
		}
		s.SetUser(user)
	case PathCurrentView:
		view, ok := value.(model.View)
		if !ok {
			return fmt.Errorf("path %q wants model.View, got %T", path, value)
		}
		s.SetCurrentView(view)
	case PathMessages:
		msgs, ok := value.([]model.Message)
		if !ok {
			return fmt.Errorf("path %q wants []model.Message, got %T", path, value)
		}
		s.SetMessages(msgs)
	case PathIsStreaming:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("path %q wants bool, got %T", path, value)
		}
		s.SetStreaming(b)
	case PathLastError:
		msg, ok := value.(string)
		if !ok {
			return fmt.Errorf("path %q wants string, got %T", path, value)
		}
		s.SetLastError(msg)
	case PathSettingsTheme:
		theme, ok := value.(string)
		if !ok {
			return fmt.Errorf("path %q wants string, got %T", path, value)
		}
		s.SetTheme(theme)
	case PathSettingsLang:
		lang, ok := value.(string)
		if !ok {
			return fmt.Errorf("path %q wants string, got %T", path, value)
		}
		s.SetLanguage(lang)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPath, path)
	}
	return nil
}
