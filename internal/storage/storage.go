// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides durable key-value storage for the chatshell runtime.
//
// The store is the runtime's equivalent of browser local storage: a small set
// of well-known keys (session record, session ID, persisted state snapshot)
// that must survive process restarts. Two implementations are provided: a
// SQLite-backed store for real use and an in-memory store for tests.
package storage

import (
	"errors"
	"sync"
)

// =============================================================================
// WELL-KNOWN KEYS
// =============================================================================

// Keys used by the runtime. Callers may use arbitrary keys; these are the ones
// the core components reserve.
const (
	// KeySession holds the JSON-encoded session record (tokens + user).
	KeySession = "auth.session"

	// KeySessionID holds the lazily generated client session identifier.
	KeySessionID = "client.session_id"

	// KeyStateSnapshot holds the persisted application state snapshot.
	KeyStateSnapshot = "state.snapshot"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrKeyNotFound is returned by Get when the key has no stored value.
	ErrKeyNotFound = errors.New("storage: key not found")

	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("storage: store closed")
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is durable key-value storage. Implementations must be safe for
// concurrent use. Writes are last-writer-wins; there is no cross-process
// coordination.
type Store interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Close releases any underlying resources.
	Close() error
}

// =============================================================================
// IN-MEMORY STORE
// =============================================================================

// MemStore is an in-memory Store implementation. It is used in tests and as a
// fallback when no durable path is configured.
type MemStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	closed bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		values: make(map[string][]byte),
	}
}

// Get returns the value for key, or ErrKeyNotFound.
func (s *MemStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	value, ok := s.values[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	// Copy so callers cannot mutate stored bytes.
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set stores value under key.
func (s *MemStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored
	return nil
}

// Delete removes key.
func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	delete(s.values, key)
	return nil
}

// Close marks the store closed.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
