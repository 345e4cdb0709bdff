// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"strings"
	"sync"
	"time"
)

// =============================================================================
// RESPONSE CACHE
// =============================================================================

// cacheTTLs whitelists the operations whose responses may be cached, with a
// TTL per operation. Anything not listed here always goes to the server.
var cacheTTLs = map[string]time.Duration{
	"user.profile":        5 * time.Minute,
	"chat.list":           1 * time.Minute,
	"chat.history":        30 * time.Second,
	"system.capabilities": 10 * time.Minute,
}

// writeOpMarkers disqualify an operation from caching even if it were
// whitelisted. Mutations must always reach the server.
var writeOpMarkers = []string{"send", "save", "create", "update", "delete", "upload", "login", "logout"}

// sensitiveParamMarkers disqualify a request from caching when any parameter
// name carries credential material.
var sensitiveParamMarkers = []string{"password", "token", "api_key", "secret", "auth", "credential"}

// CacheStats is a snapshot of response cache counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
}

// cacheEntry holds one cached response body. opKey is retained so entries
// can be invalidated per operation regardless of parameters.
type cacheEntry struct {
	opKey     string
	body      []byte
	expiresAt time.Time
}

// responseCache is a TTL cache for idempotent unary responses, keyed by the
// full request envelope so distinct parameters never collide. Expired
// entries are dropped lazily on lookup.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry

	hits      uint64
	misses    uint64
	evictions uint64
}

func newResponseCache() *responseCache {
	return &responseCache{entries: make(map[string]cacheEntry)}
}

// cacheable reports whether an operation's response may be served from
// cache: it must be whitelisted, must not look like a mutation, and its
// parameters must not carry credential material.
func cacheable(opKey string, params any) bool {
	if _, ok := cacheTTLs[opKey]; !ok {
		return false
	}
	lower := strings.ToLower(opKey)
	for _, marker := range writeOpMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return !hasSensitiveParams(params)
}

// hasSensitiveParams checks parameter names for credential markers. Only map
// parameters are inspected; anything else is assumed safe since operation
// parameters travel as JSON objects.
func hasSensitiveParams(params any) bool {
	var names []string
	switch p := params.(type) {
	case map[string]any:
		for name := range p {
			names = append(names, name)
		}
	case map[string]string:
		for name := range p {
			names = append(names, name)
		}
	default:
		return false
	}
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, marker := range sensitiveParamMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// get returns a copy of the cached body for the envelope key, dropping the
// entry if its TTL has lapsed.
func (rc *responseCache) get(envKey string) ([]byte, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	entry, ok := rc.entries[envKey]
	if !ok {
		rc.misses++
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(rc.entries, envKey)
		rc.evictions++
		rc.misses++
		return nil, false
	}

	rc.hits++
	body := make([]byte, len(entry.body))
	copy(body, entry.body)
	return body, true
}

// set stores a response body under the envelope key with the operation's
// TTL. The body is copied so later caller mutations cannot poison the cache.
func (rc *responseCache) set(opKey, envKey string, body []byte) {
	ttl, ok := cacheTTLs[opKey]
	if !ok {
		return
	}

	stored := make([]byte, len(body))
	copy(stored, body)

	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.entries[envKey] = cacheEntry{
		opKey:     opKey,
		body:      stored,
		expiresAt: time.Now().Add(ttl),
	}
}

// invalidate drops every cached response for one operation.
func (rc *responseCache) invalidate(opKey string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for envKey, entry := range rc.entries {
		if entry.opKey == opKey {
			delete(rc.entries, envKey)
			rc.evictions++
		}
	}
}

// clear drops all cached responses.
func (rc *responseCache) clear() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.evictions += uint64(len(rc.entries))
	rc.entries = make(map[string]cacheEntry)
}

// stats returns a snapshot of the cache counters.
func (rc *responseCache) stats() CacheStats {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return CacheStats{
		Hits:      rc.hits,
		Misses:    rc.misses,
		Evictions: rc.evictions,
		Entries:   len(rc.entries),
	}
}
