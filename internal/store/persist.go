// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jeranaias/chatshell/internal/model"
	"github.com/jeranaias/chatshell/internal/storage"
)

// maxPersistedMessages caps how much of the transcript survives a restart.
const maxPersistedMessages = 50

// snapshot is the persisted subset of state. Tokens and the user record are
// deliberately absent; the token manager owns those.
type snapshot struct {
	Settings Settings        `json:"settings"`
	Messages []model.Message `json:"messages,omitempty"`
}

// Persist writes the durable subset of state (settings plus the most recent
// messages) to backing storage.
func (s *Store) Persist(backing storage.Store) error {
	state := s.Snapshot()

	msgs := state.Messages
	if len(msgs) > maxPersistedMessages {
		msgs = msgs[len(msgs)-maxPersistedMessages:]
	}

	data, err := json.Marshal(snapshot{
		Settings: state.Settings,
		Messages: msgs,
	})
	if err != nil {
		return fmt.Errorf("failed to encode state snapshot: %w", err)
	}
	if err := backing.Set(storage.KeyStateSnapshot, data); err != nil {
		return fmt.Errorf("failed to persist state snapshot: %w", err)
	}
	return nil
}

// Restore loads a previously persisted snapshot back into the store,
// notifying listeners for each restored path. A missing snapshot is not an
// error; a corrupt one is discarded and reported so the caller can decide
// whether to surface it.
func (s *Store) Restore(backing storage.Store) error {
	data, err := backing.Get(storage.KeyStateSnapshot)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read state snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// Corrupt snapshot: drop it rather than poison every startup.
		_ = backing.Delete(storage.KeyStateSnapshot)
		return fmt.Errorf("discarded corrupt state snapshot: %w", err)
	}

	if snap.Settings.Theme != "" {
		s.SetTheme(snap.Settings.Theme)
	}
	if snap.Settings.Language != "" {
		s.SetLanguage(snap.Settings.Language)
	}
	if len(snap.Messages) > 0 {
		s.SetMessages(snap.Messages)
	}
	return nil
}
