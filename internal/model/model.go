// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared by the chatshell runtime:
// chat messages, the authenticated user record, and view identifiers.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/chatshell/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message with a fresh ID and the current timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        "msg_" + uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// Preview returns the message content truncated to maxLen runes.
func (m Message) Preview(maxLen int) string {
	content := strings.ReplaceAll(m.Content, "\n", " ")
	return util.TruncateRunes(content, maxLen)
}

// =============================================================================
// USER TYPE
// =============================================================================

// User is the account record associated with an authenticated session.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// IsZero reports whether the user record is empty.
func (u User) IsZero() bool {
	return u.ID == "" && u.Email == "" && u.DisplayName == ""
}

// =============================================================================
// VIEW TYPE
// =============================================================================

// View identifies a top-level application view.
type View string

const (
	ViewLogin     View = "login"
	ViewChat      View = "chat"
	ViewDashboard View = "dashboard"
	ViewSettings  View = "settings"
)

// String returns the string representation of the view.
func (v View) String() string {
	return string(v)
}
