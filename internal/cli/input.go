// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the interactive line-based front end for the
// chatshell runtime: a liner-backed REPL with persistent input history and
// slash commands for auth, navigation, and configuration.
package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/jeranaias/chatshell/internal/config"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// Input provides input history and line editing for the interactive REPL.
// USABILITY: Supports arrow keys for history navigation and line editing.
type Input struct {
	line        *liner.State
	historyFile string
}

// NewInput creates an Input with history persisted in the config directory.
func NewInput() *Input {
	configDir, err := config.ConfigDir()
	if err != nil {
		// Fallback to temp directory if config dir unavailable
		configDir = os.TempDir()
	}
	return newInput(filepath.Join(configDir, "repl_history"))
}

func newInput(historyFile string) *Input {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	in := &Input{
		line:        line,
		historyFile: historyFile,
	}
	in.LoadHistory()
	return in
}

// LoadHistory loads command history from file.
func (in *Input) LoadHistory() {
	if f, err := os.Open(in.historyFile); err == nil {
		in.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
// Supports history navigation with arrow keys.
func (in *Input) ReadInput(prompt string) (string, error) {
	input, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(input) != "" {
		in.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history to file with secure permissions.
func (in *Input) SaveHistory() {
	if err := os.MkdirAll(filepath.Dir(in.historyFile), 0700); err != nil {
		return
	}

	f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()

	in.line.WriteHistory(f)
}

// HistoryFile returns the path history is persisted to.
func (in *Input) HistoryFile() string {
	return in.historyFile
}

// Close saves history and restores the terminal.
func (in *Input) Close() {
	in.SaveHistory()
	in.line.Close()
}
