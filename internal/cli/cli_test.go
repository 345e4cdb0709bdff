// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jeranaias/chatshell/internal/config"
)

// =============================================================================
// INPUT HISTORY TESTS
// =============================================================================

func TestHistoryRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repl_history")
	if err := os.WriteFile(path, []byte("first command\nsecond command\n"), 0600); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	in := newInput(path)
	defer in.Close()

	if in.HistoryFile() != path {
		t.Errorf("HistoryFile() = %q, want %q", in.HistoryFile(), path)
	}

	// Rewriting the file from loaded history must preserve the entries.
	in.SaveHistory()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	for _, want := range []string{"first command", "second command"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("history missing %q after save, got %q", want, data)
		}
	}
}

func TestSaveHistoryCreatesFileWithSecurePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "repl_history")

	in := newInput(path)
	defer in.Close()
	in.SaveHistory()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("history file not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("history file mode = %o, want 0600", perm)
	}
}

func TestLoadHistoryMissingFileIsHarmless(t *testing.T) {
	in := newInput(filepath.Join(t.TempDir(), "absent"))
	defer in.Close()
	in.LoadHistory()
}

// =============================================================================
// CONFIG COMMAND TESTS
// =============================================================================

// isolateConfig points the config directory at a temp home and resets the
// global config for the test.
func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	config.ResetGlobalForTesting()
	t.Cleanup(config.ResetGlobalForTesting)
}

func TestHandleConfigGet(t *testing.T) {
	isolateConfig(t)

	if err := HandleConfig([]string{"get", "ui.theme"}); err != nil {
		t.Fatalf("get ui.theme failed: %v", err)
	}
	if err := HandleConfig([]string{"get", "no.such.key"}); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := HandleConfig([]string{"get"}); err == nil {
		t.Error("expected usage error without a key")
	}
}

func TestHandleConfigSetPersistsAndUpdatesGlobal(t *testing.T) {
	isolateConfig(t)

	if err := HandleConfig([]string{"set", "ui.theme", "light"}); err != nil {
		t.Fatalf("set ui.theme failed: %v", err)
	}

	if got := config.Global().UI.Theme; got != "light" {
		t.Errorf("global theme = %q, want light", got)
	}

	path, err := config.ConfigPathTOML()
	if err != nil {
		t.Fatalf("ConfigPathTOML: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), "light") {
		t.Errorf("saved config missing new value, got %q", data)
	}
}

func TestHandleConfigSetInvalidValueLeavesGlobalUntouched(t *testing.T) {
	isolateConfig(t)

	before := config.Global().UI.Theme
	if err := HandleConfig([]string{"set", "ui.theme", "neon"}); err == nil {
		t.Fatal("expected validation error for bad theme")
	}
	if got := config.Global().UI.Theme; got != before {
		t.Errorf("global theme changed to %q after failed set", got)
	}
}

func TestHandleConfigReloadPicksUpDiskEdits(t *testing.T) {
	isolateConfig(t)

	// Persist a non-default value, then drift the in-memory global away
	// from it. Reload must restore what disk says.
	if err := HandleConfig([]string{"set", "ui.theme", "light"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	drifted := config.Global().Clone()
	drifted.UI.Theme = "dark"
	config.SetGlobal(drifted)

	if err := HandleConfig([]string{"reload"}); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := config.Global().UI.Theme; got != "light" {
		t.Errorf("theme after reload = %q, want light from disk", got)
	}
}

func TestHandleConfigShowAndPath(t *testing.T) {
	isolateConfig(t)

	if err := HandleConfig(nil); err != nil {
		t.Errorf("bare /config failed: %v", err)
	}
	if err := HandleConfig([]string{"show"}); err != nil {
		t.Errorf("show failed: %v", err)
	}
	if err := HandleConfig([]string{"path"}); err != nil {
		t.Errorf("path failed: %v", err)
	}
}

func TestHandleConfigUnknownSubcommand(t *testing.T) {
	isolateConfig(t)

	if err := HandleConfig([]string{"frobnicate"}); err == nil {
		t.Error("expected error for unknown subcommand")
	}
}
