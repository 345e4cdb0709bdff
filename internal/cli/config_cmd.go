// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"

	"github.com/jeranaias/chatshell/internal/config"
)

// =============================================================================
// CONFIG COMMAND
// =============================================================================

// HandleConfig dispatches the /config subcommands against the global
// configuration.
func HandleConfig(args []string) error {
	sub := ""
	if len(args) > 0 {
		sub = args[0]
	}

	switch sub {
	case "", "show":
		return handleConfigShow()
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: /config get <key>")
		}
		return handleConfigGet(args[1])
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("usage: /config set <key> <value>")
		}
		return handleConfigSet(args[1], args[2])
	case "path":
		return handleConfigPath()
	case "reload":
		return handleConfigReload()
	default:
		return fmt.Errorf("unknown config subcommand: %s", sub)
	}
}

// handleConfigShow lists every key with its current value.
func handleConfigShow() error {
	cfg := config.Global()

	fmt.Println("chatshell configuration")
	for _, key := range config.GetAllKeys() {
		value, err := cfg.Get(key)
		if err != nil {
			continue
		}
		fmt.Printf("  %-22s = %v\n", key, value)
	}
	return nil
}

func handleConfigGet(key string) error {
	value, err := config.Global().Get(key)
	if err != nil {
		return err
	}
	fmt.Printf("%s = %v\n", key, value)
	return nil
}

// handleConfigSet validates the change on a copy before it replaces the
// global config or touches disk, so a bad value never sticks.
func handleConfigSet(key, value string) error {
	cfg := config.Global().Clone()

	if err := cfg.Set(key, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	config.SetGlobal(cfg)
	fmt.Printf("%s = %v\n", key, value)
	return nil
}

func handleConfigPath() error {
	path, err := config.ConfigPathTOML()
	if err != nil {
		return err
	}
	_, statErr := os.Stat(path)
	fmt.Printf("%s (exists: %v)\n", path, statErr == nil)
	return nil
}

// handleConfigReload re-reads the config files from disk, picking up edits
// made outside the REPL.
func handleConfigReload() error {
	if err := config.ReloadGlobal(); err != nil {
		return err
	}
	fmt.Println("configuration reloaded")
	return nil
}
