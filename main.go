// chatshell - a terminal client runtime for a conversational web backend.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeranaias/chatshell/internal/api"
	"github.com/jeranaias/chatshell/internal/app"
	"github.com/jeranaias/chatshell/internal/cli"
	"github.com/jeranaias/chatshell/internal/config"
	"github.com/jeranaias/chatshell/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (TOML or JSON)")
	serverURL := flag.String("server", "", "override server base URL")
	showVersion := flag.Bool("version", false, "print version and exit")
	healthCheck := flag.Bool("health", false, "check backend health and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chatshell %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Server.BaseURL = *serverURL
	}
	config.SetGlobal(cfg)

	backing, err := openStorage(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open storage: %v\n", err)
		os.Exit(1)
	}

	shell := app.New(cfg, backing, app.WithRenderer(cli.Renderer{}))
	defer shell.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *healthCheck {
		runHealthCheck(ctx, shell.API)
		return
	}

	// Reload config on file change while the shell is running.
	watcher, err := config.NewWatcher(*configPath, func(updated *config.Config) {
		log.Printf("CONFIG_APPLIED | server=%s", updated.Server.BaseURL)
	})
	if err != nil {
		log.Printf("CONFIG_WATCH_UNAVAILABLE | err=%v", err)
	} else if err := watcher.Watch(); err != nil {
		log.Printf("CONFIG_WATCH_UNAVAILABLE | err=%v", err)
		watcher.Close()
	} else {
		defer watcher.Close()
	}

	if err := shell.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	cli.Run(ctx, shell)
}

// loadConfig loads from an explicit path or falls back to the default
// discovery order (TOML, then JSON, then built-in defaults).
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// openStorage selects the backing store from config.
func openStorage(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Driver == "memory" {
		return storage.NewMemStore(), nil
	}
	path, err := cfg.StoragePath()
	if err != nil {
		return nil, err
	}
	return storage.NewSQLiteStore(path)
}

func runHealthCheck(ctx context.Context, client *api.Client) {
	if err := client.HealthCheck(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Backend unhealthy: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Backend healthy")
}
