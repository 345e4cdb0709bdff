// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/peterh/liner"

	"github.com/jeranaias/chatshell/internal/app"
	"github.com/jeranaias/chatshell/internal/model"
	"github.com/jeranaias/chatshell/internal/store"
	"github.com/jeranaias/chatshell/internal/util"
)

// maxPromptName bounds how much of the display name appears in the prompt.
const maxPromptName = 12

// =============================================================================
// RENDERER
// =============================================================================

// Renderer announces view changes on stdout. Rendering proper is left to
// whatever front end embeds the shell.
type Renderer struct{}

func (Renderer) Render(view model.View, state store.State) {
	switch view {
	case model.ViewLogin:
		fmt.Println("-- sign in with /login <email> <password> --")
	case model.ViewChat:
		fmt.Printf("-- chat (%d messages) --\n", len(state.Messages))
	default:
		fmt.Printf("-- %s --\n", view)
	}
}

// =============================================================================
// REPL
// =============================================================================

// Run reads lines with history and line editing: slash commands drive auth,
// navigation, and configuration; anything else is sent as a chat message.
func Run(ctx context.Context, shell *app.App) {
	input := NewInput()
	defer input.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := input.ReadInput(prompt(shell))
		if err != nil {
			if err == liner.ErrPromptAborted {
				// Ctrl+C at the prompt exits cleanly.
				fmt.Println()
				return
			}
			// EOF (Ctrl+D) or terminal failure also exits cleanly.
			fmt.Println()
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := handleCommand(ctx, shell, line); quit {
				return
			}
			continue
		}

		if err := shell.SendMessage(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		printLastReply(shell)
	}
}

// prompt shows who is signed in. Long display names are cut to keep the
// prompt narrow; no ellipsis, the cut is cosmetic.
func prompt(shell *app.App) string {
	if user, ok := shell.Tokens.User(); ok && user.DisplayName != "" {
		return util.TruncateRunesNoEllipsis(user.DisplayName, maxPromptName) + "> "
	}
	return "> "
}

func handleCommand(ctx context.Context, shell *app.App, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/login":
		if len(fields) != 3 {
			fmt.Println("Usage: /login <email> <password>")
			return false
		}
		if err := shell.Login(ctx, fields[1], fields[2]); err != nil {
			fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
		}
	case "/logout":
		if err := shell.Logout(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Logout failed: %v\n", err)
		}
	case "/go":
		if len(fields) != 2 {
			fmt.Println("Usage: /go <route>")
			return false
		}
		if err := shell.Navigate(ctx, fields[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Navigation failed: %v\n", err)
		}
	case "/back":
		if err := shell.Back(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Back failed: %v\n", err)
		}
	case "/config":
		if err := HandleConfig(fields[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		}
	case "/help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n", fields[0])
	}
	return false
}

func printHelp() {
	fmt.Println(`Commands:
  /login <email> <password>   sign in
  /logout                     sign out
  /go <route>                 navigate (/chat, /dashboard, /settings)
  /back                       previous route
  /config [show|get|set|path|reload]
  /quit                       exit`)
}

func printLastReply(shell *app.App) {
	msgs := shell.Store.Snapshot().Messages
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Role == model.RoleAssistant {
		fmt.Printf("%s: %s\n", last.Role.DisplayName(), last.Content)
	}
}
