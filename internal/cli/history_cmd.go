// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// history_cmd.go - Saved transcript browsing.
//
// Command: history
// Short:   Browse saved chat transcripts
//
// Subcommands:
//   list              List transcripts, newest first (default)
//   show ID           Print a transcript as markdown
//   delete ID         Delete a transcript
//   search QUERY      Find transcripts whose text contains QUERY
//
// Examples:
//   gemlet history
//   gemlet history show 3f2a9c1e
//   gemlet history search "goroutine" --json

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/gemlet/internal/history"
	"github.com/jeranaias/gemlet/internal/storage"
)

// TranscriptData is the data returned by history show --json.
type TranscriptData struct {
	Session   storage.SessionSummary `json:"session"`
	Exchanges []history.Exchange     `json:"exchanges"`
}

func (a *app) handleHistory(ctx context.Context) error {
	sub := a.args.Subcommand
	if sub == "" {
		sub = "list"
	}

	store, err := a.requireStore()
	if err != nil {
		return err
	}
	defer store.Close()

	switch sub {
	case "list", "ls":
		sessions, err := store.ListSessions(ctx, a.args.Limit)
		if err != nil {
			return NewCommandError("history", "list", "query failed", err)
		}
		return a.printSessions(sessions)

	case "search", "find":
		query := strings.TrimSpace(strings.Join(a.args.Positional, " "))
		if query == "" {
			return ErrMissingArgument("QUERY", `gemlet history search "goroutine"`)
		}
		sessions, err := store.Search(ctx, query)
		if err != nil {
			return NewCommandError("history", "search", "query failed", err)
		}
		return a.printSessions(sessions)

	case "show", "view":
		id, err := a.transcriptID(ctx, store)
		if err != nil {
			return err
		}
		sum, err := store.Session(ctx, id)
		if err != nil {
			return err
		}
		exchanges, err := store.Exchanges(ctx, id)
		if err != nil {
			return err
		}
		if a.args.JSON {
			if exchanges == nil {
				exchanges = []history.Exchange{}
			}
			return a.emit(TranscriptData{Session: *sum, Exchanges: exchanges})
		}
		fmt.Fprint(a.out, a.render(storage.ExportMarkdown(sum, exchanges)))
		return nil

	case "delete", "rm":
		id, err := a.transcriptID(ctx, store)
		if err != nil {
			return err
		}
		if err := store.DeleteSession(ctx, id); err != nil {
			return err
		}
		if a.args.JSON {
			return a.emit(map[string]string{"deleted": id})
		}
		fmt.Fprintf(a.out, "%s transcript %s deleted\n", SuccessStyle.Render("[OK]"), shortID(id))
		return nil
	}

	return &ValidationError{
		Field:   "subcommand",
		Value:   sub,
		Reason:  "unknown history subcommand",
		Example: "gemlet history [list|show ID|delete ID|search QUERY]",
	}
}

func (a *app) printSessions(sessions []storage.SessionSummary) error {
	if a.args.JSON {
		if sessions == nil {
			sessions = []storage.SessionSummary{}
		}
		return a.emit(sessions)
	}
	table := storage.FormatSessionList(sessions)
	if !strings.HasSuffix(table, "\n") {
		table += "\n"
	}
	_, err := fmt.Fprint(a.out, table)
	return err
}

// transcriptID resolves the ID argument, which may be a unique prefix of a
// full session ID.
func (a *app) transcriptID(ctx context.Context, store *storage.Store) (string, error) {
	if len(a.args.Positional) == 0 {
		return "", ErrMissingArgument("ID", "gemlet history "+a.args.Subcommand+" 3f2a9c1e")
	}
	arg := strings.ToLower(strings.TrimSpace(a.args.Positional[0]))

	if _, err := store.Session(ctx, arg); err == nil {
		return arg, nil
	} else if !errors.Is(err, storage.ErrSessionNotFound) {
		return "", err
	}

	all, err := store.ListSessions(ctx, 0)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, s := range all {
		if strings.HasPrefix(s.ID, arg) {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", ErrNotFound("transcript", arg)
	case 1:
		return matches[0], nil
	default:
		return "", NewValidationError("ID", arg, fmt.Sprintf("matches %d transcripts, use more characters", len(matches)))
	}
}
