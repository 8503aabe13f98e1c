// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage keeps a browsable transcript of past chat sessions.
//
// The transcript is separate from the rolling history that feeds prompts:
// the history forgets old exchanges, the transcript keeps every one.
//
// # Usage
//
//	store, err := storage.Open(path)
//	defer store.Close()
//
//	err = store.StartSession(ctx, sessionID, "gemma3n:latest")
//	err = store.Append(ctx, sessionID, exchange)
//
//	summaries, err := store.ListSessions(ctx, 20)
//	exchanges, err := store.Exchanges(ctx, summaries[0].ID)
//
// # Storage Location
//
// Transcripts live in ~/.gemlet/transcripts.db, a SQLite database opened
// with the pure-Go modernc.org/sqlite driver.
package storage
