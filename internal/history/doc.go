// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history keeps the rolling conversational context that is
// replayed to the model on every turn.
//
// A Buffer holds the last N exchanges of a single session and renders
// them into a plain-text transcript:
//
//	You are a helpful voice assistant. Keep responses conversational and concise.
//
//	Human: hi
//	Assistant: Hello!
//
//	Human: what's the weather?
//	Assistant:
//
// Each session owns its own Buffer. Buffers are never persisted; see
// package storage for the optional on-disk transcript.
package history
