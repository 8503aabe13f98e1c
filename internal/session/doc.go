// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session ties a conversation history to a model and persona.
//
// A Session owns exactly one history.Buffer. Each turn renders the buffer
// into a prompt, sends it, and records the exchange only when the model
// answered. A Manager keeps many sessions side by side for the HTTP API
// and expires the idle ones.
//
// # Usage
//
//	mgr := session.NewManager(session.DefaultConfig(), logger)
//	go mgr.Run(ctx)
//
//	s, err := mgr.Create("gemma3n:latest", persona)
//	res, err := s.Exchange(ctx, client, "hello", nil)
//
// Clearing one session's history never affects another:
//
//	s.Reset()
package session
