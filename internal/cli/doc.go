// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the gemlet command line.
//
// Run is the entry point: it parses arguments, loads configuration, runs
// one command and returns the exit code. Every command accepts --json,
// which wraps its result in a JSONResponse envelope.
//
// Commands:
//
//	chat      interactive REPL with a rolling context window
//	ask       one stateless question, optionally with images, audio or a file
//	analyze   document page analysis with CSV/JSON export
//	review    source file review, optionally re-run on save
//	models    installed models
//	status    model server, model and storage status
//	serve     HTTP session API
//	history   saved chat transcripts
//	config    configuration file
//	version   build information
package cli
