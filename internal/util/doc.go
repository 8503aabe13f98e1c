// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across gemlet.
//
//   - AtomicWriteFile: crash-safe file writing with fsync
//   - TruncateRunes, TruncateWidth, Preview: display-safe string shortening
//
// Usage:
//
//	// Fit a transcript line into a table column
//	cell := util.Preview(exchange.UserText, 40)
//
//	// Write exports and config without leaving partial files
//	err := util.AtomicWriteFile(path, data, 0600)
package util
