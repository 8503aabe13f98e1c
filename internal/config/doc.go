// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for gemlet.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// .env files, environment variable overrides, and validation.
//
// Configuration sources (later wins):
//   - Built-in defaults
//   - ~/.gemlet/config.toml, or ~/.gemlet/config.json, or --config PATH
//   - .env in the working directory (never overrides the real environment)
//   - GEMLET_* environment variables
//
// There is no package-level configuration instance; callers load a Config
// and pass it down.
package config
