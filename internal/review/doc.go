// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package review sends source files to the model for a structured code
// review, once or every time the file is saved.
package review
