// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// helpers.go - Shared helper functions used across multiple CLI commands.

package cli

import (
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"github.com/jeranaias/gemlet/internal/ollama"
)

const (
	// maxAttachmentBytes bounds an image or audio file read from disk.
	maxAttachmentBytes = 20 << 20

	// shortIDLength is how much of a session ID tables show.
	shortIDLength = 8
)

// formatDurationShort formats a short duration string.
func formatDurationShort(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", m, s)
}

// formatBytes formats a byte count for display.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
	)

	switch {
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

// shortID abbreviates a session ID for display.
func shortID(id string) string {
	if len(id) <= shortIDLength {
		return id
	}
	return id[:shortIDLength]
}

// statFile checks that path is a regular file no larger than limit.
func statFile(field, path string, limit int64) (os.FileInfo, error) {
	if path == "" {
		return nil, ErrMissingArgument(field, "--"+field+" path/to/file")
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound("file", path)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, NewValidationError(field, path, "is a directory")
	}
	if info.Size() > limit {
		return nil, NewValidationError(field, path,
			fmt.Sprintf("file is %s, limit is %s", formatBytes(info.Size()), formatBytes(limit)))
	}
	return info, nil
}

// readAttachment reads a local image or audio file and encodes it for a
// generation request.
func readAttachment(kind ollama.AttachmentKind, path string) (ollama.Attachment, error) {
	if _, err := statFile(string(kind), path, maxAttachmentBytes); err != nil {
		return ollama.Attachment{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ollama.Attachment{}, err
	}
	return ollama.EncodeAttachment(kind, raw), nil
}

// readAttachments reads every image and audio path in order.
func readAttachments(images, audio []string) ([]ollama.Attachment, error) {
	var out []ollama.Attachment
	for _, p := range images {
		att, err := readAttachment(ollama.AttachmentImage, p)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	for _, p := range audio {
		att, err := readAttachment(ollama.AttachmentAudio, p)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}

// readTextFile reads a UTF-8 text file no larger than limit.
func readTextFile(path string, limit int64) (string, error) {
	if _, err := statFile("file", path, limit); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", NewValidationError("file", path, "not a UTF-8 text file")
	}
	return string(data), nil
}
