// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/gemlet/internal/history"
	"github.com/jeranaias/gemlet/internal/util"
)

// =============================================================================
// DISPLAY FORMATTING
// =============================================================================

// FormatSessionList renders summaries as a plain table with ID, creation
// time, exchange count and preview columns.
func FormatSessionList(sessions []SessionSummary) string {
	if len(sessions) == 0 {
		return "No transcripts found."
	}

	const rule = "------------------------------------------------------------------------\n"

	var sb strings.Builder
	sb.WriteString("Transcripts:\n")
	sb.WriteString(rule)
	sb.WriteString(util.PadWidth("ID", 10) + " " + util.PadWidth("Created", 17) + " " +
		util.PadWidth("Turns", 6) + " Preview\n")
	sb.WriteString(rule)

	for _, s := range sessions {
		id := s.ID
		if len(id) > 8 {
			id = id[:8]
		}
		sb.WriteString(util.PadWidth(id, 10) + " " +
			util.PadWidth(s.CreatedAt.Local().Format("2006-01-02 15:04"), 17) + " " +
			util.PadWidth(strconv.Itoa(s.ExchangeCount), 6) + " " +
			util.TruncateWidth(s.Preview, 36) + "\n")
	}
	return sb.String()
}

// ExportMarkdown renders one transcript as Markdown.
func ExportMarkdown(sum *SessionSummary, exchanges []history.Exchange) string {
	var sb strings.Builder
	sb.WriteString("# Session " + sum.ID + "\n\n")
	sb.WriteString("Model: " + sum.Model + "  \n")
	sb.WriteString("Created: " + sum.CreatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, ex := range exchanges {
		stamp := ex.Timestamp.Local().Format("15:04")
		sb.WriteString("**User** (" + stamp + "):\n\n")
		sb.WriteString(ex.UserText)
		sb.WriteString("\n\n**Assistant**:\n\n")
		sb.WriteString(ex.AssistantText)
		sb.WriteString("\n\n---\n\n")
	}
	return sb.String()
}
