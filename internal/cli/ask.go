// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - Single stateless question.
//
// Command: ask
// Short:   Ask a single question
// Aliases: a
//
// Examples:
//   gemlet ask "What is a goroutine?"
//   gemlet ask "What is in this picture?" --image photo.jpg
//   gemlet ask "Transcribe this" --audio memo.wav
//   gemlet ask "Explain this config" --file nginx.conf
//   gemlet ask "Summarize" --file notes.md --json

package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jeranaias/gemlet/internal/session"
)

// maxAskFileBytes bounds the --file text prepended to the question.
const maxAskFileBytes = 50 << 10

func (a *app) handleAsk(ctx context.Context) error {
	question := strings.TrimSpace(strings.Join(a.args.Positional, " "))
	if question == "" && len(a.args.Images) == 0 && len(a.args.Audio) == 0 {
		return ErrMissingArgument("question", `gemlet ask "What is a goroutine?"`)
	}

	if a.args.File != "" {
		content, err := readTextFile(a.args.File, maxAskFileBytes)
		if err != nil {
			return err
		}
		question = fileQuestion(filepath.Base(a.args.File), content, question)
	}

	attachments, err := readAttachments(a.args.Images, a.args.Audio)
	if err != nil {
		return err
	}

	personaName := a.args.Persona
	if personaName == "" {
		personaName = a.cfg.Chat.Persona
	}
	persona, err := a.catalog.Persona(personaName)
	if err != nil {
		return err
	}

	// A one-exchange session gives ask the same prompt shape as chat
	// without carrying anything between invocations.
	sess, err := session.New(a.cfg.ActiveModel(), persona, 1)
	if err != nil {
		return err
	}
	res, err := sess.Exchange(ctx, a.backend, question, attachments)
	if err != nil {
		return err
	}

	if a.args.JSON {
		return a.emit(AskData{
			Text:       res.Text,
			Model:      res.Model,
			DurationMs: res.Duration.Milliseconds(),
			EvalCount:  res.EvalCount,
		})
	}

	fmt.Fprint(a.out, a.render(res.Text))
	a.info("%s", DimStyle.Render(fmt.Sprintf("%s · %s", res.Model, formatDurationShort(res.Duration))))
	return nil
}

// fileQuestion prepends file content to the question.
func fileQuestion(name, content, question string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Content of %s:\n\n```\n%s", name, content)
	if !strings.HasSuffix(content, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString("```")
	if question != "" {
		sb.WriteString("\n\n")
		sb.WriteString(question)
	}
	return sb.String()
}
