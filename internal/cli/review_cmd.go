// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// review_cmd.go - Source file review.
//
// Command: review
// Short:   Review a source file
//
// Examples:
//   gemlet review main.go
//   gemlet review handler.py --watch     Re-review on every save
//
// With --watch the command runs until Ctrl+C. Failed reviews are shown and
// watching continues.

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/review"
)

// ReviewData is the data returned by review --json.
type ReviewData struct {
	File       string `json:"file"`
	Language   string `json:"language"`
	Review     string `json:"review"`
	Model      string `json:"model"`
	DurationMs int64  `json:"duration_ms"`
}

func (a *app) handleReview(ctx context.Context) error {
	if len(a.args.Positional) != 1 {
		return ErrMissingArgument("FILE", "gemlet review main.go [--watch]")
	}
	path := a.args.Positional[0]
	reviewer := review.NewReviewer(a.backend, a.catalog, a.cfg.ActiveModel(), a.logger.Named("review"))

	if !a.args.Watch {
		res, err := reviewer.Review(ctx, path)
		if err != nil {
			return err
		}
		return a.printReview(path, res)
	}

	if a.args.JSON {
		return NewValidationError("--json", "", "cannot be combined with --watch")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.info("%s", DimStyle.Render(fmt.Sprintf("Watching %s (Ctrl+C to stop)", path)))
	return reviewer.Watch(ctx, path, func(res *ollama.Result, err error) {
		fmt.Fprintln(a.out, RenderSeparator())
		fmt.Fprintln(a.out, DimStyle.Render(time.Now().Format("15:04:05")))
		if err != nil {
			DisplayError(a.errOut, "review", err, false)
			return
		}
		_ = a.printReview(path, res)
	})
}

func (a *app) printReview(path string, res *ollama.Result) error {
	lang, _ := review.Language(path)
	if a.args.JSON {
		return a.emit(ReviewData{
			File:       path,
			Language:   lang,
			Review:     res.Text,
			Model:      res.Model,
			DurationMs: res.Duration.Milliseconds(),
		})
	}
	fmt.Fprintln(a.out, SectionStyle.Render(fmt.Sprintf("Review of %s (%s)", filepath.Base(path), lang)))
	fmt.Fprint(a.out, a.render(res.Text))
	a.info("%s", DimStyle.Render(fmt.Sprintf("%s · %s", res.Model, formatDurationShort(res.Duration))))
	return nil
}
