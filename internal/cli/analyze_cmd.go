// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// analyze_cmd.go - Document page analysis.
//
// Command: analyze
// Short:   Analyze rasterized document pages
//
// Examples:
//   gemlet analyze page-1.png page-2.png
//   gemlet analyze scan.jpg --type extract_data --export data.csv
//   gemlet analyze p*.png --type custom --instruction "list every deadline"
//
// Pages are analyzed one at a time in order. A failed page is reported in
// place and the run continues. Ctrl+C stops after the current page and
// still prints (and exports) what was finished.

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/jeranaias/gemlet/internal/analyze"
	"github.com/jeranaias/gemlet/internal/prompts"
)

// AnalyzeData is the data returned by analyze --json.
type AnalyzeData struct {
	Type     string               `json:"type"`
	Results  []analyze.PageResult `json:"results"`
	Analyzed int                  `json:"analyzed"`
	Failed   int                  `json:"failed"`
	Export   string               `json:"export,omitempty"`
}

func (a *app) handleAnalyze(ctx context.Context) error {
	pages := a.args.Positional
	if len(pages) == 0 {
		return ErrMissingArgument("PAGE", "gemlet analyze page-1.png page-2.png --type summary")
	}

	preset, err := a.catalog.Analysis(a.args.AnalysisType)
	if err != nil {
		return &ValidationError{
			Field:   "--type",
			Value:   a.args.AnalysisType,
			Reason:  "unknown analysis preset",
			Example: "one of " + strings.Join(a.catalog.AnalysisNames(), ", "),
		}
	}
	if preset.Name == prompts.AnalysisCustom && strings.TrimSpace(a.args.Instruction) == "" {
		return ErrMissingArgument("--instruction", `gemlet analyze page.png --type custom --instruction "find all totals"`)
	}
	if a.args.Export != "" {
		switch strings.ToLower(filepath.Ext(a.args.Export)) {
		case ".csv", ".json":
		default:
			return NewValidationError("--export", a.args.Export, "must end in .csv or .json")
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	a.info("%s", TitleStyle.Render(fmt.Sprintf("%s: %d page(s)", preset.Label, len(pages))))
	results, runErr := analyze.New(a.backend, a.catalog).Run(ctx, analyze.Request{
		Pages:       pages,
		Type:        preset.Name,
		Instruction: a.args.Instruction,
		Model:       a.cfg.ActiveModel(),
	}, func(done, total int) {
		a.info("%s", DimStyle.Render(fmt.Sprintf("[%d/%d] %s", done, total, filepath.Base(pages[done-1]))))
	})
	if runErr != nil && len(results) == 0 {
		return runErr
	}

	if a.args.Export != "" {
		if err := analyze.WriteExport(a.args.Export, results); err != nil {
			return NewCommandError("analyze", "export", "could not write "+a.args.Export, err)
		}
		a.info("%s %d page(s) exported to %s", SuccessStyle.Render("[OK]"), len(results), a.args.Export)
	}

	ok, failed := analyze.Summary(results)
	if a.args.JSON {
		if err := a.emit(AnalyzeData{
			Type:     preset.Name,
			Results:  results,
			Analyzed: ok,
			Failed:   failed,
			Export:   a.args.Export,
		}); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			header := fmt.Sprintf("Page %d · %s", r.Page, filepath.Base(r.File))
			fmt.Fprintln(a.out, SectionStyle.Render(header))
			if r.Failed() {
				fmt.Fprintf(a.out, "%s %s\n\n", ErrorStyle.Render("[FAILED]"), r.Analysis)
				continue
			}
			fmt.Fprint(a.out, a.render(r.Analysis))
			fmt.Fprintln(a.out)
		}
		a.info("%s", DimStyle.Render(fmt.Sprintf("%d analyzed, %d failed", ok, failed)))
	}

	if runErr != nil {
		return runErr
	}
	if ok == 0 && failed > 0 {
		return results[0].Err
	}
	return nil
}
