// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// status.go - Status and model listing commands.
//
// Command: status
// Short:   Show server, model and storage status
// Aliases: s
//
// Command: models
// Short:   List installed models
// Aliases: ls
//
// Examples:
//   gemlet status
//   gemlet status --json
//   gemlet models --family gemma3n

package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeranaias/gemlet/internal/config"
	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/util"
)

// =============================================================================
// MODELS
// =============================================================================

// ModelsData is the data returned by models --json.
type ModelsData struct {
	Family string             `json:"family,omitempty"`
	Models []ollama.ModelInfo `json:"models"`
}

func (a *app) handleModels(ctx context.Context) error {
	all, err := a.backend.ListModels(ctx)
	if err != nil {
		return err
	}
	models := make([]ollama.ModelInfo, 0, len(all))
	for _, m := range all {
		if m.MatchesFamily(a.args.Family) {
			models = append(models, m)
		}
	}

	if a.args.JSON {
		return a.emit(ModelsData{Family: a.args.Family, Models: models})
	}

	if len(models) == 0 {
		if a.cfg.Provider != config.ProviderOllama {
			fmt.Fprintln(a.out, "No models found.")
			return nil
		}
		if a.args.Family != "" {
			fmt.Fprintf(a.out, "No models matching %q. Try: ollama pull %s\n", a.args.Family, a.args.Family)
		} else {
			fmt.Fprintln(a.out, "No models installed. Try: ollama pull "+ollama.DefaultModel)
		}
		return nil
	}

	fmt.Fprintf(a.out, "%s  %s  %s  %s\n",
		util.PadWidth("NAME", 32), util.PadWidth("SIZE", 9), util.PadWidth("PARAMS", 7), "MODIFIED")
	for _, m := range models {
		name := m.Name
		if m.Name == a.cfg.ActiveModel() {
			name += " *"
		}
		fmt.Fprintf(a.out, "%s  %s  %s  %s\n",
			util.PadWidth(util.TruncateWidth(name, 32), 32),
			util.PadWidth(m.FormatSize(), 9),
			util.PadWidth(m.Details.ParameterSize, 7),
			m.ModifiedAt.Local().Format("2006-01-02"))
	}
	a.info("%s", DimStyle.Render("* configured model"))
	return nil
}

// =============================================================================
// STATUS
// =============================================================================

func (a *app) handleStatus(ctx context.Context) error {
	data := a.collectStatus(ctx)
	if a.args.JSON {
		return a.emit(data)
	}

	w := a.out
	fmt.Fprintln(w, TitleStyle.Render("gemlet status"))
	fmt.Fprintln(w, RenderSeparator(41))

	fmt.Fprintln(w, SectionStyle.Render("Model server"))
	fmt.Fprintln(w, RenderField("Provider", data.Provider))
	fmt.Fprintln(w, RenderField("Endpoint", data.Endpoint))
	if data.ServerRunning {
		fmt.Fprintln(w, RenderField("Server", "running "+RenderStatus("ok")))
	} else {
		fmt.Fprintln(w, RenderField("Server", "unreachable "+RenderStatus("fail")))
		fmt.Fprintln(w, RenderField("", DimStyle.Render(data.ServerError)))
	}
	switch {
	case data.ModelInstalled:
		fmt.Fprintln(w, RenderField("Model", data.Model+" "+RenderStatus("installed")))
	case data.ServerRunning:
		fmt.Fprintln(w, RenderField("Model", data.Model+" "+RenderStatus("missing")))
		if data.Provider == config.ProviderOllama {
			fmt.Fprintln(w, RenderField("", DimStyle.Render("ollama pull "+data.Model)))
		}
	default:
		fmt.Fprintln(w, RenderField("Model", data.Model))
	}

	fmt.Fprintln(w, SectionStyle.Render("Local"))
	fmt.Fprintln(w, RenderField("Config", data.ConfigPath))
	if data.StorageEnabled {
		fmt.Fprintln(w, RenderField("Transcripts", fmt.Sprintf("%d in %s", data.Transcripts, data.StoragePath)))
	} else {
		fmt.Fprintln(w, RenderField("Transcripts", "disabled"))
	}
	return nil
}

// collectStatus checks the model server and local state. Check failures
// are part of the report, not errors.
func (a *app) collectStatus(ctx context.Context) StatusData {
	data := StatusData{
		Provider:       a.cfg.Provider,
		Endpoint:       a.cfg.ActiveEndpoint(),
		Model:          a.cfg.ActiveModel(),
		StorageEnabled: a.cfg.Storage.Enabled,
	}

	data.ConfigPath = a.args.ConfigPath
	if data.ConfigPath == "" {
		data.ConfigPath, _ = config.ConfigPathTOML()
	}

	if err := a.backend.CheckRunning(ctx); err != nil {
		data.ServerError = describeError(err)
	} else {
		data.ServerRunning = true
		if models, err := a.backend.ListModels(ctx); err == nil {
			for _, m := range models {
				if strings.EqualFold(m.Name, data.Model) {
					data.ModelInstalled = true
					break
				}
			}
		}
	}

	if data.StorageEnabled {
		data.StoragePath, _ = a.cfg.StoragePath()
		if store, err := a.openStore(); err == nil && store != nil {
			if sessions, err := store.ListSessions(ctx, 0); err == nil {
				data.Transcripts = len(sessions)
			}
			store.Close()
		}
	}
	return data
}
