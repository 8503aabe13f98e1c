// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"runtime"
	"strings"
)

const usageHeader = `gemlet - thin clients for a local generative model server

gemlet talks to an Ollama server (gemma3n by default) through one
stateless client. Conversations keep a short rolling context window so
the model sees the last few exchanges.
`

const usageFooter = `Global Flags:
      --provider NAME    Generation backend: ollama (default) or together
  -m, --model NAME       Model to use
      --endpoint URL     Model server URL (default http://localhost:11434)
      --timeout DUR      Request timeout (default 120s)
  -c, --config PATH      Config file (default ~/.gemlet/config.toml)
      --json             Output JSON
  -q, --quiet            Suppress progress output
  -v, --verbose          Debug logging
      --no-color         Disable colors

Environment:
  GEMLET_HOME            Config directory (default ~/.gemlet)
  GEMLET_MODEL           Default model
  GEMLET_OLLAMA_URL      Model server URL (OLLAMA_HOST is also honored)
  GEMLET_PROVIDER        Generation backend (ollama or together)
  TOGETHER_API_KEY       Together AI API key (also read from .env)
  NO_COLOR               Disable colors

Exit Codes:
  0 success, 1 error, 2 usage, 3 config, 5 network, 7 not found,
  8 timeout, 9 model server error

Run 'gemlet help COMMAND' for command flags.
`

// usage renders the top-level help text.
func usage() string {
	var sb strings.Builder
	sb.WriteString(usageHeader)
	sb.WriteString("\nUsage:\n")
	for _, s := range commandTable {
		fmt.Fprintf(&sb, "  %-10s %s\n", s.name, s.short)
	}
	sb.WriteString("\n")
	sb.WriteString(usageFooter)
	return sb.String()
}

func (a *app) handleHelp() error {
	if len(a.args.Positional) > 0 {
		ci, ok := lookupCommand(a.args.Positional[0])
		if !ok {
			return &ValidationError{Field: "command", Value: a.args.Positional[0], Reason: "unknown command"}
		}
		return a.printCommandHelp(ci.cmd)
	}
	_, err := fmt.Fprint(a.out, usage())
	return err
}

// printCommandHelp prints the usage line and flags of one command.
func (a *app) printCommandHelp(cmd Command) error {
	ci := infoFor(cmd)
	fs := commandFlagSet(cmd, &Args{})

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\nUsage:\n  %s\n", ci.short, ci.usage)
	if len(ci.aliases) > 0 {
		fmt.Fprintf(&sb, "\nAliases: %s\n", strings.Join(ci.aliases, ", "))
	}
	if extra := commandNotes[cmd]; extra != "" {
		sb.WriteString("\n" + extra)
	}
	fmt.Fprintf(&sb, "\nFlags:\n%s", fs.FlagUsages())
	_, err := fmt.Fprint(a.out, sb.String())
	return err
}

var commandNotes = map[Command]string{
	CmdChat: `Chat Commands:
  /help            Show chat commands
  /clear           Forget the context window
  /history         Show the exchanges in the context window
  /model [NAME]    Show or switch the model
  /image PATH      Attach an image to the next message
  /audio PATH      Attach an audio clip to the next message
  /status          Show session details
  /quit            Exit
`,
	CmdAnalyze: `Pages must be PNG or JPEG images. Rasterize PDFs first, e.g.
  pdftoppm -png -r 150 doc.pdf page

Presets: summary, extract_data, questions, translation, compliance, custom
`,
	CmdHistory: `Subcommands:
  list             List saved transcripts (default)
  show ID          Print a transcript as markdown
  delete ID        Delete a transcript
  search QUERY     Find transcripts containing QUERY

IDs may be abbreviated to any unique prefix.
`,
	CmdConfig: `Subcommands:
  show             Print the effective configuration (default)
  path             Print the config file path
  init             Write a default config file
`,
}

func (a *app) handleVersion() error {
	data := VersionData{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if a.args.JSON {
		return a.emit(data)
	}
	fmt.Fprintf(a.out, "gemlet %s\n", data.Version)
	if !a.args.Quiet {
		fmt.Fprintf(a.out, "  commit:  %s\n  built:   %s\n  go:      %s %s\n",
			data.GitCommit, data.BuildDate, data.GoVersion, data.Platform)
	}
	return nil
}
