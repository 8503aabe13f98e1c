// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Argument parsing and dispatch for gemlet.
//
// Global flags may appear before or after the command word. Each command
// parses its own flags with a pflag FlagSet, so unknown flags are reported
// against the command that received them.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/jeranaias/gemlet/internal/config"
	"github.com/jeranaias/gemlet/internal/history"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdChat
	CmdAsk
	CmdAnalyze
	CmdReview
	CmdModels
	CmdStatus
	CmdServe
	CmdHistory
	CmdConfig
	CmdVersion
)

// commandInfo describes one command word.
type commandInfo struct {
	cmd     Command
	name    string
	aliases []string
	usage   string
	short   string
}

var commandTable = []commandInfo{
	{CmdChat, "chat", []string{"c"}, "gemlet chat [--persona NAME] [--capacity N]", "Interactive chat with a rolling context window"},
	{CmdAsk, "ask", []string{"a"}, `gemlet ask "question" [--image P]... [--audio P]... [--file P]`, "Ask a single question"},
	{CmdAnalyze, "analyze", nil, "gemlet analyze PAGE... [--type T] [--instruction TEXT] [--export out.csv|out.json]", "Analyze rasterized document pages"},
	{CmdReview, "review", nil, "gemlet review FILE [--watch]", "Review a source file"},
	{CmdModels, "models", []string{"ls"}, "gemlet models [--family NAME]", "List installed models"},
	{CmdStatus, "status", []string{"s"}, "gemlet status", "Show server, model and storage status"},
	{CmdServe, "serve", nil, "gemlet serve [--addr HOST:PORT]", "Run the HTTP session API"},
	{CmdHistory, "history", nil, "gemlet history [list|show ID|delete ID|search QUERY] [--limit N]", "Browse saved chat transcripts"},
	{CmdConfig, "config", nil, "gemlet config [show|path|init] [--force]", "Show or create the configuration file"},
	{CmdVersion, "version", nil, "gemlet version", "Show version information"},
	{CmdHelp, "help", nil, "gemlet help [COMMAND]", "Show help"},
}

// String returns the command word.
func (c Command) String() string {
	for _, s := range commandTable {
		if s.cmd == c {
			return s.name
		}
	}
	return "gemlet"
}

func lookupCommand(word string) (commandInfo, bool) {
	word = strings.ToLower(word)
	for _, s := range commandTable {
		if s.name == word {
			return s, true
		}
		for _, a := range s.aliases {
			if a == word {
				return s, true
			}
		}
	}
	return commandInfo{}, false
}

func infoFor(c Command) commandInfo {
	for _, s := range commandTable {
		if s.cmd == c {
			return s
		}
	}
	return commandTable[len(commandTable)-1]
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	Provider   string
	Model      string
	Endpoint   string
	Timeout    time.Duration
	ConfigPath string
	JSON       bool
	Quiet      bool
	Verbose    bool
	NoColor    bool

	// Help is set when the command was given -h/--help.
	Help bool

	// Subcommand is the first positional word for history and config.
	Subcommand string
	// Positional holds the remaining positional arguments.
	Positional []string

	// chat and ask
	Persona  string
	Capacity int

	// ask
	Images []string
	Audio  []string
	File   string

	// analyze
	AnalysisType string
	Instruction  string
	Export       string

	// review
	Watch bool

	// models
	Family string

	// serve
	Addr string

	// history
	Limit int

	// config init
	Force bool
}

// =============================================================================
// FLAG SETS
// =============================================================================

// addGlobalFlags registers the flags every command accepts. Defaults are
// taken from a so values parsed before the command word survive.
func addGlobalFlags(fs *pflag.FlagSet, a *Args) {
	fs.StringVar(&a.Provider, "provider", a.Provider, "generation backend: ollama or together (default from config)")
	fs.StringVarP(&a.Model, "model", "m", a.Model, "model to use (default from config)")
	fs.StringVar(&a.Endpoint, "endpoint", a.Endpoint, "model server URL (default from config)")
	fs.DurationVar(&a.Timeout, "timeout", a.Timeout, "request timeout, e.g. 90s (default from config)")
	fs.StringVarP(&a.ConfigPath, "config", "c", a.ConfigPath, "config file path")
	fs.BoolVar(&a.JSON, "json", a.JSON, "output JSON")
	fs.BoolVarP(&a.Quiet, "quiet", "q", a.Quiet, "suppress progress and informational output")
	fs.BoolVarP(&a.Verbose, "verbose", "v", a.Verbose, "enable debug logging")
	fs.BoolVar(&a.NoColor, "no-color", a.NoColor, "disable colored output")
}

// commandFlagSet builds the flag set for cmd bound to a.
func commandFlagSet(cmd Command, a *Args) *pflag.FlagSet {
	fs := pflag.NewFlagSet(cmd.String(), pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false
	addGlobalFlags(fs, a)

	switch cmd {
	case CmdChat:
		fs.StringVarP(&a.Persona, "persona", "p", "", "persona preamble (assistant, voice, coder)")
		fs.IntVarP(&a.Capacity, "capacity", "n", 0, "exchanges kept in the context window (default from config)")
	case CmdAsk:
		fs.StringVarP(&a.Persona, "persona", "p", "", "persona preamble (assistant, voice, coder)")
		fs.StringArrayVarP(&a.Images, "image", "i", nil, "attach an image (repeatable)")
		fs.StringArrayVar(&a.Audio, "audio", nil, "attach an audio clip (repeatable)")
		fs.StringVarP(&a.File, "file", "f", "", "prepend a text file to the question")
	case CmdAnalyze:
		fs.StringVarP(&a.AnalysisType, "type", "t", "summary", "analysis preset")
		fs.StringVar(&a.Instruction, "instruction", "", "instruction for the custom preset")
		fs.StringVarP(&a.Export, "export", "o", "", "write results to a .csv or .json file")
	case CmdReview:
		fs.BoolVarP(&a.Watch, "watch", "w", false, "re-run the review whenever the file is saved")
	case CmdModels:
		fs.StringVar(&a.Family, "family", "", "only list models matching this family")
	case CmdServe:
		fs.StringVar(&a.Addr, "addr", "", "listen address (default from config)")
	case CmdHistory:
		fs.IntVar(&a.Limit, "limit", 20, "maximum transcripts to list (0 for all)")
	case CmdConfig:
		fs.BoolVar(&a.Force, "force", false, "overwrite an existing file (init)")
	}
	return fs
}

// =============================================================================
// PARSE
// =============================================================================

// Parse parses argv (without the program name) into a command and its
// arguments. An empty argv selects help.
func Parse(argv []string) (Command, Args, error) {
	var args Args
	var showVersion bool

	global := pflag.NewFlagSet("gemlet", pflag.ContinueOnError)
	global.SetOutput(io.Discard)
	global.SetInterspersed(false)
	addGlobalFlags(global, &args)
	global.BoolVar(&showVersion, "version", false, "show version")

	if err := global.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return CmdHelp, args, nil
		}
		return CmdHelp, args, flagError(err)
	}
	if showVersion {
		return CmdVersion, args, nil
	}

	rest := global.Args()
	if len(rest) == 0 {
		return CmdHelp, args, nil
	}

	ci, ok := lookupCommand(rest[0])
	if !ok {
		return CmdHelp, args, &ValidationError{
			Field:   "command",
			Value:   rest[0],
			Reason:  "unknown command",
			Example: "gemlet help",
		}
	}

	fs := commandFlagSet(ci.cmd, &args)
	if err := fs.Parse(rest[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			args.Help = true
			return ci.cmd, args, nil
		}
		return ci.cmd, args, flagError(err)
	}
	args.Positional = fs.Args()

	switch ci.cmd {
	case CmdHistory, CmdConfig:
		if len(args.Positional) > 0 {
			args.Subcommand = strings.ToLower(args.Positional[0])
			args.Positional = args.Positional[1:]
		}
	}

	if args.Capacity < 0 {
		return ci.cmd, args, NewValidationError("--capacity", fmt.Sprint(args.Capacity), "must be positive")
	}
	if args.Capacity > history.MaxCapacity {
		return ci.cmd, args, NewValidationError("--capacity", fmt.Sprint(args.Capacity),
			fmt.Sprintf("must be at most %d", history.MaxCapacity))
	}
	switch args.Provider = strings.ToLower(args.Provider); args.Provider {
	case "", config.ProviderOllama, config.ProviderTogether:
	default:
		return ci.cmd, args, &ValidationError{
			Field:   "--provider",
			Value:   args.Provider,
			Reason:  "unknown provider",
			Example: "gemlet --provider together ask \"hello\"",
		}
	}
	if args.Timeout < 0 {
		return ci.cmd, args, NewValidationError("--timeout", args.Timeout.String(), "must be positive")
	}
	return ci.cmd, args, nil
}

func flagError(err error) error {
	return &ValidationError{Field: "flag", Reason: err.Error()}
}

// =============================================================================
// RUN
// =============================================================================

// Run parses argv, executes the command and returns the process exit code.
// Command output goes to stdout; errors, progress and logs go to stderr.
func Run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	cmd, args, err := Parse(argv)
	if args.NoColor {
		DisableColors()
	}
	if err != nil {
		DisplayError(stderr, cmd.String(), err, false)
		fmt.Fprintln(stderr, DimStyle.Render("Run 'gemlet help' for usage."))
		return GetExitCode(err)
	}

	a := newApp(cmd, args, stdout, stderr)
	defer a.close()

	if err := a.run(ctx); err != nil {
		if args.JSON {
			DisplayError(stdout, cmd.String(), err, true)
		} else {
			DisplayError(stderr, cmd.String(), err, false)
		}
		return GetExitCode(err)
	}
	return ExitSuccess
}

// run dispatches to the command handler.
func (a *app) run(ctx context.Context) error {
	if a.args.Help {
		return a.printCommandHelp(a.cmd)
	}

	switch a.cmd {
	case CmdHelp:
		return a.handleHelp()
	case CmdVersion:
		return a.handleVersion()
	case CmdConfig:
		return a.handleConfig()
	}

	if err := a.setup(); err != nil {
		return err
	}

	switch a.cmd {
	case CmdChat:
		return a.handleChat(ctx)
	case CmdAsk:
		return a.handleAsk(ctx)
	case CmdAnalyze:
		return a.handleAnalyze(ctx)
	case CmdReview:
		return a.handleReview(ctx)
	case CmdModels:
		return a.handleModels(ctx)
	case CmdStatus:
		return a.handleStatus(ctx)
	case CmdServe:
		return a.handleServe(ctx)
	case CmdHistory:
		return a.handleHistory(ctx)
	}
	return fmt.Errorf("unhandled command %s", a.cmd)
}
