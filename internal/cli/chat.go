// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat REPL.
//
// Command: chat
// Short:   Interactive chat with a rolling context window
// Aliases: c
//
// Examples:
//   gemlet chat                      Start chatting with the default persona
//   gemlet chat --persona voice      Short, spoken-style replies
//   gemlet chat -n 10                Keep ten exchanges of context
//
// Each turn sends the persona preamble, the buffered exchanges and the new
// message. A failed turn leaves the context untouched so the message can be
// retried. Finished exchanges are saved to the transcript store when
// storage is enabled.

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/jeranaias/gemlet/internal/config"
	"github.com/jeranaias/gemlet/internal/history"
	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/session"
	"github.com/jeranaias/gemlet/internal/storage"
	"github.com/jeranaias/gemlet/internal/util"
)

const (
	chatPrompt      = "you> "
	chatHistoryFile = "chat_history"
	previewWidth    = 70
)

var slashCommands = []string{
	"/help", "/clear", "/history", "/model", "/image", "/audio", "/status", "/quit",
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader reads one line of chat input.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

// openLineReader uses line editing when stdin is a terminal and a plain
// reader when input is piped.
func openLineReader() (lineReader, error) {
	if IsTTY() {
		return newChatCLI()
	}
	return newPipeReader(os.Stdin), nil
}

// pipeReader reads newline-terminated input without echoing a prompt.
type pipeReader struct {
	r *bufio.Reader
}

func newPipeReader(r io.Reader) *pipeReader {
	return &pipeReader{r: bufio.NewReader(r)}
}

// Prompt returns the next line without its terminator. A final line with
// no newline is returned before io.EOF.
func (p *pipeReader) Prompt(string) (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (p *pipeReader) Close() error { return nil }

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// newChatCLI creates a ChatCLI with history loaded from the config
// directory.
func newChatCLI() (lineReader, error) {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) []string {
		if !strings.HasPrefix(input, "/") {
			return nil
		}
		var out []string
		for _, c := range slashCommands {
			if strings.HasPrefix(c, input) {
				out = append(out, c)
			}
		}
		return out
	})

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, chatHistoryFile),
	}
	c.LoadHistory()
	return c, nil
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// Prompt reads a line of input. Non-empty lines are added to history.
func (c *ChatCLI) Prompt(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history with owner-only permissions.
func (c *ChatCLI) SaveHistory() {
	if _, err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and restores the terminal.
func (c *ChatCLI) Close() error {
	c.SaveHistory()
	return c.line.Close()
}

// =============================================================================
// CHAT SESSION
// =============================================================================

// chat is the state of one REPL run.
type chat struct {
	app     *app
	sess    *session.Session
	store   *storage.Store
	pending []ollama.Attachment
}

func (a *app) handleChat(ctx context.Context) error {
	personaName := a.args.Persona
	if personaName == "" {
		personaName = a.cfg.Chat.Persona
	}
	persona, err := a.catalog.Persona(personaName)
	if err != nil {
		return err
	}

	capacity := a.args.Capacity
	if capacity == 0 {
		capacity = a.cfg.Chat.HistoryCapacity
	}
	sess, err := session.New(a.cfg.ActiveModel(), persona, capacity)
	if err != nil {
		return err
	}

	c := &chat{app: a, sess: sess}

	store, err := a.openStore()
	if err != nil {
		a.logger.Warn("transcript store unavailable, chat will not be saved", zap.Error(err))
	} else if store != nil {
		defer store.Close()
		if err := store.StartSession(ctx, sess.ID(), sess.Model()); err != nil {
			a.logger.Warn("transcript start failed", zap.String("session_id", sess.ID()), zap.Error(err))
		} else {
			c.store = store
		}
	}

	reader, err := a.newLineReader()
	if err != nil {
		return err
	}
	defer reader.Close()

	c.banner()
	return c.loop(ctx, reader)
}

func (c *chat) banner() {
	a := c.app
	if a.args.Quiet {
		return
	}
	fmt.Fprintln(a.errOut, TitleStyle.Render("gemlet chat"))
	fmt.Fprintln(a.errOut, DimStyle.Render(fmt.Sprintf("model %s · persona %s · context %d exchanges",
		c.sess.Model(), c.sess.Persona().Name, c.sess.History().Cap())))
	fmt.Fprintln(a.errOut, DimStyle.Render("Type /help for commands, /quit or Ctrl+D to exit."))
	fmt.Fprintln(a.errOut)
}

// loop reads input until EOF, /quit or ctx is cancelled.
func (c *chat) loop(ctx context.Context, reader lineReader) error {
	for {
		if ctx.Err() != nil {
			c.exitSummary()
			return nil
		}

		input, err := reader.Prompt(chatPrompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(c.app.errOut)
				c.exitSummary()
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := c.command(input)
			if err != nil {
				fmt.Fprintf(c.app.errOut, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			if !keepGoing {
				c.exitSummary()
				return nil
			}
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			c.exitSummary()
			return nil
		}

		c.send(ctx, input)
	}
}

// send runs one turn. Ctrl+C cancels the request in flight and returns
// to the prompt.
func (c *chat) send(ctx context.Context, input string) {
	a := c.app
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	res, err := c.sess.Exchange(turnCtx, a.backend, input, c.pending)
	if err != nil {
		if turnCtx.Err() != nil && ctx.Err() == nil {
			fmt.Fprintln(a.errOut, WarningStyle.Render("[Cancelled]"))
			return
		}
		fmt.Fprintf(a.errOut, "%s %s\n", ErrorStyle.Render("[ERROR]"), describeError(err))
		a.logger.Debug("turn failed", zap.String("kind", ollama.KindOf(err).String()), zap.Error(err))
		return
	}
	c.pending = nil

	fmt.Fprint(a.out, a.render(res.Text))
	if !a.args.Quiet {
		fmt.Fprintln(a.errOut, DimStyle.Render(fmt.Sprintf("%s · %s · context %d/%d",
			res.Model, formatDurationShort(res.Duration), c.sess.History().Len(), c.sess.History().Cap())))
	}

	if c.store != nil {
		ex := history.Exchange{UserText: input, AssistantText: res.Text, Timestamp: time.Now()}
		if err := c.store.Append(ctx, c.sess.ID(), ex); err != nil {
			a.logger.Warn("transcript append failed", zap.String("session_id", c.sess.ID()), zap.Error(err))
		}
	}
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// command handles a slash command. It returns false when the chat should
// end.
func (c *chat) command(line string) (bool, error) {
	a := c.app
	fields := strings.Fields(line)
	name := strings.ToLower(fields[0])
	arg := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch name {
	case "/help", "/h", "/?":
		fmt.Fprint(a.errOut, commandNotes[CmdChat])

	case "/clear":
		c.sess.Reset()
		c.pending = nil
		fmt.Fprintln(a.errOut, SuccessStyle.Render("Context cleared."))

	case "/history":
		c.printHistory()

	case "/model":
		if arg == "" {
			fmt.Fprintln(a.errOut, RenderField("Model", c.sess.Model()))
			return true, nil
		}
		c.sess.SetModel(arg)
		fmt.Fprintln(a.errOut, SuccessStyle.Render("Model set to "+arg))

	case "/image", "/audio":
		kind := ollama.AttachmentImage
		if name == "/audio" {
			kind = ollama.AttachmentAudio
		}
		att, err := readAttachment(kind, arg)
		if err != nil {
			return true, err
		}
		c.pending = append(c.pending, att)
		fmt.Fprintf(a.errOut, "%s %s attached to the next message\n",
			SuccessStyle.Render("[+]"), filepath.Base(arg))

	case "/status":
		c.printStatus()

	case "/quit", "/exit", "/q":
		return false, nil

	default:
		return true, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return true, nil
}

func (c *chat) printHistory() {
	w := c.app.errOut
	exchanges := c.sess.History().Exchanges()
	if len(exchanges) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No exchanges in context."))
		return
	}
	for i, ex := range exchanges {
		fmt.Fprintf(w, "%s %s\n", InfoStyle.Render(fmt.Sprintf("[%d] you:", i+1)), util.Preview(ex.UserText, previewWidth))
		fmt.Fprintf(w, "    %s %s\n", DimStyle.Render("model:"), util.Preview(ex.AssistantText, previewWidth))
	}
}

func (c *chat) printStatus() {
	w := c.app.errOut
	h := c.sess.History()
	saved := "off"
	if c.store != nil {
		saved = c.store.Path()
	}
	fmt.Fprintln(w, RenderField("Session", shortID(c.sess.ID())))
	fmt.Fprintln(w, RenderField("Endpoint", c.app.cfg.ActiveEndpoint()))
	fmt.Fprintln(w, RenderField("Model", c.sess.Model()))
	fmt.Fprintln(w, RenderField("Persona", c.sess.Persona().Name))
	fmt.Fprintln(w, RenderField("Context", fmt.Sprintf("%d/%d exchanges", h.Len(), h.Cap())))
	fmt.Fprintln(w, RenderField("Turns", fmt.Sprint(c.sess.Turns())))
	fmt.Fprintln(w, RenderField("Attachments", fmt.Sprint(len(c.pending))))
	fmt.Fprintln(w, RenderField("Transcript", saved))
}

func (c *chat) exitSummary() {
	if c.app.args.Quiet {
		return
	}
	fmt.Fprintln(c.app.errOut, DimStyle.Render(fmt.Sprintf("Session ended after %d turns.", c.sess.Turns())))
}
