// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/gemlet/internal/history"
	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/prompts"
)

// Generator sends one generation request. *ollama.Client implements it.
type Generator interface {
	Generate(ctx context.Context, req *ollama.GenerateRequest) (*ollama.Result, error)
}

// =============================================================================
// SESSION
// =============================================================================

// Session is one conversation: a model, a persona and the rolling history.
type Session struct {
	id      string
	created time.Time
	buffer  *history.Buffer
	now     func() time.Time

	// turnMu serializes turns so exchanges are recorded in send order.
	turnMu sync.Mutex

	// inFlight counts turns waiting on or inside a generation.
	inFlight atomic.Int32

	mu           sync.Mutex
	model        string
	persona      *prompts.Persona
	lastActivity time.Time
	turns        int

	// generation is bumped by Reset; a turn that started under an older
	// generation does not record its exchange.
	generation uint64
}

// New creates a session with an empty history of the given capacity.
func New(model string, persona *prompts.Persona, capacity int) (*Session, error) {
	return newSession(model, persona, capacity, time.Now)
}

func newSession(model string, persona *prompts.Persona, capacity int, now func() time.Time) (*Session, error) {
	if persona == nil {
		return nil, errors.New("session: persona is required")
	}
	buf, err := history.New(capacity)
	if err != nil {
		return nil, err
	}
	t := now()
	return &Session{
		id:           uuid.NewString(),
		created:      t,
		buffer:       buf,
		now:          now,
		model:        model,
		persona:      persona,
		lastActivity: t,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Created returns when the session started.
func (s *Session) Created() time.Time { return s.created }

// History returns the session's buffer.
func (s *Session) History() *history.Buffer { return s.buffer }

// Model returns the model used for the next turn.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel switches the model for subsequent turns. History is kept.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
	s.lastActivity = s.now()
}

// Persona returns the active persona.
func (s *Session) Persona() *prompts.Persona {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persona
}

// SetPersona switches the preamble and sampling options.
func (s *Session) SetPersona(p *prompts.Persona) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persona = p
	s.lastActivity = s.now()
}

// Turns returns the number of successful exchanges since the session
// started, including ones since evicted from history.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// LastActivity returns the time of the last turn or change.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// IdleFor returns how long the session has been idle at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity())
}

// Busy reports whether a turn is in progress.
func (s *Session) Busy() bool {
	return s.inFlight.Load() > 0
}

// Prompt renders the prompt that the next turn would send for input.
func (s *Session) Prompt(input string) string {
	return s.buffer.Prompt(s.Persona().Preamble, input)
}

// Exchange runs one turn. On success the exchange is recorded and the
// result returned. On failure the history is left unchanged and the error
// is returned as-is for the caller to display. If Reset runs while the
// turn is in flight, the reply is still returned but not recorded.
func (s *Session) Exchange(ctx context.Context, gen Generator, input string, attachments []ollama.Attachment) (*ollama.Result, error) {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	s.mu.Lock()
	model, persona, gen0 := s.model, s.persona, s.generation
	s.lastActivity = s.now()
	s.mu.Unlock()

	req := &ollama.GenerateRequest{
		Model:       model,
		Prompt:      s.buffer.Prompt(persona.Preamble, input),
		Options:     persona.Options,
		Attachments: attachments,
	}

	res, err := gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.generation == gen0 {
		s.buffer.Record(input, res.Text)
		s.turns++
	}
	s.lastActivity = s.now()
	s.mu.Unlock()
	return res, nil
}

// Reset clears the conversation history. A turn already in flight
// completes but is not recorded.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.buffer.Clear()
	s.lastActivity = s.now()
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID           string             `json:"id"`
	Model        string             `json:"model"`
	Persona      string             `json:"persona"`
	Capacity     int                `json:"capacity"`
	Turns        int                `json:"turns"`
	Created      time.Time          `json:"created"`
	LastActivity time.Time          `json:"last_activity"`
	Exchanges    []history.Exchange `json:"exchanges"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:           s.id,
		Model:        s.model,
		Persona:      s.persona.Name,
		Capacity:     s.buffer.Cap(),
		Turns:        s.turns,
		Created:      s.created,
		LastActivity: s.lastActivity,
	}
	s.mu.Unlock()
	info.Exchanges = s.buffer.Exchanges()
	return info
}
