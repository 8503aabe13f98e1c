// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the number of exchanges a buffer keeps when no
// capacity is configured.
const DefaultCapacity = 5

// MaxCapacity is the largest capacity a buffer accepts. Every retained
// exchange is replayed into each prompt, so larger windows only overflow
// the model's context.
const MaxCapacity = 1000

// Cue is the marker that opens the next human turn in a rendered prompt.
const Cue = "Human: "

// =============================================================================
// EXCHANGE
// =============================================================================

// Exchange is one completed user/assistant turn.
type Exchange struct {
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text"`
	Timestamp     time.Time `json:"timestamp"`
}

// format writes the exchange in the transcript layout the model was
// prompted with.
func (e Exchange) format(sb *strings.Builder) {
	sb.WriteString("Human: ")
	sb.WriteString(e.UserText)
	sb.WriteString("\nAssistant: ")
	sb.WriteString(e.AssistantText)
	sb.WriteString("\n\n")
}

// =============================================================================
// ERRORS
// =============================================================================

// ConfigurationError is returned when a buffer is constructed with an
// unusable capacity.
type ConfigurationError struct {
	Capacity int
}

func (e *ConfigurationError) Error() string {
	if e.Capacity > MaxCapacity {
		return fmt.Sprintf("history: capacity must be at most %d, got %d", MaxCapacity, e.Capacity)
	}
	return fmt.Sprintf("history: capacity must be positive, got %d", e.Capacity)
}

// ValidateCapacity reports whether capacity is usable for a buffer.
func ValidateCapacity(capacity int) error {
	if capacity <= 0 || capacity > MaxCapacity {
		return &ConfigurationError{Capacity: capacity}
	}
	return nil
}

// =============================================================================
// BUFFER
// =============================================================================

// Buffer is a bounded FIFO of exchanges. When full, recording a new
// exchange evicts the oldest one.
type Buffer struct {
	mu        sync.Mutex
	capacity  int
	exchanges []Exchange

	// now is swapped in tests.
	now func() time.Time
}

// New creates an empty buffer that retains at most capacity exchanges.
func New(capacity int) (*Buffer, error) {
	if err := ValidateCapacity(capacity); err != nil {
		return nil, err
	}
	return &Buffer{
		capacity:  capacity,
		exchanges: make([]Exchange, 0, initialSize(capacity)),
		now:       time.Now,
	}, nil
}

// NewDefault creates a buffer with DefaultCapacity.
func NewDefault() *Buffer {
	b, _ := New(DefaultCapacity)
	return b
}

// Record appends an exchange stamped with the current time.
func (b *Buffer) Record(userText, assistantText string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.exchanges = append(b.exchanges, Exchange{
		UserText:      userText,
		AssistantText: assistantText,
		Timestamp:     b.now(),
	})
	b.pruneOldExchanges()
}

// pruneOldExchanges drops entries from the front until the buffer is
// within capacity. Caller must hold mu.
func (b *Buffer) pruneOldExchanges() {
	excess := len(b.exchanges) - b.capacity
	if excess <= 0 {
		return
	}
	// Copy into a fresh slice so evicted strings can be collected.
	kept := make([]Exchange, b.capacity)
	copy(kept, b.exchanges[excess:])
	b.exchanges = kept
}

// Render formats the preamble and the retained exchanges, oldest first,
// followed by the cue for the next human turn. It does not modify the
// buffer.
func (b *Buffer) Render(preamble string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	if preamble != "" {
		sb.WriteString(preamble)
		switch {
		case strings.HasSuffix(preamble, "\n\n"):
		case strings.HasSuffix(preamble, "\n"):
			sb.WriteString("\n")
		default:
			sb.WriteString("\n\n")
		}
	}
	for _, e := range b.exchanges {
		e.format(&sb)
	}
	sb.WriteString(Cue)
	return sb.String()
}

// Prompt renders the buffer and completes the cue with input, leaving the
// prompt open for the assistant's reply.
func (b *Buffer) Prompt(preamble, input string) string {
	return b.Render(preamble) + input + "\nAssistant:"
}

// Clear removes every exchange. Clearing an empty buffer is a no-op.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges = make([]Exchange, 0, initialSize(b.capacity))
}

// initialSize bounds the up-front allocation; the slice grows on demand.
func initialSize(capacity int) int {
	return min(capacity, DefaultCapacity)
}

// Len returns the number of retained exchanges.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exchanges)
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int {
	return b.capacity
}

// Exchanges returns a copy of the retained exchanges, oldest first.
func (b *Buffer) Exchanges() []Exchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Exchange, len(b.exchanges))
	copy(out, b.exchanges)
	return out
}

// Last returns the most recent exchange, if any.
func (b *Buffer) Last() (Exchange, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.exchanges) == 0 {
		return Exchange{}, false
	}
	return b.exchanges[len(b.exchanges)-1], true
}
