// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/gemlet/internal/history"
	"github.com/jeranaias/gemlet/internal/prompts"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultIdleTimeout is how long an untouched session survives.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultSweepInterval is how often Run looks for idle sessions.
	DefaultSweepInterval = time.Minute

	// DefaultMaxSessions caps concurrent sessions held by a Manager.
	DefaultMaxSessions = 1000
)

// ErrNotFound is returned for an unknown or expired session ID.
var ErrNotFound = errors.New("session not found")

// ErrLimitReached is returned by Create when MaxSessions are live.
var ErrLimitReached = errors.New("session limit reached")

// =============================================================================
// MANAGER
// =============================================================================

// Config controls a Manager.
type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Capacity      int
	MaxSessions   int
}

// DefaultConfig returns the settings used by `gemlet serve`.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   DefaultIdleTimeout,
		SweepInterval: DefaultSweepInterval,
		Capacity:      history.DefaultCapacity,
		MaxSessions:   DefaultMaxSessions,
	}
}

// Manager is a concurrent registry of sessions keyed by ID.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	// OnExpire, when set, is called for each session removed by Sweep.
	OnExpire func(*Session)

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager. Zero config fields take their defaults and
// a nil logger discards output.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Create starts a new session. A capacity of 0 uses the manager default.
func (m *Manager) Create(model string, persona *prompts.Persona, capacity int) (*Session, error) {
	if capacity == 0 {
		capacity = m.cfg.Capacity
	}
	s, err := newSession(model, persona, capacity, m.now)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrLimitReached, m.cfg.MaxSessions)
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Debug("session created",
		zap.String("session_id", s.id),
		zap.String("model", model),
		zap.String("persona", persona.Name),
		zap.Int("capacity", capacity))
	return s, nil
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Delete removes a session. Deleting an unknown ID returns ErrNotFound.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.logger.Debug("session deleted", zap.String("session_id", id))
	return nil
}

// List returns snapshots of every live session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep removes sessions idle for at least IdleTimeout at now and returns
// how many were removed. Sessions with a turn in progress are kept.
func (m *Manager) Sweep(now time.Time) int {
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Busy() {
			continue
		}
		if s.IdleFor(now) >= m.cfg.IdleTimeout {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Info("session expired",
			zap.String("session_id", s.id),
			zap.Duration("idle", s.IdleFor(now)),
			zap.Int("turns", s.Turns()))
		if m.OnExpire != nil {
			m.OnExpire(s)
		}
	}
	return len(expired)
}

// Run sweeps idle sessions every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			m.Sweep(t)
		}
	}
}
