// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/jeranaias/gemlet/internal/history"
	"github.com/jeranaias/gemlet/internal/ollama"
	"github.com/jeranaias/gemlet/internal/session"
)

// ============================================================================
// REQUEST / RESPONSE TYPES
// ============================================================================

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	Model    string `json:"model,omitempty"`
	Persona  string `json:"persona,omitempty"`
	Capacity int    `json:"capacity,omitempty"`
}

// MessageRequest is the body of POST /api/sessions/{id}/messages.
type MessageRequest struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
	Audio  []string `json:"audio,omitempty"`
}

// MessageResponse is a successful turn.
type MessageResponse struct {
	Text       string `json:"text"`
	Model      string `json:"model,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Turns      int    `json:"turns"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Model    string `json:"model"`
	Sessions int    `json:"sessions"`
	Backend  string `json:"backend"`
}

// ModelsResponse is the body of GET /api/models.
type ModelsResponse struct {
	Models []ollama.ModelInfo `json:"models"`
}

// ============================================================================
// HEALTH AND MODELS
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:   "ok",
		Model:    s.cfg.DefaultModel,
		Sessions: s.sessions.Len(),
		Backend:  "ok",
	}

	ctx, cancel := context.WithTimeout(r.Context(), backendCheckTimeout)
	defer cancel()
	if err := s.backend.CheckRunning(ctx); err != nil {
		health.Backend = "unavailable"
	}

	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), backendCheckTimeout)
	defer cancel()

	models, err := s.backend.ListModels(ctx)
	if err != nil {
		writeClientError(w, err)
		return
	}
	if models == nil {
		models = []ollama.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, ModelsResponse{Models: models})
}

// ============================================================================
// SESSIONS
// ============================================================================

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeDecodeError(w, err)
		return
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.cfg.DefaultModel
	}
	personaName := req.Persona
	if personaName == "" {
		personaName = s.cfg.DefaultPersona
	}
	persona, err := s.catalog.Persona(personaName)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, err.Error())
		return
	}

	sess, err := s.sessions.Create(model, persona, req.Capacity)
	if err != nil {
		var cfgErr *history.ConfigurationError
		switch {
		case errors.As(err, &cfgErr):
			writeError(w, http.StatusBadRequest, ollama.ErrKindConfiguration.String(), err.Error())
		case errors.Is(err, session.ErrLimitReached):
			writeError(w, http.StatusServiceUnavailable, kindUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
		}
		return
	}

	if s.recorder != nil {
		if err := s.recorder.StartSession(r.Context(), sess.ID(), model); err != nil {
			s.logger.Warn("transcript start failed", zap.String("session_id", sess.ID()), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sess.Reset()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, kindNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// MESSAGES
// ============================================================================

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req MessageRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeDecodeError(w, err)
		return
	}

	attachments, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, err.Error())
		return
	}

	res, err := sess.Exchange(r.Context(), s.backend, req.Text, attachments)
	if err != nil {
		s.logger.Info("turn failed",
			zap.String("session_id", sess.ID()),
			zap.String("kind", ollama.KindOf(err).String()),
			zap.Error(err))
		writeClientError(w, err)
		return
	}

	if s.recorder != nil {
		ex := history.Exchange{UserText: req.Text, AssistantText: res.Text, Timestamp: time.Now()}
		if err := s.recorder.Append(r.Context(), sess.ID(), ex); err != nil {
			s.logger.Warn("transcript append failed", zap.String("session_id", sess.ID()), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, MessageResponse{
		Text:       res.Text,
		Model:      res.Model,
		DurationMs: res.Duration.Milliseconds(),
		Turns:      sess.Turns(),
	})
}

// validate checks the message and decodes its attachments.
func (m *MessageRequest) validate() ([]ollama.Attachment, error) {
	if strings.TrimSpace(m.Text) == "" && len(m.Images) == 0 && len(m.Audio) == 0 {
		return nil, errors.New("text is required")
	}
	if utf8.RuneCountInString(m.Text) > MaxTextLength {
		return nil, fmt.Errorf("text exceeds %d characters", MaxTextLength)
	}

	var out []ollama.Attachment
	add := func(kind ollama.AttachmentKind, items []string) error {
		for i, data := range items {
			if _, err := base64.StdEncoding.DecodeString(data); err != nil {
				return fmt.Errorf("%s %d is not valid base64", kind, i)
			}
			out = append(out, ollama.Attachment{Kind: kind, Data: data})
		}
		return nil
	}
	if err := add(ollama.AttachmentImage, m.Images); err != nil {
		return nil, err
	}
	if err := add(ollama.AttachmentAudio, m.Audio); err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, kindNotFound, err.Error())
		return nil, false
	}
	return sess, true
}

// decodeBody decodes a JSON body. When optional is set an empty body is
// accepted and leaves v untouched.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	return err
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, kindInvalidRequest,
			fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		return
	}
	if errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, kindInvalidRequest, "request body is required")
		return
	}
	writeError(w, http.StatusBadRequest, kindInvalidRequest, "invalid JSON: "+err.Error())
}
