// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jeranaias/gemlet/internal/ollama"
)

// Error kinds that do not come from the inference client.
const (
	kindInvalidRequest = "InvalidRequest"
	kindNotFound       = "NotFound"
	kindRateLimited    = "RateLimited"
	kindUnavailable    = "Unavailable"
	kindInternal       = "InternalError"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the failure kind and explains it.
type ErrorDetail struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// StatusFor maps an inference client error to an HTTP status.
func StatusFor(err error) int {
	var ce *ollama.ClientError
	if !errors.As(err, &ce) {
		return http.StatusInternalServerError
	}
	switch ce.Kind {
	case ollama.ErrKindConfiguration:
		return http.StatusBadRequest
	case ollama.ErrKindNetwork:
		if ce.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case ollama.ErrKindServer, ollama.ErrKindMalformedResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Kind: kind, Detail: detail}})
}

// writeClientError writes an inference failure with its kind and detail.
func writeClientError(w http.ResponseWriter, err error) {
	var ce *ollama.ClientError
	if errors.As(err, &ce) {
		writeError(w, StatusFor(err), ce.Kind.String(), ce.Detail)
		return
	}
	writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
}
