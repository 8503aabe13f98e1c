// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"errors"
	"net"
	"strings"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorKind categorizes client failures.
type ErrorKind int

const (
	// ErrKindConfiguration is a caller bug detected before any I/O.
	ErrKindConfiguration ErrorKind = iota + 1
	// ErrKindNetwork covers refused connections, DNS failures and timeouts.
	ErrKindNetwork
	// ErrKindServer is an HTTP 4xx/5xx reply.
	ErrKindServer
	// ErrKindMalformedResponse is a reply that is not the expected JSON.
	ErrKindMalformedResponse
)

// String returns the kind name shown to users.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindConfiguration:
		return "ConfigurationError"
	case ErrKindNetwork:
		return "NetworkError"
	case ErrKindServer:
		return "ServerError"
	case ErrKindMalformedResponse:
		return "MalformedResponse"
	default:
		return "UnknownError"
	}
}

// MarshalText lets ErrorKind render by name in JSON and logs.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ClientError is the failure branch of every client call.
type ClientError struct {
	Kind ErrorKind
	// Detail is the human-readable explanation: the underlying network
	// message, "HTTP <code>: <body>", or the decode problem.
	Detail string
	// StatusCode is set for ErrKindServer.
	StatusCode int
	// Timeout is set when the call was cut short by its deadline.
	Timeout bool
	Cause   error
}

func (e *ClientError) Error() string {
	return e.Kind.String() + ": " + e.Detail
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

func configError(detail string) *ClientError {
	return &ClientError{Kind: ErrKindConfiguration, Detail: detail}
}

func malformed(detail string, cause error) *ClientError {
	return &ClientError{Kind: ErrKindMalformedResponse, Detail: detail, Cause: cause}
}

// networkError classifies a transport failure. Every transport error is a
// network error; the timeout flag is derived from the deadline or the
// net.Error contract.
func networkError(err error) *ClientError {
	ce := &ClientError{Kind: ErrKindNetwork, Detail: err.Error(), Cause: err}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ce.Timeout = true
	case errors.As(err, &netErr) && netErr.Timeout():
		ce.Timeout = true
	}

	var dnsErr *net.DNSError
	switch {
	case ce.Timeout:
		ce.Detail = "request timed out: " + ce.Detail
	case errors.As(err, &dnsErr):
		ce.Detail = "DNS lookup failed: " + ce.Detail
	case strings.Contains(ce.Detail, "connection refused"):
		ce.Detail = "server unreachable: " + ce.Detail
	}
	return ce
}

// NewConfigurationError returns a failure detected before any I/O. Other
// backends use it to report errors in the same taxonomy.
func NewConfigurationError(detail string) *ClientError {
	return configError(detail)
}

// NewNetworkError classifies a transport failure.
func NewNetworkError(err error) *ClientError {
	return networkError(err)
}

// NewServerError returns an HTTP error status. body is trimmed into the
// detail.
func NewServerError(status int, body []byte) *ClientError {
	return &ClientError{Kind: ErrKindServer, Detail: serverDetail(status, body), StatusCode: status}
}

// NewMalformedError returns a reply that could not be decoded. body is
// trimmed into the detail.
func NewMalformedError(what string, body []byte, cause error) *ClientError {
	detail := what
	if text := snippet(body); text != "" {
		detail += ": " + text
	}
	return malformed(detail, cause)
}

// =============================================================================
// HELPERS
// =============================================================================

// KindOf returns the kind of a client error, or 0 if err is not one.
func KindOf(err error) ErrorKind {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

// IsConfiguration checks if an error was raised before any I/O.
func IsConfiguration(err error) bool {
	return KindOf(err) == ErrKindConfiguration
}

// IsNetwork checks if an error is a network failure (including timeouts).
func IsNetwork(err error) bool {
	return KindOf(err) == ErrKindNetwork
}

// IsServer checks if an error is an HTTP error status from the server.
func IsServer(err error) bool {
	return KindOf(err) == ErrKindServer
}

// IsMalformed checks if an error is an unparseable server reply.
func IsMalformed(err error) bool {
	return KindOf(err) == ErrKindMalformedResponse
}

// IsTimeout checks if an error is a network failure caused by a deadline.
func IsTimeout(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind == ErrKindNetwork && ce.Timeout
	}
	return false
}
