// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// ATTACHMENTS
// =============================================================================

// AttachmentKind identifies the media type of an attachment.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
)

// Valid reports whether k is a supported attachment kind.
func (k AttachmentKind) Valid() bool {
	switch k {
	case AttachmentImage, AttachmentAudio:
		return true
	}
	return false
}

// Attachment is a base64-encoded media payload sent alongside a prompt.
// The client never encodes Data itself; use EncodeAttachment.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Data string         `json:"data"`
}

// EncodeAttachment base64-encodes raw bytes into an attachment.
func EncodeAttachment(kind AttachmentKind, raw []byte) Attachment {
	return Attachment{Kind: kind, Data: base64.StdEncoding.EncodeToString(raw)}
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// GenerateRequest is a single prompt submission. It is built fresh for
// every call and not modified by the client.
type GenerateRequest struct {
	Model       string
	Prompt      string
	Options     *Options
	Attachments []Attachment
}

// Options holds sampling parameters. Nil pointer fields are omitted so the
// server default applies; a non-nil zero is sent as zero.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" toml:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty" toml:"top_p,omitempty"`
	// MaxTokens is sent as num_predict, the name the server honors.
	MaxTokens *int     `json:"num_predict,omitempty" yaml:"max_tokens,omitempty" toml:"max_tokens,omitempty"`
	TopK      int      `json:"top_k,omitempty" yaml:"top_k,omitempty" toml:"top_k,omitempty"`
	Seed      int      `json:"seed,omitempty" yaml:"seed,omitempty" toml:"seed,omitempty"`
	NumCtx    int      `json:"num_ctx,omitempty" yaml:"num_ctx,omitempty" toml:"num_ctx,omitempty"`
	Stop      []string `json:"stop,omitempty" yaml:"stop,omitempty" toml:"stop,omitempty"`
}

// Float returns a pointer to v, for building Options literals.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for building Options literals.
func Int(v int) *int { return &v }

// Merge returns a copy of o with every field set in override applied on
// top. Either side may be nil.
func (o *Options) Merge(override *Options) *Options {
	if o == nil && override == nil {
		return nil
	}
	out := &Options{}
	if o != nil {
		*out = *o
	}
	if override == nil {
		return out
	}
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if override.TopK != 0 {
		out.TopK = override.TopK
	}
	if override.Seed != 0 {
		out.Seed = override.Seed
	}
	if override.NumCtx != 0 {
		out.NumCtx = override.NumCtx
	}
	if len(override.Stop) > 0 {
		out.Stop = override.Stop
	}
	return out
}

// generateBody is the wire form of a GenerateRequest.
type generateBody struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options *Options `json:"options,omitempty"`
	Images  []string `json:"images,omitempty"`
	Audio   []string `json:"audio,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// generateReply is the wire form of a /api/generate reply. Response is a
// pointer so a missing key can be told apart from an empty string.
type generateReply struct {
	Model         *string `json:"model"`
	Response      *string `json:"response"`
	Done          bool    `json:"done"`
	DoneReason    string  `json:"done_reason"`
	TotalDuration int64   `json:"total_duration"`
	EvalCount     int     `json:"eval_count"`
}

// Result is a successful generation. Text may be empty when the model
// produced no output.
type Result struct {
	Text       string
	Model      string
	DoneReason string
	EvalCount  int
	// Duration is the wall-clock time of the round trip.
	Duration time.Duration
}

// ModelInfo contains information about an installed model.
type ModelInfo struct {
	Name       string       `json:"name"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details,omitempty"`
}

// ModelDetails contains detailed information about a model.
type ModelDetails struct {
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

// listModelsReply is the response from /api/tags.
type listModelsReply struct {
	Models []ModelInfo `json:"models"`
}

// MatchesFamily reports whether the model name or family contains family
// (case-insensitive). An empty family matches everything.
func (m ModelInfo) MatchesFamily(family string) bool {
	if family == "" {
		return true
	}
	family = strings.ToLower(family)
	if strings.Contains(strings.ToLower(m.Name), family) {
		return true
	}
	if strings.Contains(strings.ToLower(m.Details.Family), family) {
		return true
	}
	for _, f := range m.Details.Families {
		if strings.Contains(strings.ToLower(f), family) {
			return true
		}
	}
	return false
}

// FormatSize formats the model size in human-readable form.
func (m ModelInfo) FormatSize() string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case m.Size >= GB:
		return fmt.Sprintf("%.1f GB", float64(m.Size)/GB)
	case m.Size >= MB:
		return fmt.Sprintf("%.1f MB", float64(m.Size)/MB)
	case m.Size >= KB:
		return fmt.Sprintf("%.1f KB", float64(m.Size)/KB)
	default:
		return fmt.Sprintf("%d B", m.Size)
	}
}
