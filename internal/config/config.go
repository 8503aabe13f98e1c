// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/gemlet/internal/history"
	"github.com/jeranaias/gemlet/internal/util"
)

// CurrentVersion is written into newly saved config files.
const CurrentVersion = "1"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete gemlet configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Provider selects the generation backend: "ollama" or "together".
	Provider string `toml:"provider" json:"provider"`

	// Ollama server connection
	Ollama OllamaConfig `toml:"ollama" json:"ollama"`

	// Together AI hosted backend
	Together TogetherConfig `toml:"together" json:"together"`

	// Conversational front ends
	Chat ChatConfig `toml:"chat" json:"chat"`

	// HTTP session API
	Server ServerConfig `toml:"server" json:"server"`

	// Transcript store
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Logging
	Logging LoggingConfig `toml:"logging" json:"logging"`

	// Prompt catalog overrides
	Prompts PromptsConfig `toml:"prompts" json:"prompts"`
}

// OllamaConfig contains the generation server settings.
type OllamaConfig struct {
	// URL is the server root (e.g. http://localhost:11434).
	URL string `toml:"url" json:"url"`
	// Model is the model identifier sent with every request.
	Model string `toml:"model" json:"model"`
	// Timeout bounds each generation round trip.
	Timeout Duration `toml:"timeout" json:"timeout"`
}

// TogetherConfig contains the Together AI chat completions settings.
type TogetherConfig struct {
	// URL is the API root (e.g. https://api.together.xyz/v1).
	URL string `toml:"url" json:"url"`
	// Model is the hosted model identifier.
	Model string `toml:"model" json:"model"`
	// APIKey is usually left empty here and supplied as TOGETHER_API_KEY.
	APIKey string `toml:"api_key" json:"api_key"`
	// MaxTokens caps a reply when the persona sets no limit.
	MaxTokens int `toml:"max_tokens" json:"max_tokens"`
	// Timeout bounds each call including retries.
	Timeout Duration `toml:"timeout" json:"timeout"`
}

// Provider names accepted in Config.Provider.
const (
	ProviderOllama   = "ollama"
	ProviderTogether = "together"
)

// ChatConfig contains settings shared by the chat REPL and the session API.
type ChatConfig struct {
	// HistoryCapacity is how many exchanges are replayed to the model.
	HistoryCapacity int `toml:"history_capacity" json:"history_capacity"`
	// Persona selects the default preamble.
	Persona string `toml:"persona" json:"persona"`
	// Markdown renders replies with glamour when stdout is a terminal.
	Markdown bool `toml:"markdown" json:"markdown"`
}

// ServerConfig contains the HTTP session API settings.
type ServerConfig struct {
	Addr               string   `toml:"addr" json:"addr"`
	SessionIdleTimeout Duration `toml:"session_idle_timeout" json:"session_idle_timeout"`
	RateLimitRPS       float64  `toml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst     int      `toml:"rate_limit_burst" json:"rate_limit_burst"`
	MaxBodyBytes       int64    `toml:"max_body_bytes" json:"max_body_bytes"`
}

// StorageConfig contains the transcript store settings.
type StorageConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
	// Path defaults to transcripts.db in the config directory.
	Path string `toml:"path" json:"path"`
}

// LoggingConfig selects the zap logger level and encoding.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// PromptsConfig points at an optional YAML prompt catalog.
type PromptsConfig struct {
	Path string `toml:"path" json:"path"`
}

// Duration is a time.Duration that reads and writes as a string ("90s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version:  CurrentVersion,
		Provider: ProviderOllama,
		Ollama: OllamaConfig{
			URL:     "http://localhost:11434",
			Model:   "gemma3n:latest",
			Timeout: Duration{120 * time.Second},
		},
		Together: TogetherConfig{
			URL:       "https://api.together.xyz/v1",
			Model:     "google/gemma-3n-E4B-it",
			MaxTokens: 1000,
			Timeout:   Duration{60 * time.Second},
		},
		Chat: ChatConfig{
			HistoryCapacity: 5,
			Persona:         "assistant",
			Markdown:        true,
		},
		Server: ServerConfig{
			Addr:               "127.0.0.1:8787",
			SessionIdleTimeout: Duration{30 * time.Minute},
			RateLimitRPS:       5,
			RateLimitBurst:     10,
			MaxBodyBytes:       20 << 20,
		},
		Storage: StorageConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// =============================================================================
// PROVIDER ACCESSORS
// =============================================================================

// ActiveEndpoint returns the URL of the selected provider.
func (c *Config) ActiveEndpoint() string {
	if c.Provider == ProviderTogether {
		return c.Together.URL
	}
	return c.Ollama.URL
}

// ActiveModel returns the model of the selected provider.
func (c *Config) ActiveModel() string {
	if c.Provider == ProviderTogether {
		return c.Together.Model
	}
	return c.Ollama.Model
}

// ActiveTimeout returns the per-call timeout of the selected provider.
func (c *Config) ActiveTimeout() time.Duration {
	if c.Provider == ProviderTogether {
		return c.Together.Timeout.Duration
	}
	return c.Ollama.Timeout.Duration
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the gemlet configuration directory path.
// GEMLET_HOME overrides the default of ~/.gemlet.
func ConfigDir() (string, error) {
	if dir := os.Getenv("GEMLET_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".gemlet"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// StoragePath returns the transcript database path, resolving the default.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "transcripts.db"), nil
}

// PromptsPath returns the prompt catalog path, resolving the default. The
// file need not exist.
func (c *Config) PromptsPath() (string, error) {
	if c.Prompts.Path != "" {
		return c.Prompts.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "prompts.yaml"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load builds the configuration from defaults, the config file at path (or
// the default TOML/JSON locations when path is empty), a .env file in the
// working directory, and GEMLET_* environment variables, in that order.
func Load(path string) (*Config, error) {
	return load(path, ".env")
}

func load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path == "" {
		found, err := findConfigFile()
		if err != nil {
			return nil, err
		}
		path = found
	}
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if envFile != "" {
		// Existing environment variables win over .env entries.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing default config file, or "".
func findConfigFile() (string, error) {
	for _, pathFn := range []func() (string, error){ConfigPathTOML, ConfigPathJSON} {
		p, err := pathFn()
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// LoadFile decodes the file at path over cfg. Files ending in .json are
// decoded as JSON; everything else as TOML.
func LoadFile(cfg *Config, path string) error {
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		return LoadJSON(cfg, path)
	}
	return LoadTOML(cfg, path)
}

// LoadTOML loads configuration from a TOML file. Keys absent from the file
// keep their current values.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// LoadJSON loads configuration from a JSON file.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file %s: %w", path, err)
	}
	return nil
}

// fillDefaults fills in zero values that a file or override may have
// blanked.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.Provider == "" {
		cfg.Provider = defaults.Provider
	}
	if cfg.Ollama.URL == "" {
		cfg.Ollama.URL = defaults.Ollama.URL
	}
	if cfg.Together.URL == "" {
		cfg.Together.URL = defaults.Together.URL
	}
	if cfg.Together.Model == "" {
		cfg.Together.Model = defaults.Together.Model
	}
	if cfg.Together.MaxTokens == 0 {
		cfg.Together.MaxTokens = defaults.Together.MaxTokens
	}
	if cfg.Together.Timeout.Duration == 0 {
		cfg.Together.Timeout = defaults.Together.Timeout
	}
	if cfg.Ollama.Model == "" {
		cfg.Ollama.Model = defaults.Ollama.Model
	}
	if cfg.Ollama.Timeout.Duration == 0 {
		cfg.Ollama.Timeout = defaults.Ollama.Timeout
	}
	if cfg.Chat.Persona == "" {
		cfg.Chat.Persona = defaults.Chat.Persona
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaults.Server.Addr
	}
	if cfg.Server.SessionIdleTimeout.Duration == 0 {
		cfg.Server.SessionIdleTimeout = defaults.Server.SessionIdleTimeout
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = defaults.Server.MaxBodyBytes
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes the configuration as TOML to path, or to the default location
// when path is empty. The file is written atomically with mode 0600.
func Save(cfg *Config, path string) error {
	if path == "" {
		if _, err := EnsureConfigDir(); err != nil {
			return err
		}
		p, err := ConfigPathTOML()
		if err != nil {
			return err
		}
		path = p
	}

	var buf bytes.Buffer
	buf.WriteString("# gemlet configuration file\n")
	buf.WriteString("# Values here are overridden by GEMLET_* environment variables.\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	switch c.Provider {
	case ProviderOllama, ProviderTogether:
	default:
		add("provider", "must be %s or %s, got %q", ProviderOllama, ProviderTogether, c.Provider)
	}
	if c.Provider == ProviderTogether {
		if u, err := url.Parse(c.Together.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("together.url", "must be an http(s) URL, got %q", c.Together.URL)
		}
		if strings.TrimSpace(c.Together.Model) == "" {
			add("together.model", "must not be empty")
		}
		if c.Together.MaxTokens <= 0 {
			add("together.max_tokens", "must be positive")
		}
		if c.Together.Timeout.Duration <= 0 {
			add("together.timeout", "must be positive")
		}
	}

	if u, err := url.Parse(c.Ollama.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("ollama.url", "must be an http(s) URL, got %q", c.Ollama.URL)
	}
	if strings.TrimSpace(c.Ollama.Model) == "" {
		add("ollama.model", "must not be empty")
	}
	if c.Ollama.Timeout.Duration <= 0 {
		add("ollama.timeout", "must be positive")
	}

	switch {
	case c.Chat.HistoryCapacity <= 0:
		add("chat.history_capacity", "must be positive, got %d", c.Chat.HistoryCapacity)
	case c.Chat.HistoryCapacity > history.MaxCapacity:
		add("chat.history_capacity", "must be at most %d, got %d", history.MaxCapacity, c.Chat.HistoryCapacity)
	}

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		add("server.addr", "must be host:port, got %q", c.Server.Addr)
	}
	if c.Server.SessionIdleTimeout.Duration < time.Minute {
		add("server.session_idle_timeout", "must be at least 1m")
	}
	if c.Server.RateLimitRPS <= 0 {
		add("server.rate_limit_rps", "must be positive")
	}
	if c.Server.RateLimitBurst <= 0 {
		add("server.rate_limit_burst", "must be positive")
	}
	if c.Server.MaxBodyBytes < 1024 {
		add("server.max_body_bytes", "must be at least 1024")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format", "must be json or console, got %q", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - GEMLET_PROVIDER: provider
//   - TOGETHER_API_KEY: together.api_key
//   - GEMLET_TOGETHER_MODEL: together.model
//   - GEMLET_OLLAMA_URL (or OLLAMA_HOST): ollama.url
//   - GEMLET_MODEL: ollama.model
//   - GEMLET_TIMEOUT: ollama.timeout
//   - GEMLET_HISTORY_CAPACITY: chat.history_capacity
//   - GEMLET_PERSONA: chat.persona
//   - GEMLET_SERVER_ADDR: server.addr
//   - GEMLET_STORAGE_ENABLED / GEMLET_STORAGE_PATH: storage
//   - GEMLET_LOG_LEVEL / GEMLET_LOG_FORMAT: logging
//   - GEMLET_PROMPTS: prompts.path
func (c *Config) ApplyEnvOverrides() error {
	var errs ValidateErrors

	if v := os.Getenv("GEMLET_PROVIDER"); v != "" {
		c.Provider = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("TOGETHER_API_KEY"); v != "" {
		c.Together.APIKey = v
	}
	if v := os.Getenv("GEMLET_TOGETHER_MODEL"); v != "" {
		c.Together.Model = v
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.Ollama.URL = normalizeHost(host)
	}
	if u := os.Getenv("GEMLET_OLLAMA_URL"); u != "" {
		c.Ollama.URL = u
	}
	if model := os.Getenv("GEMLET_MODEL"); model != "" {
		c.Ollama.Model = model
	}
	if v := os.Getenv("GEMLET_TIMEOUT"); v != "" {
		if err := c.Ollama.Timeout.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, ValidationError{Field: "GEMLET_TIMEOUT", Message: err.Error()})
		}
	}
	if v := os.Getenv("GEMLET_HISTORY_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: "GEMLET_HISTORY_CAPACITY", Message: "not an integer: " + v})
		} else {
			c.Chat.HistoryCapacity = n
		}
	}
	if v := os.Getenv("GEMLET_PERSONA"); v != "" {
		c.Chat.Persona = v
	}
	if v := os.Getenv("GEMLET_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("GEMLET_STORAGE_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: "GEMLET_STORAGE_ENABLED", Message: "not a boolean: " + v})
		} else {
			c.Storage.Enabled = enabled
		}
	}
	if v := os.Getenv("GEMLET_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("GEMLET_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GEMLET_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("GEMLET_PROMPTS"); v != "" {
		c.Prompts.Path = v
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// normalizeHost turns an OLLAMA_HOST value ("0.0.0.0:11434", "myhost")
// into a URL.
func normalizeHost(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "11434")
	}
	return "http://" + host
}

// =============================================================================
// OUTPUT
// =============================================================================

// Redacted returns a copy of c with secrets replaced, for display.
func (c *Config) Redacted() *Config {
	safe := *c
	if safe.Together.APIKey != "" {
		safe.Together.APIKey = "[REDACTED]"
	}
	return &safe
}

// String returns the configuration as TOML with secrets redacted.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c.Redacted()); err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return buf.String()
}
