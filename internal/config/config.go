// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config handles loading, validating and saving bizcopilot settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/bizcopilot/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the root configuration for bizcopilot.
type Config struct {
	// Version of the config file format
	Version string `toml:"version" json:"version"`

	Model     ModelConfig     `toml:"model" json:"model"`
	Storage   StorageConfig   `toml:"storage" json:"storage"`
	Security  SecurityConfig  `toml:"security" json:"security"`
	Assistant AssistantConfig `toml:"assistant" json:"assistant"`
	Server    ServerConfig    `toml:"server" json:"server"`
	Log       LogConfig       `toml:"log" json:"log"`
}

// ModelConfig describes the remote chat-completion endpoint.
type ModelConfig struct {
	// Endpoint is the full chat-completions URL
	Endpoint string `toml:"endpoint" json:"endpoint"`

	// Model is sent as the "model" field of every request
	Model string `toml:"model" json:"model"`

	// APIKey is sent as a bearer token when set
	APIKey string `toml:"api_key" json:"api_key"`

	// Temperature for non-streaming requests
	Temperature float64 `toml:"temperature" json:"temperature"`

	// StreamTemperature for streaming requests
	StreamTemperature float64 `toml:"stream_temperature" json:"stream_temperature"`

	// MaxTokens is the completion token cap sent to the endpoint
	MaxTokens int `toml:"max_tokens" json:"max_tokens"`

	// TimeoutSecs bounds a single request, streaming included
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`

	// MaxRetries applies to non-streaming requests only
	MaxRetries int `toml:"max_retries" json:"max_retries"`

	// RateLimitRPS throttles outgoing requests; 0 disables throttling
	RateLimitRPS float64 `toml:"rate_limit_rps" json:"rate_limit_rps"`
}

// Timeout returns TimeoutSecs as a duration.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSecs) * time.Second
}

// StorageConfig selects the general key/value backend and the vault location.
type StorageConfig struct {
	// Backend is one of file, sqlite, redis, memory
	Backend string `toml:"backend" json:"backend"`

	// Path is the file or sqlite database path
	Path string `toml:"path" json:"path"`

	RedisAddr     string `toml:"redis_addr" json:"redis_addr"`
	RedisPassword string `toml:"redis_password" json:"redis_password"`
	RedisDB       int    `toml:"redis_db" json:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix" json:"redis_prefix"`

	// VaultDir holds the platform-protected secret items. Empty disables the vault.
	VaultDir string `toml:"vault_dir" json:"vault_dir"`

	// SecureMaxSize is the largest value (bytes) routed to the vault
	SecureMaxSize int `toml:"secure_max_size" json:"secure_max_size"`

	// BulkPrefix marks keys that always go to the general store
	BulkPrefix string `toml:"bulk_prefix" json:"bulk_prefix"`
}

// SecurityConfig controls encryption at rest.
type SecurityConfig struct {
	// AllowDegraded permits the unauthenticated XOR cipher when AES-GCM
	// cannot be initialised. The store reports itself as degraded.
	AllowDegraded bool `toml:"allow_degraded" json:"allow_degraded"`

	// PassphraseEnv names an environment variable holding a passphrase.
	// When set and non-empty the master key is derived from it.
	PassphraseEnv string `toml:"passphrase_env" json:"passphrase_env"`
}

// AssistantConfig holds the conversation limits.
type AssistantConfig struct {
	MaxContextTokens   int    `toml:"max_context_tokens" json:"max_context_tokens"`
	MaxHistoryMessages int    `toml:"max_history_messages" json:"max_history_messages"`
	DedupWindowSecs    int    `toml:"dedup_window_secs" json:"dedup_window_secs"`
	MaxAttachmentChars int    `toml:"max_attachment_chars" json:"max_attachment_chars"`
	Language           string `toml:"language" json:"language"`

	// SystemPrompt replaces the built-in base prompt when set
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`
}

// DedupWindow returns DedupWindowSecs as a duration.
func (a AssistantConfig) DedupWindow() time.Duration {
	return time.Duration(a.DedupWindowSecs) * time.Second
}

// ServerConfig configures the local HTTP API.
type ServerConfig struct {
	Addr           string   `toml:"addr" json:"addr"`
	AuthToken      string   `toml:"auth_token" json:"auth_token"`
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
	RateLimitRPS   float64  `toml:"rate_limit_rps" json:"rate_limit_rps"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	File   string `toml:"file" json:"file"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// CurrentVersion is written into new config files.
const CurrentVersion = "1"

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Model: ModelConfig{
			Endpoint:          "http://127.0.0.1:1234/v1/chat/completions",
			Model:             "local-model",
			Temperature:       0.6,
			StreamTemperature: 0.4,
			MaxTokens:         4096,
			TimeoutSecs:       120,
			MaxRetries:        2,
		},
		Storage: StorageConfig{
			Backend:       "file",
			RedisAddr:     "127.0.0.1:6379",
			RedisPrefix:   "bizcopilot:",
			SecureMaxSize: 2048,
			BulkPrefix:    "@",
		},
		Security: SecurityConfig{
			AllowDegraded: true,
		},
		Assistant: AssistantConfig{
			MaxContextTokens:   3500,
			MaxHistoryMessages: 10,
			DedupWindowSecs:    10,
			MaxAttachmentChars: 10000,
			Language:           "en",
		},
		Server: ServerConfig{
			Addr:         "127.0.0.1:8787",
			RateLimitRPS: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the bizcopilot configuration directory path.
// BIZCOPILOT_HOME overrides the default ~/.bizcopilot.
func ConfigDir() (string, error) {
	if dir := os.Getenv("BIZCOPILOT_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".bizcopilot"), nil
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
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions tightens a config file to 0600.
// SECURITY: config files carry the API key.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config directory.
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	if path, err := ConfigPathTOML(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}
	if path, err := ConfigPathJSON(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finish() error {
	c.ApplyEnvOverrides()
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadTOML decodes a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	// allow_degraded defaults to true; only an explicit key turns it off.
	if !meta.IsDefined("security", "allow_degraded") {
		cfg.Security.AllowDegraded = true
	}
	return nil
}

// LoadJSON decodes a JSON file into cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	cfg.Security.AllowDegraded = true
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// SetDefaults fills zero values with defaults and resolves relative paths
// against the config directory.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = d.Version
	}

	if c.Model.Endpoint == "" {
		c.Model.Endpoint = d.Model.Endpoint
	}
	if c.Model.Model == "" {
		c.Model.Model = d.Model.Model
	}
	if c.Model.Temperature == 0 {
		c.Model.Temperature = d.Model.Temperature
	}
	if c.Model.StreamTemperature == 0 {
		c.Model.StreamTemperature = d.Model.StreamTemperature
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = d.Model.MaxTokens
	}
	if c.Model.TimeoutSecs == 0 {
		c.Model.TimeoutSecs = d.Model.TimeoutSecs
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Storage.RedisAddr == "" {
		c.Storage.RedisAddr = d.Storage.RedisAddr
	}
	if c.Storage.RedisPrefix == "" {
		c.Storage.RedisPrefix = d.Storage.RedisPrefix
	}
	if c.Storage.SecureMaxSize == 0 {
		c.Storage.SecureMaxSize = d.Storage.SecureMaxSize
	}
	if c.Storage.BulkPrefix == "" {
		c.Storage.BulkPrefix = d.Storage.BulkPrefix
	}
	if dir, err := ConfigDir(); err == nil {
		if c.Storage.Path == "" {
			switch c.Storage.Backend {
			case "sqlite":
				c.Storage.Path = filepath.Join(dir, "store.db")
			case "file":
				c.Storage.Path = filepath.Join(dir, "store.json")
			}
		}
		if c.Storage.VaultDir == "" {
			c.Storage.VaultDir = filepath.Join(dir, "vault")
		}
	}

	if c.Assistant.MaxContextTokens == 0 {
		c.Assistant.MaxContextTokens = d.Assistant.MaxContextTokens
	}
	if c.Assistant.MaxHistoryMessages == 0 {
		c.Assistant.MaxHistoryMessages = d.Assistant.MaxHistoryMessages
	}
	if c.Assistant.DedupWindowSecs == 0 {
		c.Assistant.DedupWindowSecs = d.Assistant.DedupWindowSecs
	}
	if c.Assistant.MaxAttachmentChars == 0 {
		c.Assistant.MaxAttachmentChars = d.Assistant.MaxAttachmentChars
	}
	if c.Assistant.Language == "" {
		c.Assistant.Language = d.Assistant.Language
	}

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes the configuration as TOML with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# bizcopilot configuration file\n")
	b.WriteString("# Generated by bizcopilot - edit with care\n\n")

	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes the configuration as JSON with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
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
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns ValidateErrors when anything
// is out of range.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if u, err := url.Parse(c.Model.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		add("model.endpoint", "invalid URL '%s'", c.Model.Endpoint)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		add("model.endpoint", "unsupported scheme '%s', must be http or https", u.Scheme)
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		add("model.temperature", "must be between 0 and 2, got %g", c.Model.Temperature)
	}
	if c.Model.StreamTemperature < 0 || c.Model.StreamTemperature > 2 {
		add("model.stream_temperature", "must be between 0 and 2, got %g", c.Model.StreamTemperature)
	}
	if c.Model.MaxTokens < 1 {
		add("model.max_tokens", "must be positive, got %d", c.Model.MaxTokens)
	}
	if c.Model.TimeoutSecs < 1 || c.Model.TimeoutSecs > 3600 {
		add("model.timeout_secs", "must be between 1 and 3600, got %d", c.Model.TimeoutSecs)
	}
	if c.Model.MaxRetries < 0 || c.Model.MaxRetries > 10 {
		add("model.max_retries", "must be between 0 and 10, got %d", c.Model.MaxRetries)
	}
	if c.Model.RateLimitRPS < 0 {
		add("model.rate_limit_rps", "must not be negative")
	}

	switch c.Storage.Backend {
	case "file", "sqlite":
		if c.Storage.Path == "" {
			add("storage.path", "required for backend '%s'", c.Storage.Backend)
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			add("storage.redis_addr", "required for backend 'redis'")
		}
	case "memory":
	default:
		add("storage.backend", "invalid backend '%s', must be one of: file, sqlite, redis, memory", c.Storage.Backend)
	}
	if c.Storage.SecureMaxSize < 0 {
		add("storage.secure_max_size", "must not be negative")
	}

	if c.Assistant.MaxContextTokens < 100 {
		add("assistant.max_context_tokens", "must be at least 100, got %d", c.Assistant.MaxContextTokens)
	}
	if c.Assistant.MaxHistoryMessages < 0 {
		add("assistant.max_history_messages", "must not be negative")
	}
	if c.Assistant.DedupWindowSecs < 0 {
		add("assistant.dedup_window_secs", "must not be negative")
	}
	if c.Assistant.MaxAttachmentChars < 1 {
		add("assistant.max_attachment_chars", "must be positive")
	}
	switch c.Assistant.Language {
	case "en", "ru":
	default:
		add("assistant.language", "unsupported language '%s', must be en or ru", c.Assistant.Language)
	}

	if _, _, err := splitHostPort(c.Server.Addr); err != nil {
		add("server.addr", "%v", err)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level", "invalid level '%s'", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		add("log.format", "invalid format '%s', must be json or console", c.Log.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("missing port in '%s'", addr)
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in '%s'", addr)
	}
	return addr[:i], port, nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - BIZCOPILOT_ENDPOINT: model.endpoint
//   - BIZCOPILOT_MODEL: model.model
//   - BIZCOPILOT_API_KEY: model.api_key
//   - BIZCOPILOT_STORAGE: storage.backend
//   - BIZCOPILOT_STORAGE_PATH: storage.path
//   - BIZCOPILOT_REDIS_ADDR: storage.redis_addr
//   - BIZCOPILOT_ADDR: server.addr
//   - BIZCOPILOT_TOKEN: server.auth_token
//   - BIZCOPILOT_LANG: assistant.language
//   - BIZCOPILOT_LOG_LEVEL: log.level
func (c *Config) ApplyEnvOverrides() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"BIZCOPILOT_ENDPOINT", &c.Model.Endpoint},
		{"BIZCOPILOT_MODEL", &c.Model.Model},
		{"BIZCOPILOT_API_KEY", &c.Model.APIKey},
		{"BIZCOPILOT_STORAGE", &c.Storage.Backend},
		{"BIZCOPILOT_STORAGE_PATH", &c.Storage.Path},
		{"BIZCOPILOT_REDIS_ADDR", &c.Storage.RedisAddr},
		{"BIZCOPILOT_ADDR", &c.Server.Addr},
		{"BIZCOPILOT_TOKEN", &c.Server.AuthToken},
		{"BIZCOPILOT_LANG", &c.Assistant.Language},
		{"BIZCOPILOT_LOG_LEVEL", &c.Log.Level},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g. "model.endpoint").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field's type.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// fieldByTag finds a struct field by its toml tag.
func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if tag := strings.Split(t.Field(i).Tag.Get("toml"), ",")[0]; tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func setFieldValue(field reflect.Value, value interface{}) error {
	if s, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(s)
			return nil
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(n)
			return nil
		case reflect.Float64:
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(f)
			return nil
		case reflect.Bool:
			b := strings.ToLower(s)
			field.SetBool(b == "1" || b == "true" || b == "yes")
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, item := range strings.Split(s, ",") {
					if item = strings.TrimSpace(item); item != "" {
						items = append(items, item)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	if cp.Model.APIKey != "" {
		cp.Model.APIKey = "********"
	}
	if cp.Storage.RedisPassword != "" {
		cp.Storage.RedisPassword = "********"
	}
	if cp.Server.AuthToken != "" {
		cp.Server.AuthToken = "********"
	}
	return &cp
}
