// ABOUTME: Configuration loading and parsing for coven-chat and the fake assistant
// ABOUTME: Supports YAML or TOML files, .env loading, environment variable expansion and durations

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat indicates a config file extension that is neither YAML nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config represents the complete coven-chat configuration
type Config struct {
	Assistant     AssistantConfig     `yaml:"assistant" toml:"assistant"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Context       ContextConfig       `yaml:"context" toml:"context"`
	Notifications NotificationsConfig `yaml:"notifications" toml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Server        ServerConfig        `yaml:"server" toml:"server"`
}

// AssistantConfig locates the assistant stream endpoint
type AssistantConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Path    string `yaml:"path" toml:"path"`

	// Timeout bounds a whole exchange including the stream. Zero means none.
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
	// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo).
	Driver string `yaml:"driver" toml:"driver"`

	// PersistTimeout bounds writes made after a reply has streamed.
	PersistTimeout    time.Duration `yaml:"-" toml:"-"`
	PersistTimeoutRaw string        `yaml:"persist_timeout" toml:"persist_timeout"`
}

// AuthConfig says where the access token comes from
type AuthConfig struct {
	TokenEnv  string `yaml:"token_env" toml:"token_env"`
	TokenFile string `yaml:"token_file" toml:"token_file"`
	// JWTSecret verifies tokens locally when set; the fake assistant requires it to authenticate.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// ContextConfig is the conversation context selected at startup
type ContextConfig struct {
	Type string `yaml:"type" toml:"type"`
	ID   string `yaml:"id" toml:"id"`
}

// NotificationsConfig controls user-visible failure notifications
type NotificationsConfig struct {
	DedupeWindow    time.Duration `yaml:"-" toml:"-"`
	DedupeWindowRaw string        `yaml:"dedupe_window" toml:"dedupe_window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ServerConfig holds the fake assistant's listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Assistant: AssistantConfig{
			BaseURL: "http://localhost:8080",
			Path:    "/v1/chat/stream",
		},
		Database: DatabaseConfig{
			Path:           filepath.Join(dataDir(), "coven", "chat.db"),
			Driver:         "sqlite",
			PersistTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			TokenEnv:  "COVEN_TOKEN",
			TokenFile: filepath.Join(configDir(), "coven", "token"),
		},
		Context: ContextConfig{
			Type: "global",
		},
		Notifications: NotificationsConfig{
			DedupeWindow: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
		},
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8080",
		},
	}
}

// Path returns the config file location: $COVEN_CHAT_CONFIG, else
// $XDG_CONFIG_HOME/coven/chat.yaml.
func Path() string {
	if p := os.Getenv("COVEN_CHAT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(configDir(), "coven", "chat.yaml")
}

// Load reads a configuration file from the given path on top of Default.
// A .env file beside the config is loaded first (existing variables win),
// then ${VAR_NAME} references are expanded. The format follows the
// extension: .yaml/.yml or .toml.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads path into the environment if it exists.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Assistant.BaseURL == "" {
		return fmt.Errorf("assistant.base_url is required")
	}
	u, err := url.Parse(c.Assistant.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("assistant.base_url %q must be an http(s) URL", c.Assistant.BaseURL)
	}
	if c.Assistant.Timeout < 0 {
		return fmt.Errorf("assistant.timeout must not be negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver %q must be sqlite or sqlite3", c.Database.Driver)
	}
	if c.Database.PersistTimeout < 0 {
		return fmt.Errorf("database.persist_timeout must not be negative")
	}

	if c.Auth.TokenEnv == "" && c.Auth.TokenFile == "" {
		return fmt.Errorf("auth.token_env or auth.token_file is required")
	}

	if c.Context.Type == "" && c.Context.ID != "" {
		return fmt.Errorf("context.type is required when context.id is set")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"assistant.timeout", cfg.Assistant.TimeoutRaw, &cfg.Assistant.Timeout},
		{"database.persist_timeout", cfg.Database.PersistTimeoutRaw, &cfg.Database.PersistTimeout},
		{"notifications.dedupe_window", cfg.Notifications.DedupeWindowRaw, &cfg.Notifications.DedupeWindow},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config")
}

func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share")
}
