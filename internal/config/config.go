// Package config loads process configuration from YAML and the
// environment and validates it against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Environment overrides, applied after the file.
const (
	EnvBackendURL = "KAFFEDIEM_BACKEND_URL"
	EnvSocketURL  = "KAFFEDIEM_SOCKET_URL"
	EnvJournal    = "KAFFEDIEM_JOURNAL"
	EnvLogLevel   = "KAFFEDIEM_LOG_LEVEL"
)

// FallbackSocketURL is used when no usable backend URL is configured.
const FallbackSocketURL = "/socket"

// Config is the runtime configuration.
type Config struct {
	BackendURL        string        `yaml:"backend_url"`
	SocketURL         string        `yaml:"socket_url"`
	JoinTimeout       time.Duration `yaml:"join_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// JournalPath enables the sync journal when set.
	JournalPath string `yaml:"journal_path"`
	LogLevel    string `yaml:"log_level"`
	Metrics     bool   `yaml:"metrics"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		JoinTimeout:       10 * time.Second,
		RequestTimeout:    60 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		LogLevel:          "info",
		MetricsAddr:       ":9464",
	}
}

// LookupEnv reads one environment variable.
type LookupEnv func(key string) (string, bool)

// WithEnvFile layers a dotenv file under env: variables set in env win,
// the file fills in the rest.
func WithEnvFile(path string, env LookupEnv) (LookupEnv, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	if env == nil {
		env = os.LookupEnv
	}
	return func(key string) (string, bool) {
		if v, ok := env(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}, nil
}

// Load reads path (skipped when empty), applies environment overrides,
// derives the socket URL and validates the result. A nil env reads the
// process environment.
func Load(path string, env LookupEnv) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if env == nil {
		env = os.LookupEnv
	}
	cfg.applyEnv(env)
	cfg.Finish()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without environment overrides.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	if err := decode(r, &cfg); err != nil {
		return Config{}, err
	}
	cfg.Finish()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(env LookupEnv) {
	if v, ok := env(EnvBackendURL); ok {
		c.BackendURL = v
	}
	if v, ok := env(EnvSocketURL); ok {
		c.SocketURL = v
	}
	if v, ok := env(EnvJournal); ok {
		c.JournalPath = v
	}
	if v, ok := env(EnvLogLevel); ok {
		c.LogLevel = v
	}
}

// Finish normalizes fields and fills the socket URL from the backend URL
// when none was given.
func (c *Config) Finish() {
	c.BackendURL = strings.TrimSpace(c.BackendURL)
	c.SocketURL = strings.TrimSpace(c.SocketURL)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.SocketURL == "" {
		c.SocketURL = DeriveSocketURL(c.BackendURL)
	}
}

// DeriveSocketURL maps a backend URL to its socket endpoint: https becomes
// wss, any other scheme ws, and "/socket" is appended to the path. Empty
// or unparsable input yields FallbackSocketURL.
func DeriveSocketURL(backend string) string {
	if backend == "" {
		return FallbackSocketURL
	}
	u, err := url.Parse(backend)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return FallbackSocketURL
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket"
	u.RawPath = ""
	return u.String()
}

// Live reports whether the socket URL can be dialed. A relative fallback
// cannot, and the process then runs without change events.
func (c Config) Live() bool {
	return strings.HasPrefix(c.SocketURL, "ws://") || strings.HasPrefix(c.SocketURL, "wss://")
}

// Level returns the slog level for LogLevel.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks c against the embedded schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	v := schema.Unify(ctx.Encode(c.fields()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// fields is the schema's view of c.
func (c Config) fields() map[string]any {
	return map[string]any{
		"backend_url":        c.BackendURL,
		"socket_url":         c.SocketURL,
		"join_timeout":       int64(c.JoinTimeout),
		"request_timeout":    int64(c.RequestTimeout),
		"heartbeat_interval": int64(c.HeartbeatInterval),
		"journal_path":       c.JournalPath,
		"log_level":          c.LogLevel,
		"metrics":            c.Metrics,
		"metrics_addr":       c.MetricsAddr,
	}
}

// ValidationError wraps a schema violation.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid config: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// YAML renders c as the file format Load reads.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
