// Package config loads the daemon configuration from a YAML or TOML file
// layered over compiled-in defaults and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseywhytock/extension-wrangler/internal/toggle"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvBridgeURL   = "WRANGLER_BRIDGE_URL"
	EnvBridgeToken = "WRANGLER_BRIDGE_TOKEN"
	EnvDBPath      = "WRANGLER_DB_PATH"
	EnvAPIPort     = "WRANGLER_API_PORT"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a string such as "100ms".
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalText parses a time.ParseDuration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration in time.Duration.String form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML parses a scalar duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", node.Line)
	}
	if err := d.UnmarshalText([]byte(node.Value)); err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	return nil
}

// BridgeConfig locates the host bridge.
type BridgeConfig struct {
	URL   string `yaml:"url" toml:"url"`
	Token string `yaml:"token" toml:"token"`
}

// StorageConfig locates the database.
type StorageConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Port int `yaml:"port" toml:"port"`
}

// ToggleConfig tunes the toggle engine.
type ToggleConfig struct {
	BatchSize   int      `yaml:"batch_size" toml:"batch_size"`
	BatchDelay  Duration `yaml:"batch_delay" toml:"batch_delay"`
	MaxRetries  int      `yaml:"max_retries" toml:"max_retries"`
	BackoffStep Duration `yaml:"backoff_step" toml:"backoff_step"`
}

// GuardianConfig tunes the always-on guardian.
type GuardianConfig struct {
	ReassertDelay Duration `yaml:"reassert_delay" toml:"reassert_delay"`
}

// JournalConfig sizes the failure journal.
type JournalConfig struct {
	Capacity int `yaml:"capacity" toml:"capacity"`
}

// DiagnosticsConfig tunes toggle probes.
type DiagnosticsConfig struct {
	ProbePause Duration `yaml:"probe_pause" toml:"probe_pause"`
}

// Config is the full daemon configuration.
type Config struct {
	Bridge      BridgeConfig      `yaml:"bridge" toml:"bridge"`
	Storage     StorageConfig     `yaml:"storage" toml:"storage"`
	API         APIConfig         `yaml:"api" toml:"api"`
	Toggle      ToggleConfig      `yaml:"toggle" toml:"toggle"`
	Guardian    GuardianConfig    `yaml:"guardian" toml:"guardian"`
	Journal     JournalConfig     `yaml:"journal" toml:"journal"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics" toml:"diagnostics"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	engine := toggle.DefaultConfig()
	return &Config{
		Bridge:  BridgeConfig{URL: "ws://localhost:8765/websocket"},
		Storage: StorageConfig{Path: "wrangler.db"},
		API:     APIConfig{Port: 8089},
		Toggle: ToggleConfig{
			BatchSize:   engine.BatchSize,
			BatchDelay:  Duration(engine.BatchDelay),
			MaxRetries:  engine.MaxRetries,
			BackoffStep: Duration(engine.BackoffStep),
		},
		Guardian:    GuardianConfig{ReassertDelay: Duration(100 * time.Millisecond)},
		Journal:     JournalConfig{Capacity: 50},
		Diagnostics: DiagnosticsConfig{ProbePause: Duration(100 * time.Millisecond)},
	}
}

// Engine returns the toggle engine settings.
func (c *Config) Engine() toggle.Config {
	return toggle.Config{
		BatchSize:   c.Toggle.BatchSize,
		BatchDelay:  c.Toggle.BatchDelay.D(),
		MaxRetries:  c.Toggle.MaxRetries,
		BackoffStep: c.Toggle.BackoffStep.D(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file. The format follows
// the file extension: .yaml, .yml or .toml.
func Load(path string, logger *zap.Logger) (*Config, error) {
	cfg := Default()

	if path != "" {
		logger.Debug("Loading configuration file", zap.String("path", path))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		zap.String("path", path),
		zap.String("bridge_url", cfg.Bridge.URL),
		zap.String("storage_path", cfg.Storage.Path),
		zap.Int("api_port", cfg.API.Port))
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// ApplyEnv overrides settings from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBridgeURL); ok && v != "" {
		c.Bridge.URL = v
	}
	if v, ok := lookup(EnvBridgeToken); ok && v != "" {
		c.Bridge.Token = v
	}
	if v, ok := lookup(EnvDBPath); ok && v != "" {
		c.Storage.Path = v
	}
	if v, ok := lookup(EnvAPIPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a port", ErrInvalid, EnvAPIPort, v)
		}
		c.API.Port = port
	}
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Storage.Path != "", "storage.path is empty")
	check(c.API.Port > 0 && c.API.Port < 65536, "api.port %d out of range", c.API.Port)
	check(c.Toggle.BatchSize >= 1, "toggle.batch_size must be at least 1, got %d", c.Toggle.BatchSize)
	check(c.Toggle.MaxRetries >= 1, "toggle.max_retries must be at least 1, got %d", c.Toggle.MaxRetries)
	check(c.Toggle.BatchDelay >= 0, "toggle.batch_delay is negative")
	check(c.Toggle.BackoffStep >= 0, "toggle.backoff_step is negative")
	check(c.Guardian.ReassertDelay >= 0, "guardian.reassert_delay is negative")
	check(c.Journal.Capacity >= 1, "journal.capacity must be at least 1, got %d", c.Journal.Capacity)
	check(c.Diagnostics.ProbePause >= 0, "diagnostics.probe_pause is negative")
	return err
}
