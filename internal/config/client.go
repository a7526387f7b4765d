package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
)

// Quality tiers accepted by the chat endpoint.
const (
	QualityFast     = "fast"
	QualityBalanced = "balanced"
	QualityThorough = "thorough"
)

// QualityTiers lists the tiers in ascending cost.
var QualityTiers = []string{QualityFast, QualityBalanced, QualityThorough}

// ValidQuality reports whether tier is a known quality tier.
func ValidQuality(tier string) bool {
	return slices.Contains(QualityTiers, tier)
}

// Duration is a time.Duration written as a string such as "5s" in TOML.
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// ClientConfig holds the workspace client settings. Token and Quality are
// the persisted client state; the rest are tunables.
type ClientConfig struct {
	API     APIConfig     `toml:"api"`
	Chat    ChatConfig    `toml:"chat"`
	Log     LogConfig     `toml:"log"`
	Tracing TracingConfig `toml:"tracing"`
}

type APIConfig struct {
	BaseURL string   `toml:"base_url"`
	Token   string   `toml:"token"`
	Timeout Duration `toml:"timeout"`
}

type ChatConfig struct {
	Quality       string   `toml:"quality"`
	Module        string   `toml:"module"`
	HistoryWindow int      `toml:"history_window"`
	PollInterval  Duration `toml:"poll_interval"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// File receives log output; empty means stderr.
	File string `toml:"file"`
}

type TracingConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// DefaultClientPath returns the client config file location.
func DefaultClientPath() string {
	if p := os.Getenv("WORKSPACE_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "workspace.toml")
	}
	return filepath.Join(dir, "rag-workspace", "config.toml")
}

func defaultClientConfig() *ClientConfig {
	return &ClientConfig{
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: Duration{30 * time.Second},
		},
		Chat: ChatConfig{
			Quality:       QualityBalanced,
			HistoryWindow: 10,
			PollInterval:  Duration{5 * time.Second},
		},
		Log: LogConfig{Level: "warn"},
		Tracing: TracingConfig{
			Endpoint: "localhost:4318",
		},
	}
}

// LoadClient reads the client config file at path, if it exists, then
// applies environment overrides. An unknown quality tier falls back to the
// default.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := defaultClientConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config file failed: %w", err)
		}
	}

	overrideClientByEnv(cfg)
	if !ValidQuality(cfg.Chat.Quality) {
		cfg.Chat.Quality = QualityBalanced
	}
	if cfg.Chat.HistoryWindow <= 0 {
		cfg.Chat.HistoryWindow = 10
	}
	return cfg, nil
}

// SaveClient writes cfg to path, creating the directory if needed.
func SaveClient(path string, cfg *ClientConfig) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encode config failed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir failed: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config failed: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config failed: %w", err)
	}
	return nil
}

func overrideClientByEnv(cfg *ClientConfig) {
	cfg.API.BaseURL = getEnv("WORKSPACE_API_URL", cfg.API.BaseURL)
	cfg.API.Token = getEnv("WORKSPACE_TOKEN", cfg.API.Token)
	cfg.API.Timeout.Duration = getDurationEnv("WORKSPACE_HTTP_TIMEOUT", cfg.API.Timeout.Duration)

	cfg.Chat.Quality = getEnv("WORKSPACE_QUALITY", cfg.Chat.Quality)
	cfg.Chat.Module = getEnv("WORKSPACE_MODULE", cfg.Chat.Module)
	cfg.Chat.HistoryWindow = getIntEnv("WORKSPACE_HISTORY_WINDOW", cfg.Chat.HistoryWindow)
	cfg.Chat.PollInterval.Duration = getDurationEnv("WORKSPACE_POLL_INTERVAL", cfg.Chat.PollInterval.Duration)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("WORKSPACE_LOG_FILE", cfg.Log.File)

	cfg.Tracing.Enabled = getBoolEnv("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("TRACING_ENDPOINT", cfg.Tracing.Endpoint)
}
