package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses yaml values like "300ms" or "5s"; a bare integer is
// taken as nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration '%s'", raw)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value")
	}
	*d = Duration(n)
	return nil
}

type Config struct {
	Timeflow TimeflowConfig `yaml:"timeflow"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Index    IndexConfig    `yaml:"index"`
	Session  SessionConfig  `yaml:"session"`
	Export   ExportConfig   `yaml:"export"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type TimeflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type IngestConfig struct {
	// WindowLines is the number of body lines processed per ingestion
	// window before control yields back to the scheduler.
	WindowLines int `yaml:"window_lines"`
	// EventBuffer sizes the ingestion event channel.
	EventBuffer int `yaml:"event_buffer"`
	// ProgressLogsPerSecond rate-limits progress log entries. Progress
	// events themselves are never dropped.
	ProgressLogsPerSecond float64 `yaml:"progress_logs_per_second"`
}

type IndexConfig struct {
	// NearestStrategy selects the nearest-neighbor scan: "linear" or "binary".
	NearestStrategy string `yaml:"nearest_strategy"`
}

type SessionConfig struct {
	// AutoSelectChannels is how many leading channels are activated after a
	// successful ingestion when none are active yet.
	AutoSelectChannels int `yaml:"auto_select_channels"`
	// DebounceWindow coalesces dataset-changed signals before the plot
	// series set is re-derived.
	DebounceWindow Duration `yaml:"debounce_window"`
}

type ExportConfig struct {
	Format      string `yaml:"format"`
	Compression string `yaml:"compression"`
}

type BridgeConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Address         string   `yaml:"address"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ClientBuffer    int      `yaml:"client_buffer"`
	ReadBufferBytes int      `yaml:"read_buffer_bytes"`
}

type LoggingConfig struct {
	Level  string                 `yaml:"level"`
	Format string                 `yaml:"format"`
	Output string                 `yaml:"output"`
	MaxAge int                    `yaml:"max_age"`
	Fields map[string]interface{} `yaml:"fields"`
}

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
)

// AppEnvironment reads the application environment from APP_ENV and defaults
// to development when no value is provided.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	return env
}

func defaults() Config {
	return Config{
		Ingest: IngestConfig{
			WindowLines:           5000,
			EventBuffer:           16,
			ProgressLogsPerSecond: 4,
		},
		Index: IndexConfig{
			NearestStrategy: "linear",
		},
		Session: SessionConfig{
			AutoSelectChannels: 2,
			DebounceWindow:     Duration(300 * time.Millisecond),
		},
		Export: ExportConfig{
			Format:      "csv",
			Compression: "snappy",
		},
		Bridge: BridgeConfig{
			Address:         ":8089",
			WriteTimeout:    Duration(5 * time.Second),
			ClientBuffer:    32,
			ReadBufferBytes: 4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override bridge address from environment if available
	if v := os.Getenv("BRIDGE_ADDRESS"); v != "" {
		config.Bridge.Address = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Timeflow.Name == "" {
		return fmt.Errorf("timeflow.name is required")
	}

	if cfg.Timeflow.Version == "" {
		return fmt.Errorf("timeflow.version is required")
	}

	if cfg.Ingest.WindowLines <= 0 {
		return fmt.Errorf("ingest.window_lines must be greater than 0")
	}

	if cfg.Ingest.EventBuffer <= 0 {
		return fmt.Errorf("ingest.event_buffer must be greater than 0")
	}

	switch cfg.Index.NearestStrategy {
	case "linear", "binary":
	default:
		return fmt.Errorf("index.nearest_strategy '%s' is invalid", cfg.Index.NearestStrategy)
	}

	if cfg.Session.AutoSelectChannels < 0 {
		return fmt.Errorf("session.auto_select_channels must not be negative")
	}

	if cfg.Session.DebounceWindow <= 0 {
		return fmt.Errorf("session.debounce_window must be greater than 0")
	}

	switch cfg.Export.Format {
	case "csv", "parquet":
	default:
		return fmt.Errorf("export.format '%s' is invalid", cfg.Export.Format)
	}

	if cfg.Bridge.Enabled && cfg.Bridge.Address == "" {
		return fmt.Errorf("bridge.address is required when the bridge is enabled")
	}

	return nil
}
