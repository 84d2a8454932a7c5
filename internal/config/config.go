package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the complete serial-bridge configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Serial    SerialConfig    `mapstructure:"serial" yaml:"serial"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	StaticDir string `mapstructure:"static_dir" yaml:"static_dir"`
	// SinkBuffer is how many events a streaming client may fall behind
	// before it is dropped.
	SinkBuffer int `mapstructure:"sink_buffer" yaml:"sink_buffer"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SerialConfig controls device access.
type SerialConfig struct {
	Driver            string        `mapstructure:"driver" yaml:"driver"`
	DefaultBaudRate   int           `mapstructure:"default_baud_rate" yaml:"default_baud_rate"`
	Delimiter         string        `mapstructure:"delimiter" yaml:"delimiter"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
	OpenTimeout       time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	MaxSleep          time.Duration `mapstructure:"max_sleep" yaml:"max_sleep"`
	Devices           []string      `mapstructure:"devices" yaml:"devices"`
}

// LineDelimiter resolves the delimiter setting. The names crlf, lf and cr
// are accepted besides literal strings.
func (s SerialConfig) LineDelimiter() string {
	switch s.Delimiter {
	case "crlf", "CRLF":
		return "\r\n"
	case "lf", "LF":
		return "\n"
	case "cr", "CR":
		return "\r"
	default:
		return s.Delimiter
	}
}

// DiscoveryConfig controls hotplug detection.
type DiscoveryConfig struct {
	Watch          bool   `mapstructure:"watch" yaml:"watch"`
	WatchDir       string `mapstructure:"watch_dir" yaml:"watch_dir"`
	RescanSchedule string `mapstructure:"rescan_schedule" yaml:"rescan_schedule"`
}

// LoggingConfig controls the logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	File   string `mapstructure:"file" yaml:"file"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       8080,
			SinkBuffer: 256,
		},
		Serial: SerialConfig{
			Driver:            "linux",
			DefaultBaudRate:   115200,
			Delimiter:         "crlf",
			IdleTimeout:       5 * time.Second,
			KeepaliveInterval: 15 * time.Second,
			OpenTimeout:       10 * time.Second,
			MaxSleep:          10 * time.Second,
			Devices:           []string{},
		},
		Discovery: DiscoveryConfig{
			Watch:          true,
			WatchDir:       "/dev",
			RescanSchedule: "@every 30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// DefaultPath returns $HOME/.serial-bridge/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".serial-bridge", "config.yaml")
	}
	return filepath.Join(home, ".serial-bridge", "config.yaml")
}

// YAML renders the configuration as a config file.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseSchedule parses discovery.rescan_schedule. An empty schedule
// disables periodic rescans and returns nil.
func (d DiscoveryConfig) ParseSchedule() (cron.Schedule, error) {
	if d.RescanSchedule == "" {
		return nil, nil
	}
	return cron.ParseStandard(d.RescanSchedule)
}
