package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// SERIAL_BRIDGE_SERVER_PORT=9000.
const EnvPrefix = "SERIAL_BRIDGE"

// Loader handles configuration loading
type Loader struct {
	configPath string
	explicit   bool
}

// NewLoader creates a loader for configPath. An empty path means
// DefaultPath.
func NewLoader(configPath string) *Loader {
	explicit := configPath != ""
	if !explicit {
		configPath = DefaultPath()
	}
	return &Loader{configPath: configPath, explicit: explicit}
}

// Path returns the file the loader reads.
func (l *Loader) Path() string {
	return l.configPath
}

// Load reads defaults, the config file if it exists, and environment
// overrides, then validates the result.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(l.configPath); err == nil {
		v.SetConfigFile(l.configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return cfg, nil
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.static_dir", d.Server.StaticDir)
	v.SetDefault("server.sink_buffer", d.Server.SinkBuffer)

	v.SetDefault("serial.driver", d.Serial.Driver)
	v.SetDefault("serial.default_baud_rate", d.Serial.DefaultBaudRate)
	v.SetDefault("serial.delimiter", d.Serial.Delimiter)
	v.SetDefault("serial.idle_timeout", d.Serial.IdleTimeout)
	v.SetDefault("serial.keepalive_interval", d.Serial.KeepaliveInterval)
	v.SetDefault("serial.open_timeout", d.Serial.OpenTimeout)
	v.SetDefault("serial.max_sleep", d.Serial.MaxSleep)
	v.SetDefault("serial.devices", d.Serial.Devices)

	v.SetDefault("discovery.watch", d.Discovery.Watch)
	v.SetDefault("discovery.watch_dir", d.Discovery.WatchDir)
	v.SetDefault("discovery.rescan_schedule", d.Discovery.RescanSchedule)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.pretty", d.Logging.Pretty)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
}
