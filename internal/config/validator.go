package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // config key, e.g. "serial.idle_timeout"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Validate checks every section and returns all failures.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateSerial()...)
	errs = append(errs, c.validateDiscovery()...)
	errs = append(errs, c.validateLogging()...)
	return errs
}

func (c *Config) validateServer() []ValidationError {
	var errs []ValidationError
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{"server.port", c.Server.Port, "must be between 0 and 65535"})
	}
	if c.Server.SinkBuffer < 1 {
		errs = append(errs, ValidationError{"server.sink_buffer", c.Server.SinkBuffer, "must be at least 1"})
	}
	return errs
}

func (c *Config) validateSerial() []ValidationError {
	var errs []ValidationError
	s := c.Serial
	switch s.Driver {
	case "linux", "portable":
	default:
		errs = append(errs, ValidationError{"serial.driver", s.Driver, "must be linux or portable"})
	}
	if s.DefaultBaudRate <= 0 {
		errs = append(errs, ValidationError{"serial.default_baud_rate", s.DefaultBaudRate, "must be positive"})
	}
	if s.LineDelimiter() == "" {
		errs = append(errs, ValidationError{"serial.delimiter", s.Delimiter, "must not be empty"})
	}
	if s.IdleTimeout <= 0 {
		errs = append(errs, ValidationError{"serial.idle_timeout", s.IdleTimeout, "must be positive"})
	}
	if s.OpenTimeout <= 0 {
		errs = append(errs, ValidationError{"serial.open_timeout", s.OpenTimeout, "must be positive"})
	}
	if s.MaxSleep <= 0 {
		errs = append(errs, ValidationError{"serial.max_sleep", s.MaxSleep, "must be positive"})
	}
	if s.KeepaliveInterval < 0 {
		errs = append(errs, ValidationError{"serial.keepalive_interval", s.KeepaliveInterval, "must not be negative"})
	}
	for _, d := range s.Devices {
		if strings.TrimSpace(d) == "" {
			errs = append(errs, ValidationError{"serial.devices", d, "paths must not be empty"})
		}
	}
	return errs
}

func (c *Config) validateDiscovery() []ValidationError {
	var errs []ValidationError
	if c.Discovery.Watch && c.Discovery.WatchDir == "" {
		errs = append(errs, ValidationError{"discovery.watch_dir", c.Discovery.WatchDir, "required when watch is enabled"})
	}
	if _, err := c.Discovery.ParseSchedule(); err != nil {
		errs = append(errs, ValidationError{"discovery.rescan_schedule", c.Discovery.RescanSchedule, err.Error()})
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return []ValidationError{{"logging.level", c.Logging.Level, "must be trace, debug, info, warn or error"}}
	}
	return nil
}
