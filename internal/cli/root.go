package cli

import (
	"fmt"
	"io"

	"github.com/luhtfiimanal/serial-bridge/internal/config"
	"github.com/luhtfiimanal/serial-bridge/internal/logger"
	"github.com/luhtfiimanal/serial-bridge/internal/transport"
	"github.com/spf13/cobra"
)

const version = "0.2.0"

var (
	cfgFile  string
	logLevel string

	// enumerate lists the host's serial ports. Replaced in tests.
	enumerate transport.Enumerator = transport.Enumerate
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "serial-bridge",
	Short: "serial-bridge - share serial devices over HTTP",
	Long: `serial-bridge exposes the serial ports of this host over HTTP.
Any number of clients can follow a device's output as a server-sent event
or websocket stream, while writes are serialized so one client's command
sequence is never interleaved with another's. Devices are opened on demand
and closed again once nobody is using them.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. It is called by main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.serial-bridge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the config file named by --config and applies the
// global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, console io.Writer) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: true,
		Pretty:  cfg.Logging.Pretty,
		Output:  console,
	})
}
