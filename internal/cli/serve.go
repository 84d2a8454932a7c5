package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/luhtfiimanal/serial-bridge/internal/api"
	"github.com/luhtfiimanal/serial-bridge/internal/config"
	"github.com/luhtfiimanal/serial-bridge/internal/device"
	"github.com/luhtfiimanal/serial-bridge/internal/hotplug"
	"github.com/luhtfiimanal/serial-bridge/internal/metrics"
	"github.com/luhtfiimanal/serial-bridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP bridge",
	Long: `Run the HTTP bridge in the foreground until interrupted.

Routes:
  GET  /api/devices             list devices
  GET  /api/devices/{id}/read   server-sent event stream of device lines
  GET  /api/devices/{id}/ws     websocket stream, text frames are writes
  POST /api/devices/{id}/write  send a newline-delimited command payload
  POST /api/devices/{id}/baud   set the baud rate used on the next open
  POST /api/devices/{id}/close  force-close a device`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer log.Close()

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr(), err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, ln, log.Zerolog())
}

// deviceOptions maps the serial section onto device manager options.
func deviceOptions(cfg *config.Config, opener transport.Opener, m *metrics.Metrics, log zerolog.Logger) device.Options {
	keepalive := cfg.Serial.KeepaliveInterval
	if keepalive == 0 {
		keepalive = -1
	}
	return device.Options{
		Opener:            opener,
		DefaultBaudRate:   cfg.Serial.DefaultBaudRate,
		Delimiter:         cfg.Serial.LineDelimiter(),
		IdleTimeout:       cfg.Serial.IdleTimeout,
		KeepaliveInterval: keepalive,
		OpenTimeout:       cfg.Serial.OpenTimeout,
		MaxSleep:          cfg.Serial.MaxSleep,
		Logger:            log,
		Metrics:           m,
	}
}

// serve runs the bridge on ln until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener, log zerolog.Logger) error {
	opener, err := transport.NewOpener(cfg.Serial.Driver)
	if err != nil {
		ln.Close()
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
	}

	registry := device.NewRegistry(enumerate, deviceOptions(cfg, opener, m, log), cfg.Serial.Devices)
	defer registry.Close()

	server, err := api.NewServer(api.Options{
		Devices:    registry,
		Metrics:    m,
		StaticDir:  cfg.Server.StaticDir,
		SinkBuffer: cfg.Server.SinkBuffer,
		Logger:     log,
	})
	if err != nil {
		ln.Close()
		return err
	}

	schedule, err := cfg.Discovery.ParseSchedule()
	if err != nil {
		ln.Close()
		return fmt.Errorf("invalid rescan schedule: %w", err)
	}
	watchDir := ""
	if cfg.Discovery.Watch {
		watchDir = cfg.Discovery.WatchDir
	}
	watcher := hotplug.New(registry, hotplug.Options{
		Dir:      watchDir,
		Schedule: schedule,
		Logger:   log,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watcher.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("Hotplug watcher failed, devices are rescanned on lookup")
		}
	}()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("driver", cfg.Serial.Driver).
		Bool("metrics", m != nil).
		Msg("serial-bridge ready")

	err = server.Serve(ctx, ln)
	cancel()
	registry.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("serial-bridge stopped")
	return nil
}
