package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luhtfiimanal/serial-bridge/internal/simulator"
	"github.com/spf13/cobra"
)

var (
	simLink        string
	simModel       string
	simUnsolicited string
	simInterval    time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a virtual AT modem on a pseudo-terminal",
	Long: `Run a virtual AT modem on a pseudo-terminal until interrupted.

The modem answers AT with OK, AT+CGMM and ATI with its model, and echoes
anything else back as "ECHO <line>". Add the printed path (or --link) to
serial.devices to reach it through the bridge.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simLink, "link", "", "create a symlink to the pty at this path")
	simulateCmd.Flags().StringVar(&simModel, "model", simulator.DefaultModel, "model string reported by AT+CGMM")
	simulateCmd.Flags().StringVar(&simUnsolicited, "unsolicited", "", "line to send periodically without being asked")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 5*time.Second, "period of the unsolicited line")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer log.Close()

	modem, err := simulator.Start(simulator.Options{
		Model:       simModel,
		Link:        simLink,
		Unsolicited: simUnsolicited,
		Interval:    simInterval,
		Logger:      log.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to start simulator: %w", err)
	}
	defer modem.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Virtual modem on %s\n", modem.Path())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}
