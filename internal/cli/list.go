package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/luhtfiimanal/serial-bridge/internal/device"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var listJSON bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List serial devices on this host",
	Long: `List the serial devices this host exposes, with the ids the HTTP API
uses for them. Statically configured devices are included.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry := device.NewRegistry(enumerate, device.Options{Logger: zerolog.Nop()}, cfg.Serial.Devices)
	defer registry.Close()

	infos, err := registry.Enumerate(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}

	out := cmd.OutOrStdout()
	if listJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	if len(infos) == 0 {
		fmt.Fprintln(out, "No serial devices found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATH\tDETAILS")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.ID, info.Path, formatMetadata(info.Metadata))
	}
	return w.Flush()
}

func formatMetadata(md map[string]string) string {
	if len(md) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+md[k])
	}
	return strings.Join(parts, " ")
}
