package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/plugdeck/plugdeck/internal/config"
	"github.com/plugdeck/plugdeck/internal/status"
)

// statusConfig holds configuration for the status command.
type statusConfig struct {
	addr       string
	jsonOutput bool
}

// newStatusCmd creates the status subcommand with all flags configured.
func newStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show plugin status from a running console",
		Long:  `Replay the status ledger of a running console: per-plugin state, alerts, and errors.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.addr, "addr", config.DefaultGatewayAddr, "gateway address of the running console")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")

	return cmd
}

// runStatus executes the status command.
func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + cfg.addr + "/status")
	if err != nil {
		return oops.Code("STATUS_QUERY_FAILED").With("addr", cfg.addr).
			Hint("is the console running?").Wrap(err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only response body

	if resp.StatusCode != http.StatusOK {
		return oops.Code("STATUS_QUERY_FAILED").With("addr", cfg.addr).
			Errorf("unexpected status %d", resp.StatusCode)
	}

	entries := make(map[string][]status.Entry)
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return oops.Code("STATUS_QUERY_FAILED").Wrap(err)
	}

	if cfg.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	plugins := make([]string, 0, len(entries))
	for id := range entries {
		plugins = append(plugins, id)
	}
	sort.Strings(plugins)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PLUGIN\tLABEL\tVALUE\tSEVERITY")
	for _, id := range plugins {
		for _, e := range entries[id] {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, e.Label, e.Value, e.Severity)
		}
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "error writing output: %v\n", err)
	}
	return nil
}
