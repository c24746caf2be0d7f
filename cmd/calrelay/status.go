package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/calrelay/internal/config"
)

func newStatusCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config, state DB and per-calendar sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, gf)
		},
	}
}

// runStatus prints the current configuration and replication state. It
// degrades gracefully when the config or database is missing.
func runStatus(cmd *cobra.Command, gf *globalFlags) error {
	out := cmd.OutOrStdout()
	logger := newLogger(gf.verbose)

	fmt.Fprintln(out, "calrelay status")
	fmt.Fprintln(out, "---------------")

	cfg, loadErr := config.Load(gf.configPath)
	switch {
	case loadErr == nil:
		fmt.Fprintf(out, "  Config:    %s\n", gf.configPath)
		fmt.Fprintf(out, "  Source:    %s\n", cfg.Source.Type)
		fmt.Fprintf(out, "  Pairs:     %d\n", len(cfg.Pairs))
		fmt.Fprintf(out, "  Poll:      %s\n", cfg.PollInterval)
		fmt.Fprintf(out, "  Offload:   %s (%s, %s blobs)\n", cfg.Transfer.Offload, cfg.Transfer.Format, cfg.Blob.Backend)
	case fileExists(gf.configPath):
		fmt.Fprintf(out, "  Config:    %s (invalid: %v)\n", gf.configPath, loadErr)
		return nil
	default:
		fmt.Fprintf(out, "  Config:    not found (%s)\n", gf.configPath)
		return nil
	}

	store, dbPath, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintf(out, "  State DB:  %v\n", err)
		return nil
	}
	defer store.Close()
	if info, err := os.Stat(dbPath); err == nil {
		fmt.Fprintf(out, "  State DB:  %s (%s)\n", dbPath, humanSize(info.Size()))
	}

	ctx := cmd.Context()
	states, err := store.ListSyncStates(ctx)
	if err != nil {
		return fmt.Errorf("listing sync states: %w", err)
	}
	lastSync := make(map[string]time.Time, len(states))
	for _, s := range states {
		lastSync[s.SourceCalendarID] = s.UpdatedAt
	}

	fmt.Fprintln(out, "")
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  SOURCE\tSINK\tEVENTS\tLAST SYNC")
	for _, p := range cfg.Pairs {
		n, err := store.CountEvents(ctx, p.Sink)
		if err != nil {
			return fmt.Errorf("counting events of %q: %w", p.Sink, err)
		}
		last := "never"
		if t, ok := lastSync[p.Source]; ok {
			last = t.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%s\n", p.Source, p.Sink, n, last)
	}
	return tw.Flush()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
