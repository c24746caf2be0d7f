package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	syncp "github.com/njoerd114/calrelay/internal/sync"
)

func newSyncOnceCmd(gf *globalFlags) *cobra.Command {
	var (
		full  bool
		pairs []string
	)
	cmd := &cobra.Command{
		Use:   "sync-once",
		Short: "Run a single sync pass for every pair then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			override, err := parsePairs(pairs)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a, err := newApp(ctx, gf, override)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info("running single sync pass", "full", full)
			stats, err := a.engine.RunOnce(ctx, full)
			a.log.Info("sync complete",
				"passes", stats.Passes,
				"created", stats.Created,
				"updated", stats.Updated,
				"deleted", stats.Deleted,
				"unchanged", stats.Unchanged,
				"errors", stats.Errors,
			)
			return err
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "ignore stored cursors and fetch the full source state")
	cmd.Flags().StringArrayVar(&pairs, "pair", nil, "sync only this pair, as source=sink (repeatable)")
	return cmd
}

func newDaemonCmd(gf *globalFlags) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Poll the source and sync every pair until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a, err := newApp(ctx, gf, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			a.log.Info("daemon starting", "poll_interval", a.cfg.PollInterval)
			if err := a.engine.Run(ctx, full); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("sync engine: %w", err)
			}
			a.log.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "run the first pass as a full sync")
	return cmd
}

// parsePairs turns "src=sink" (or "src", meaning src=src) into pairs. A
// source may appear once, since its cursor is shared by every pass.
func parsePairs(values []string) ([]syncp.Pair, error) {
	var out []syncp.Pair
	seen := make(map[string]bool, len(values))
	for _, p := range values {
		src, sink, found := strings.Cut(p, "=")
		src, sink = strings.TrimSpace(src), strings.TrimSpace(sink)
		if !found {
			sink = src
		}
		if src == "" || sink == "" {
			return nil, fmt.Errorf("invalid --pair %q: want source=sink", p)
		}
		if seen[src] {
			return nil, fmt.Errorf("invalid --pair %q: source %q is already paired", p, src)
		}
		seen[src] = true
		out = append(out, syncp.Pair{Source: src, Sink: sink})
	}
	return out, nil
}
