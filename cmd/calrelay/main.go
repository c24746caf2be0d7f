// calrelay replicates calendar events from Google Calendar or a CalDAV server
// into a local SQLite store, incrementally and idempotently.
//
// Usage:
//
//	calrelay sync-once [--full] [--pair src=sink]  # one pass per pair then exit
//	calrelay daemon [--full]                       # poll continuously
//	calrelay status                                # config, database and cursors
//	calrelay events --calendar <id> [--from --to]  # query replicated events
//	calrelay auth google                           # authorise the Google source
//	calrelay version                               # print version
//
// Every command accepts --config <path> and --verbose.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/njoerd114/calrelay/internal/config"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var gf globalFlags
	defaultCfg, _ := config.DefaultPath()

	root := &cobra.Command{
		Use:   "calrelay",
		Short: "Replicate calendar events into a local SQLite store",
		Long: `calrelay pulls events from Google Calendar or a CalDAV server and keeps a
durable local replica in SQLite. Each pass fetches only what changed since the
stored cursor; large change-sets travel through blob storage.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&gf.configPath, "config", defaultCfg, "path to config.yaml")
	root.PersistentFlags().BoolVarP(&gf.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newSyncOnceCmd(&gf),
		newDaemonCmd(&gf),
		newStatusCmd(&gf),
		newEventsCmd(&gf),
		newAuthCmd(&gf),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "calrelay", version)
			},
		},
	)
	return root
}
