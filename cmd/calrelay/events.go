package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/njoerd114/calrelay/internal/config"
	"github.com/njoerd114/calrelay/internal/model"
)

func newEventsCmd(gf *globalFlags) *cobra.Command {
	var (
		calendars []string
		from, to  string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List replicated events overlapping a date range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now()
			start, err := parseDate(from, now)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			end := start.AddDate(0, 0, 7)
			if to != "" {
				if end, err = parseDate(to, now); err != nil {
					return fmt.Errorf("--to: %w", err)
				}
			}
			if end.Before(start) {
				return fmt.Errorf("--to %s is before --from %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
			}

			cfg, err := config.Load(gf.configPath)
			if err != nil {
				return fmt.Errorf("loading config from %q: %w", gf.configPath, err)
			}
			if len(calendars) == 0 {
				for _, p := range cfg.Pairs {
					calendars = append(calendars, p.Sink)
				}
			}

			store, _, err := openStore(cfg, newLogger(gf.verbose))
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.GetEventsByDateRangeMulti(cmd.Context(), calendars, start, end)
			if err != nil {
				return err
			}
			return printEvents(cmd, events)
		},
	}
	cmd.Flags().StringArrayVarP(&calendars, "calendar", "c", nil, "sink calendar to list (repeatable, default: all configured)")
	cmd.Flags().StringVar(&from, "from", "", "start date (YYYY-MM-DD, RFC 3339 or 'today'; default today)")
	cmd.Flags().StringVar(&to, "to", "", "end date (default: seven days after --from)")
	return cmd
}

// parseDate accepts "", "today", "tomorrow", a date or an RFC 3339 timestamp.
// Dates are midnight in the local zone.
func parseDate(s string, now time.Time) (time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "today":
		return today, nil
	case "tomorrow":
		return today.AddDate(0, 0, 1), nil
	case "yesterday":
		return today.AddDate(0, 0, -1), nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, now.Location()); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised date %q", s)
	}
	return t, nil
}

func printEvents(cmd *cobra.Command, events []model.Event) error {
	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "no events")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "START\tEND\tCALENDAR\tSTATUS\tTITLE")
	for _, e := range events {
		layout := "2006-01-02 15:04"
		if e.AllDay {
			layout = time.DateOnly
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Start.Local().Format(layout),
			e.End.Local().Format(layout),
			e.CalendarID,
			e.Status,
			e.Title,
		)
	}
	return tw.Flush()
}
