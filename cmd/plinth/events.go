package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plinthcms/plinth/internal/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect the kernel event log",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent kernel events and optionally follow new ones",
	Long: `Display recent events from the kernel event log: plugin lifecycle,
hook failures, settings changes, webhook deliveries, cron runs, logins and
plugin-emitted events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		limit, _ := cmd.Flags().GetInt("limit")
		siteRef, _ := cmd.Flags().GetString("site")
		pluginID, _ := cmd.Flags().GetString("plugin")
		eventType, _ := cmd.Flags().GetString("type")
		severity, _ := cmd.Flags().GetString("severity")

		filter := events.EventFilter{
			PluginID: pluginID,
			Type:     events.EventType(eventType),
			Severity: events.EventSeverity(severity),
			Limit:    limit,
		}
		if severity != "" && !filter.Severity.IsValid() {
			return fmt.Errorf("invalid severity %q", severity)
		}
		if siteRef != "" {
			site, err := findSite(cmd.Context(), siteRef)
			if err != nil {
				return err
			}
			filter.SiteID = site.ID
		}

		if !follow {
			_, err := tailOnce(cmd.Context(), filter, nil)
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return tailFollow(ctx, filter)
	},
}

// tailOnce prints events matching filter oldest first, skipping ids in
// seen, and returns the newest timestamp printed.
func tailOnce(ctx context.Context, filter events.EventFilter, seen map[string]bool) (time.Time, error) {
	list, err := store.ListEvents(ctx, filter)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to fetch events: %w", err)
	}
	if len(list) == 0 && seen == nil {
		fmt.Printf("\n%s No events found\n\n", yellow("✨"))
		return time.Time{}, nil
	}
	var newest time.Time
	for i := len(list) - 1; i >= 0; i-- {
		e := list[i]
		if seen != nil {
			if seen[e.ID] {
				continue
			}
			seen[e.ID] = true
		}
		displayEvent(e)
		if e.Timestamp.After(newest) {
			newest = e.Timestamp
		}
	}
	return newest, nil
}

func tailFollow(ctx context.Context, filter events.EventFilter) error {
	fmt.Printf("\n%s Following live events (Ctrl+C to stop)...\n\n", cyan("→"))

	seen := make(map[string]bool)
	last, err := tailOnce(ctx, filter, seen)
	if err != nil {
		return err
	}
	if last.IsZero() {
		last = time.Now()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\n%s Stopped following\n", gray("○"))
			return nil
		case <-ticker.C:
		}
		// Timestamps are stored at millisecond precision; step back one so
		// events sharing the last timestamp are not lost.
		f := filter
		f.After = last.Add(-time.Millisecond)
		f.Limit = 0
		newest, err := tailOnce(ctx, f, seen)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		if newest.After(last) {
			last = newest
		}
	}
}

func init() {
	eventsTailCmd.Flags().BoolP("follow", "f", false, "Follow mode - poll for new events (Ctrl+C to stop)")
	eventsTailCmd.Flags().IntP("limit", "n", 20, "Number of recent events to show initially")
	eventsTailCmd.Flags().String("site", "", "Filter by site id or slug")
	eventsTailCmd.Flags().String("plugin", "", "Filter by plugin id")
	eventsTailCmd.Flags().String("type", "", "Filter by event type")
	eventsTailCmd.Flags().String("severity", "", "Filter by severity (info, warning, error, critical)")

	eventsCmd.AddCommand(eventsTailCmd)
	rootCmd.AddCommand(eventsCmd)
}
