package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plinthcms/plinth/internal/storage"
	"github.com/plinthcms/plinth/internal/types"
)

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Manage webhook subscriptions and inspect deliveries",
}

var webhooksAddCmd = &cobra.Command{
	Use:   "add <site> <url>",
	Short: "Subscribe a URL to kernel events",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventPatterns, _ := cmd.Flags().GetStringSlice("event")
		secret, _ := cmd.Flags().GetString("secret")

		site, err := findSite(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		generated := secret == ""
		if generated {
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("failed to generate secret: %w", err)
			}
			secret = hex.EncodeToString(buf)
		}

		sub := &types.WebhookSubscription{
			SiteID: site.ID,
			URL:    args[1],
			Secret: secret,
			Events: eventPatterns,
			Active: true,
		}
		if err := store.CreateSubscription(cmd.Context(), sub); err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		fmt.Printf("%s Subscription %s → %s (%s)\n", green("✓"), bold(sub.ID), sub.URL, strings.Join(sub.Events, ", "))
		if generated {
			fmt.Printf("  secret: %s %s\n", secret, gray("(shown once)"))
		}
		return nil
	},
}

var webhooksListCmd = &cobra.Command{
	Use:   "list <site>",
	Short: "List a site's subscriptions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		site, err := findSite(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		subs, err := store.ListSubscriptions(cmd.Context(), site.ID)
		if err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if len(subs) == 0 {
			fmt.Printf("%s\n", gray("No subscriptions"))
			return nil
		}
		for _, sub := range subs {
			icon := green("●")
			if !sub.Active {
				icon = gray("○")
			}
			fmt.Printf("%s %s %s\n    events: %s\n", icon, bold(sub.ID), sub.URL, strings.Join(sub.Events, ", "))
		}
		return nil
	},
}

var webhooksRemoveCmd = &cobra.Command{
	Use:   "remove <subscription-id>",
	Short: "Delete a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.DeleteSubscription(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		fmt.Printf("%s Removed subscription %s\n", green("✓"), args[0])
		return nil
	},
}

var webhooksDeliveriesCmd = &cobra.Command{
	Use:   "deliveries <subscription-id>",
	Short: "Show recent deliveries of a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		deliveries, err := store.ListDeliveries(cmd.Context(), args[0], limit)
		if err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}
		if len(deliveries) == 0 {
			fmt.Printf("%s\n", gray("No deliveries"))
			return nil
		}
		for _, d := range deliveries {
			var icon string
			switch d.State {
			case types.DeliverySucceeded:
				icon = green("✓")
			case types.DeliveryDead:
				icon = red("✗")
			case types.DeliveryFailed:
				icon = yellow("↻")
			default:
				icon = gray("…")
			}
			fmt.Printf("%s [%s] %s %s attempt=%d", icon, d.CreatedAt.Format("2006-01-02 15:04:05"), d.EventType, d.State, d.Attempt)
			if d.StatusCode != 0 {
				fmt.Printf(" status=%d", d.StatusCode)
			}
			fmt.Println()
			if d.Error != "" {
				fmt.Printf("    %s\n", red(truncate(d.Error, 100)))
			}
			if d.State == types.DeliveryFailed {
				fmt.Printf("    next attempt %s\n", d.NextAttemptAt.Format("15:04:05"))
			}
		}
		return nil
	},
}

// findSite resolves a site by id or slug straight from storage.
func findSite(ctx context.Context, ref string) (*types.Site, error) {
	site, err := store.GetSite(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		site, err = store.GetSiteBySlug(ctx, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", ref, err)
	}
	return site, nil
}

func init() {
	webhooksAddCmd.Flags().StringSlice("event", []string{"*"}, "Event pattern: \"*\", an exact type or a prefix like \"plugin.*\" (repeatable)")
	webhooksAddCmd.Flags().String("secret", "", "Signing secret, at least 16 characters (generated when empty)")
	webhooksDeliveriesCmd.Flags().IntP("limit", "n", 20, "Number of deliveries to show")

	webhooksCmd.AddCommand(webhooksAddCmd, webhooksListCmd, webhooksRemoveCmd, webhooksDeliveriesCmd)
	rootCmd.AddCommand(webhooksCmd)
}
