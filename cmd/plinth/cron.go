package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plinthcms/plinth/internal/control"
	"github.com/plinthcms/plinth/internal/cron"
	"github.com/plinthcms/plinth/internal/events"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Run scheduled plugin jobs",
}

var cronRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every due job once",
	Long: `Run one cron pass. By default the kernel is loaded in this process, every
site is activated so plugins can schedule their jobs, and due jobs run under
the shared "cron" lease. With --remote the pass runs inside a live
'plinth serve' through its control socket instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetBool("remote")

		var (
			result *cron.TickResult
			err    error
		)
		if remote {
			result, err = control.NewClient(cfg.ControlSocket).Cron()
		} else {
			result, err = runCronLocal(cmd.Context())
		}
		if err != nil {
			return err
		}
		printTickResult(result)
		return nil
	},
}

func runCronLocal(ctx context.Context) (*cron.TickResult, error) {
	k, _, err := loadKernel(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := k.ActivateAll(ctx); err != nil {
		return nil, err
	}
	defer k.Shutdown(context.WithoutCancel(ctx))

	if cfg.Retention.CleanupEnabled {
		if err := k.Jobs().Add(cron.RetentionJob(store, cfg.Retention, k, logger)); err != nil {
			return nil, err
		}
	}
	return cron.NewRunner(store, k.Jobs(), cfg.Cron, k, logger).Tick(ctx)
}

func printTickResult(r *cron.TickResult) {
	if !r.Leased {
		fmt.Printf("%s Another runner holds the cron lease; nothing ran\n", yellow("⚠"))
		return
	}
	if len(r.Ran) == 0 && len(r.Failed) == 0 {
		fmt.Printf("%s No jobs were due\n", gray("○"))
		return
	}
	for _, job := range r.Ran {
		fmt.Printf("%s %s\n", green("✓"), job)
	}
	for _, job := range r.Failed {
		fmt.Printf("%s %s\n", red("✗"), job)
	}
	fmt.Printf("\n%d ran, %d failed\n", len(r.Ran), len(r.Failed))
	if len(r.Failed) > 0 {
		fmt.Printf("%s\n", gray("Details: plinth events tail --type "+string(events.EventTypeCronFailed)))
	}
}

func init() {
	cronRunCmd.Flags().Bool("remote", false, "Run the pass in a running 'plinth serve' via the control socket")
	cronCmd.AddCommand(cronRunCmd)
	rootCmd.AddCommand(cronCmd)
}
