package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/plinthcms/plinth/internal/analytics"
	"github.com/plinthcms/plinth/internal/auth"
	"github.com/plinthcms/plinth/internal/control"
	"github.com/plinthcms/plinth/internal/cron"
	"github.com/plinthcms/plinth/internal/server"
	"github.com/plinthcms/plinth/internal/theme"
	"github.com/plinthcms/plinth/internal/watch"
	"github.com/plinthcms/plinth/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel with its HTTP surface and background workers",
	Long: `Load plugins, activate every site and run until interrupted:

- HTTP API (analytics, login, slot rendering, host-triggered actions)
- webhook delivery worker
- cron runner (unless PLINTH_CRON_ENABLED=false)
- plugin directory watcher (with --watch or PLINTH_WATCH_PLUGINS=true)
- control socket used by 'plinth status', 'plinth reload' and 'plinth cron run --remote'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			cfg.ListenAddr = addr
		}
		if w, _ := cmd.Flags().GetBool("watch"); w {
			cfg.WatchPlugins = true
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides PLINTH_LISTEN_ADDR)")
	serveCmd.Flags().Bool("watch", false, "Reload plugins when files in the plugin directories change")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	k, report, err := loadKernel(ctx)
	if err != nil {
		return err
	}
	printLoadReport(report)

	authSvc, err := auth.NewService(cfg.Auth, store, k.Auth(), k.Hooks(), k, logger)
	if err != nil {
		return err
	}
	renderer, err := theme.NewRenderer(k.Themes(), k.Hooks(), store, logger)
	if err != nil {
		return err
	}
	ingestor := analytics.NewIngestor(store, k.Hooks(), k, logger)
	dispatcher := webhook.NewDispatcher(store, k.Hooks(), k, cfg.Webhook,
		&http.Client{Timeout: cfg.Webhook.Timeout}, logger)
	dispatcher.Subscribe()

	if cfg.Retention.CleanupEnabled {
		if err := k.Jobs().Add(cron.RetentionJob(store, cfg.Retention, k, logger)); err != nil {
			return err
		}
	}
	runner := cron.NewRunner(store, k.Jobs(), cfg.Cron, k, logger)

	reports, err := k.ActivateAll(ctx)
	if err != nil {
		return err
	}
	for _, r := range reports {
		printSiteReport(r)
	}
	defer k.Shutdown(context.WithoutCancel(ctx))

	ctl, err := control.NewServer(cfg.ControlSocket, control.NewHandler(k, runner), logger)
	if err != nil {
		return err
	}
	if err := ctl.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := ctl.Stop(); err != nil {
			logger.Warn("failed to stop control server", zap.Error(err))
		}
	}()

	httpSrv := server.New(server.Deps{
		Sites:     k,
		Actions:   k,
		Analytics: ingestor,
		Auth:      authSvc,
		Themes:    renderer,
	}, logger)

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s plinth serving on http://%s (control %s)\n", green("✓"), cfg.ListenAddr, cfg.ControlSocket)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.ListenAndServe(gctx, cfg.ListenAddr) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	if cfg.Cron.Enabled {
		g.Go(func() error { return runner.Start(gctx) })
	}
	if cfg.WatchPlugins {
		w, err := watch.New(cfg.PluginDirs, k, 0, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	err = g.Wait()
	fmt.Printf("%s plinth stopped\n", color.New(color.FgHiBlack).Sprint("○"))
	return err
}
