package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/plinthcms/plinth/internal/control"
	"github.com/plinthcms/plinth/internal/cron"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, storage and plugins for problems",
	Long: `Run health checks to diagnose common plinth problems.

This command checks:
- Storage accessibility
- Plugin directories
- Plugin manifests, dependency resolution and API compatibility
- Installations left in the errored state
- Auth signing secret
- Control socket and cron lock

Exit codes:
  0 - All checks passed
  1 - One or more checks failed (but not critical)
  2 - Critical failures that prevent plinth from running`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		ctx := cmd.Context()

		var failures, warnings, critical []string
		check := func(name string) { fmt.Printf("%s %s\n", cyan("→"), name) }
		ok := func(msg string) { fmt.Printf("  %s %s\n", green("✓"), msg) }
		warn := func(msg string) {
			warnings = append(warnings, msg)
			fmt.Printf("  %s %s\n", yellow("⚠"), msg)
		}
		fail := func(msg string) {
			failures = append(failures, msg)
			fmt.Printf("  %s %s\n", red("✗"), msg)
		}

		fmt.Printf("Running plinth health checks...\n\n")
		if verbose {
			fmt.Printf("%s\n\n", gray(cfg.String()))
		}

		check("Storage")
		sites, err := store.ListSites(ctx)
		if err != nil {
			critical = append(critical, fmt.Sprintf("storage unreachable: %v", err))
			fmt.Printf("  %s storage unreachable: %v\n", red("✗"), err)
		} else {
			ok(fmt.Sprintf("%s storage reachable, %d site(s)", cfg.Driver, len(sites)))
		}

		check("Plugin directories")
		for _, dir := range cfg.PluginDirs {
			info, err := os.Stat(dir)
			switch {
			case os.IsNotExist(err):
				warn(dir + " does not exist")
			case err != nil:
				fail(fmt.Sprintf("%s: %v", dir, err))
			case !info.IsDir():
				fail(dir + " is not a directory")
			default:
				ok(dir)
			}
		}

		check("Plugins")
		k, report, err := loadKernel(ctx)
		if err != nil {
			critical = append(critical, err.Error())
			fmt.Printf("  %s %v\n", red("✗"), err)
		} else {
			ok(fmt.Sprintf("%d plugin(s) loaded", len(report.Loaded)))
			for id, problem := range report.Problems {
				fail(id + ": " + problem)
			}
			for _, p := range k.Status().Plugins {
				if p.Problem != "" {
					if _, reported := report.Problems[p.ID]; !reported {
						fail(p.ID + ": " + p.Problem)
					}
				}
			}

			check("Installations")
			errored := 0
			for _, site := range sites {
				installs, err := store.ListInstallations(ctx, site.ID)
				if err != nil {
					fail(fmt.Sprintf("%s: %v", site.Slug, err))
					continue
				}
				for _, inst := range installs {
					if inst.LastError != "" {
						errored++
						warn(fmt.Sprintf("%s/%s: %s", site.Slug, inst.PluginID, inst.LastError))
					}
					if _, loaded := k.Manifest(inst.PluginID); !loaded && inst.Enabled {
						fail(fmt.Sprintf("%s/%s is enabled but not loaded", site.Slug, inst.PluginID))
					}
				}
			}
			if errored == 0 {
				ok("no errored installations")
			}
		}

		check("Auth")
		if cfg.Auth.Secret == "" {
			warn("PLINTH_AUTH_SECRET is not set; sessions will not survive a restart")
		} else {
			ok("signing secret configured")
		}

		check("Runtime")
		if st, err := control.NewClient(cfg.ControlSocket).Status(); err == nil {
			ok(fmt.Sprintf("server running, %d active site(s)", len(st.ActiveSites)))
		} else {
			fmt.Printf("  %s no server on %s\n", gray("○"), cfg.ControlSocket)
		}
		lockPath := filepath.Join(cfg.Cron.LockDir, cron.LockFileName)
		if data, err := os.ReadFile(lockPath); err == nil {
			var lock cron.PIDLock
			if json.Unmarshal(data, &lock) == nil {
				ok(fmt.Sprintf("cron lock held by pid %d on %s", lock.PID, lock.Hostname))
			} else {
				warn("unreadable cron lock at " + lockPath)
			}
		}

		fmt.Println()
		switch {
		case len(critical) > 0:
			fmt.Printf("%s %d critical failure(s)\n", red("✗"), len(critical))
			for _, c := range critical {
				fmt.Printf("  - %s\n", c)
			}
			os.Exit(2)
		case len(failures) > 0:
			fmt.Printf("%s %d failure(s), %d warning(s)\n", red("✗"), len(failures), len(warnings))
			os.Exit(1)
		case len(warnings) > 0:
			fmt.Printf("%s All checks passed with %d warning(s)\n", yellow("⚠"), len(warnings))
		default:
			fmt.Printf("%s All checks passed\n", green("✓"))
		}
	},
}

func init() {
	doctorCmd.Flags().BoolP("verbose", "v", false, "Show configuration details")
	rootCmd.AddCommand(doctorCmd)
}
