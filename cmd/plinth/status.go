package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plinthcms/plinth/internal/control"
)

var statusCmd = &cobra.Command{
	Use:         "status",
	Short:       "Show the state of a running 'plinth serve'",
	Long:        `Query the control socket of a running server for loaded plugins, resolution problems, active sites, registered hooks and scheduled jobs.`,
	Annotations: map[string]string{noStore: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := control.NewClient(cfg.ControlSocket).Status()
		if err != nil {
			return fmt.Errorf("is 'plinth serve' running? %w", err)
		}

		fmt.Printf("\n%s\n\n", cyan("=== Plinth Status ==="))

		fmt.Printf("%s\n", yellow("Plugins:"))
		if len(st.Plugins) == 0 {
			fmt.Printf("  %s\n", gray("none loaded"))
		}
		for _, p := range st.Plugins {
			if p.Problem != "" {
				fmt.Printf("  %s %s %s %s\n", red("✗"), p.ID, p.Version, red(p.Problem))
				continue
			}
			fmt.Printf("  %s %s %s %s\n", green("●"), p.ID, p.Version, gray(string(p.Source)))
		}
		if len(st.Order) > 0 {
			fmt.Printf("  order: %s\n", strings.Join(st.Order, " → "))
		}

		fmt.Printf("\n%s\n", yellow("Active sites:"))
		if len(st.ActiveSites) == 0 {
			fmt.Printf("  %s\n", gray("none"))
		}
		siteIDs := make([]string, 0, len(st.ActiveSites))
		for id := range st.ActiveSites {
			siteIDs = append(siteIDs, id)
		}
		sort.Strings(siteIDs)
		for _, id := range siteIDs {
			fmt.Printf("  %s %s: %s\n", green("●"), id, strings.Join(st.ActiveSites[id], ", "))
		}

		fmt.Printf("\n%s %d hook(s), %d scheduled job(s)\n\n", yellow("Registry:"), len(st.Hooks), st.Jobs)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
