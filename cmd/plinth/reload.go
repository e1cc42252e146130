package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plinthcms/plinth/internal/control"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload plugins in a running 'plinth serve'",
	Long: `Ask a running server to re-read its plugin directories. Active sites are
deactivated, manifests and scripts are reloaded and resolved again, and the
sites are reactivated.`,
	Annotations: map[string]string{noStore: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := control.NewClient(cfg.ControlSocket).Reload()
		if err != nil {
			return fmt.Errorf("is 'plinth serve' running? %w", err)
		}
		printLoadReport(report)
		if len(report.Problems) > 0 {
			return fmt.Errorf("%d plugin(s) failed to load", len(report.Problems))
		}
		fmt.Printf("%s Reloaded\n", green("✓"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reloadCmd)
}
