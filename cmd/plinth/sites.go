package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plinthcms/plinth/internal/auth"
	"github.com/plinthcms/plinth/internal/control"
	"github.com/plinthcms/plinth/internal/types"
)

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Manage sites",
}

var sitesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sites",
	RunE: func(cmd *cobra.Command, args []string) error {
		sites, err := store.ListSites(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list sites: %w", err)
		}
		if len(sites) == 0 {
			fmt.Printf("%s\n", gray("No sites"))
			return nil
		}
		for _, s := range sites {
			theme := s.Theme
			if theme == "" {
				theme = "-"
			}
			fmt.Printf("%s  %s  %s  theme=%s\n", bold(s.Slug), gray(s.ID), s.Name, theme)
		}
		return nil
	},
}

var sitesCreateCmd = &cobra.Command{
	Use:   "create <slug>",
	Short: "Create a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = args[0]
		}
		site := &types.Site{Slug: args[0], Name: name}
		if err := store.CreateSite(cmd.Context(), site); err != nil {
			return fmt.Errorf("failed to create site: %w", err)
		}
		fmt.Printf("%s Created site %s (%s)\n", green("✓"), bold(site.Slug), site.ID)
		return nil
	},
}

var sitesDeleteCmd = &cobra.Command{
	Use:   "delete <site>",
	Short: "Delete a site with its installations and settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _, err := loadKernel(cmd.Context())
		if err != nil {
			return err
		}
		site, err := k.Site(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := store.DeleteSite(cmd.Context(), site.ID); err != nil {
			return fmt.Errorf("failed to delete site: %w", err)
		}
		fmt.Printf("%s Deleted site %s\n", green("✓"), site.Slug)
		return nil
	},
}

var sitesThemeCmd = &cobra.Command{
	Use:   "theme <site> <plugin>",
	Short: "Set the active theme of a site",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _, err := loadKernel(cmd.Context())
		if err != nil {
			return err
		}
		if err := k.SetTheme(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s Theme of %s set to %s\n", green("✓"), args[0], args[1])
		return nil
	},
}

var sitesUserCmd = &cobra.Command{
	Use:   "user <site> <username>",
	Short: "Create or update a user of the built-in password provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		roles, _ := cmd.Flags().GetStringSlice("role")

		k, _, err := loadKernel(cmd.Context())
		if err != nil {
			return err
		}
		site, err := k.Site(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := auth.SetPassword(cmd.Context(), store, site.ID, args[1], password, roles, cfg.Auth.BcryptCost); err != nil {
			return err
		}
		fmt.Printf("%s User %s saved on %s", green("✓"), args[1], site.Slug)
		if len(roles) > 0 {
			fmt.Printf(" %s", gray("roles="+strings.Join(roles, ",")))
		}
		fmt.Println()
		return nil
	},
}

var sitesActivateCmd = &cobra.Command{
	Use:         "activate <site>",
	Short:       "Activate a site's plugins in a running 'plinth serve'",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{noStore: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := control.NewClient(cfg.ControlSocket).Activate(args[0])
		if err != nil {
			return err
		}
		printSiteReport(report)
		return nil
	},
}

var sitesDeactivateCmd = &cobra.Command{
	Use:         "deactivate <site>",
	Short:       "Deactivate a site's plugins in a running 'plinth serve'",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{noStore: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := control.NewClient(cfg.ControlSocket).Deactivate(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Deactivated %s\n", green("✓"), args[0])
		return nil
	},
}

func init() {
	sitesCreateCmd.Flags().String("name", "", "Display name (defaults to the slug)")
	sitesUserCmd.Flags().String("password", "", "Password, at least 8 characters")
	sitesUserCmd.Flags().StringSlice("role", nil, "Role to grant (repeatable)")
	_ = sitesUserCmd.MarkFlagRequired("password")

	sitesCmd.AddCommand(sitesListCmd, sitesCreateCmd, sitesDeleteCmd, sitesThemeCmd, sitesUserCmd,
		sitesActivateCmd, sitesDeactivateCmd)
	rootCmd.AddCommand(sitesCmd)
}
