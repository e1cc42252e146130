package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plinthcms/plinth/internal/config"
	"github.com/plinthcms/plinth/internal/kernel"
	"github.com/plinthcms/plinth/internal/manifest"
	"github.com/plinthcms/plinth/internal/types"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect, validate and install plugins",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded plugins, or a site's installations with --site",
	RunE: func(cmd *cobra.Command, args []string) error {
		siteRef, _ := cmd.Flags().GetString("site")
		k, report, err := loadKernel(cmd.Context())
		if err != nil {
			return err
		}
		if siteRef != "" {
			return listInstallations(cmd, k, siteRef)
		}

		st := k.Status()
		if len(st.Plugins) == 0 {
			fmt.Printf("%s\n", gray("No plugins found in "+strings.Join(cfg.PluginDirs, ", ")))
		}
		for _, p := range st.Plugins {
			icon := green("●")
			if p.Problem != "" {
				icon = red("✗")
			}
			kind := string(p.Source)
			if p.Theme {
				kind += ", theme"
			}
			fmt.Printf("%s %s %s %s\n", icon, bold(p.ID), p.Version, gray("("+kind+")"))
			if len(p.Requires) > 0 {
				fmt.Printf("    requires: %s\n", strings.Join(p.Requires, ", "))
			}
			if p.Problem != "" {
				fmt.Printf("    %s\n", red(p.Problem))
			}
		}
		for path, problem := range report.Problems {
			if _, ok := k.Manifest(path); !ok {
				fmt.Printf("%s %s\n    %s\n", red("✗"), path, red(problem))
			}
		}
		if len(st.Order) > 0 {
			fmt.Printf("\n%s %s\n", cyan("Activation order:"), strings.Join(st.Order, " → "))
		}
		return nil
	},
}

func listInstallations(cmd *cobra.Command, k *kernel.Kernel, siteRef string) error {
	installs, err := k.Installations(cmd.Context(), siteRef)
	if err != nil {
		return err
	}
	if len(installs) == 0 {
		fmt.Printf("%s\n", gray("No plugins installed on "+siteRef))
		return nil
	}
	for _, inst := range installs {
		state := "disabled"
		if inst.Enabled {
			state = "enabled"
		}
		sc := statusColor(inst.Status)
		fmt.Printf("%s %s %s %s %s\n", sc("●"), bold(inst.PluginID), inst.Version, state, sc(string(inst.Status)))
		granted := make([]string, 0, len(inst.Granted))
		for _, c := range inst.Granted {
			granted = append(granted, string(c))
		}
		fmt.Printf("    granted: %s\n", strings.Join(granted, ", "))
		if inst.LastError != "" {
			fmt.Printf("    %s\n", red(inst.LastError))
		}
	}
	return nil
}

var pluginsValidateCmd = &cobra.Command{
	Use:         "validate <path>...",
	Short:       "Validate plugin manifests (a manifest file or a plugin directory)",
	Args:        cobra.MinimumNArgs(1),
	Annotations: map[string]string{noStore: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		failed := 0
		for _, path := range args {
			if err := validateManifest(path); err != nil {
				failed++
				fmt.Printf("%s %s\n", red("✗"), path)
				for _, line := range strings.Split(err.Error(), "\n") {
					fmt.Printf("    %s\n", line)
				}
				continue
			}
			fmt.Printf("%s %s\n", green("✓"), path)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d manifest(s) invalid", failed, len(args))
		}
		return nil
	},
}

func validateManifest(path string) error {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		file, ok := manifest.FindFile(path)
		if !ok {
			return errors.New("no manifest file in directory")
		}
		path = file
	}
	m, err := manifest.LoadFile(path)
	if err != nil {
		return err
	}
	return m.Validate(config.KernelAPIVersion)
}

var pluginsInstallCmd = &cobra.Command{
	Use:   "install <site> <plugin>",
	Short: "Install a plugin on a site (disabled until enabled)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		grantAll, _ := cmd.Flags().GetBool("grant-all")
		grantFlag, _ := cmd.Flags().GetString("grant")
		enable, _ := cmd.Flags().GetBool("enable")

		k, _, err := loadKernel(cmd.Context())
		if err != nil {
			return err
		}
		grants, err := types.ParseCapabilities(grantFlag)
		if err != nil {
			return err
		}
		if grantAll {
			m, ok := k.Manifest(args[1])
			if !ok {
				return fmt.Errorf("plugin %s is not loaded", args[1])
			}
			grants = m.Capabilities
		}

		inst, err := k.Install(cmd.Context(), args[0], args[1], grants)
		if err != nil {
			return err
		}
		fmt.Printf("%s Installed %s %s on %s\n", green("✓"), bold(inst.PluginID), inst.Version, args[0])
		if enable {
			if err := k.Enable(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s Enabled %s\n", green("✓"), inst.PluginID)
		}
		return nil
	},
}

// installationCmd builds the enable/disable/uninstall commands, which share
// a shape.
func installationCmd(use, short, done string, fn func(k *kernel.Kernel, cmd *cobra.Command, site, plugin string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <site> <plugin>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, _, err := loadKernel(cmd.Context())
			if err != nil {
				return err
			}
			if err := fn(k, cmd, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s %s %s on %s\n", green("✓"), done, bold(args[1]), args[0])
			return nil
		},
	}
}

// capabilityCmd builds grant and revoke.
func capabilityCmd(use, short, done string, fn func(k *kernel.Kernel, cmd *cobra.Command, site, plugin string, caps []types.Capability) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <site> <plugin> <capability,...>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			caps, err := types.ParseCapabilities(args[2])
			if err != nil {
				return err
			}
			if len(caps) == 0 {
				return errors.New("no capabilities given")
			}
			k, _, err := loadKernel(cmd.Context())
			if err != nil {
				return err
			}
			if err := fn(k, cmd, args[0], args[1], caps); err != nil {
				return err
			}
			fmt.Printf("%s %s %s for %s on %s\n", green("✓"), done, args[2], bold(args[1]), args[0])
			return nil
		},
	}
}

func init() {
	pluginsListCmd.Flags().String("site", "", "Show installations of this site instead")
	pluginsInstallCmd.Flags().String("grant", "", "Comma separated capabilities to grant")
	pluginsInstallCmd.Flags().Bool("grant-all", false, "Grant every capability the manifest requests")
	pluginsInstallCmd.Flags().Bool("enable", false, "Enable the plugin after installing")

	pluginsCmd.AddCommand(
		pluginsListCmd,
		pluginsValidateCmd,
		pluginsInstallCmd,
		installationCmd("enable", "Enable an installed plugin", "Enabled",
			func(k *kernel.Kernel, cmd *cobra.Command, site, plugin string) error {
				return k.Enable(cmd.Context(), site, plugin)
			}),
		installationCmd("disable", "Disable an installed plugin", "Disabled",
			func(k *kernel.Kernel, cmd *cobra.Command, site, plugin string) error {
				return k.Disable(cmd.Context(), site, plugin)
			}),
		installationCmd("uninstall", "Remove a plugin and its settings from a site", "Uninstalled",
			func(k *kernel.Kernel, cmd *cobra.Command, site, plugin string) error {
				return k.Uninstall(cmd.Context(), site, plugin)
			}),
		capabilityCmd("grant", "Grant capabilities the manifest requests", "Granted",
			func(k *kernel.Kernel, cmd *cobra.Command, site, plugin string, caps []types.Capability) error {
				return k.Grant(cmd.Context(), site, plugin, caps)
			}),
		capabilityCmd("revoke", "Revoke granted capabilities", "Revoked",
			func(k *kernel.Kernel, cmd *cobra.Command, site, plugin string, caps []types.Capability) error {
				return k.Revoke(cmd.Context(), site, plugin, caps)
			}),
	)
	rootCmd.AddCommand(pluginsCmd)
}
