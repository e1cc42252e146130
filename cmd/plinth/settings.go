package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and write plugin settings (plugin \"core\" holds site-wide settings)",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <site> <plugin> <key>",
	Short: "Print a setting, falling back to the manifest default",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _, err := loadKernel(cmd.Context())
		if err != nil {
			return err
		}
		value, err := k.GetSetting(cmd.Context(), args[0], args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Println(string(value))
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <site> <plugin> <key> <value>",
	Short: "Write a setting; value is JSON, or a plain string when it does not parse",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _, err := loadKernel(cmd.Context())
		if err != nil {
			return err
		}
		if err := k.SetSetting(cmd.Context(), args[0], args[1], args[2], settingValue(args[3])); err != nil {
			return err
		}
		fmt.Printf("%s %s.%s = %s\n", green("✓"), args[1], args[2], settingValue(args[3]))
		return nil
	},
}

var settingsListCmd = &cobra.Command{
	Use:   "list <site> <plugin>",
	Short: "List a plugin's settings including defaults",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _, err := loadKernel(cmd.Context())
		if err != nil {
			return err
		}
		values, err := k.Settings(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		if len(values) == 0 {
			fmt.Printf("%s\n", gray("No settings"))
			return nil
		}
		keys := make([]string, 0, len(values))
		for key := range values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("%s = %s\n", cyan(key), string(values[key]))
		}
		return nil
	},
}

// settingValue turns a CLI argument into a JSON value.
func settingValue(arg string) json.RawMessage {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	quoted, _ := json.Marshal(arg)
	return quoted
}

func init() {
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd, settingsListCmd)
	rootCmd.AddCommand(settingsCmd)
}
