package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/user/chatpilot/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change settings in the config file",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every setting with credentials masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := config.ListValues(loadConfig(), true)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		printSettings(cmd.OutOrStdout(), values)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting, e.g. engine.rate_limit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), formatSetting(config.Mask(args[0], val)))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: `Change one setting; lists take JSON, e.g. activation.keys '["KEY"]'`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetValue(cfgPath, key, value); err != nil {
			return err
		}
		stored, err := config.GetValue(cfgPath, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, formatSetting(config.Mask(key, stored)))
		return nil
	},
}

func printSettings(w io.Writer, values map[string]any) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s = %s\n", k, formatSetting(values[k]))
	}
}

// formatSetting prints lists as JSON so they can be pasted back into set.
func formatSetting(v any) string {
	switch v.(type) {
	case []any, []string:
		data, err := json.Marshal(v)
		if err == nil {
			return string(data)
		}
	case nil:
		return "(unset)"
	}
	return fmt.Sprint(v)
}
