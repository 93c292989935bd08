package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the connections",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", path, data)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <connection> <key=value>...",
	Short: "Change a connection, creating it when missing",
	Long:  `Keys are driver (memory, sqlite, http), dsn, url and collection.`,
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Set(args[0], args[1:]...); err != nil {
			return err
		}
		return cfg.Save(path)
	},
}

var useCmd = &cobra.Command{
	Use:   "use <connection>",
	Short: "Select the connection used by default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.SetUse(args[0]); err != nil {
			return err
		}
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Using %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd, useCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
