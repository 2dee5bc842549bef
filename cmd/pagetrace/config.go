package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace/config"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/render"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect trace configuration",
	Long: `Trace configuration management.

Subcommands:
  check <file>   Validate a configuration file
  show           Print the effective configuration as YAML`,
}

var configCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: ok (renderer %s, %d tabs)\n", args[0], cfg.Type, len(cfg.Tabs))
		for i, tab := range cfg.Tabs {
			fmt.Fprintf(out, "  %d. %-12s %s\n", i+1, tab.Title, tab.Key)
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var renderersCmd = &cobra.Command{
	Use:   "renderers",
	Short: "List the available renderers",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range render.Names() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

func init() {
	configCmd.AddCommand(configCheckCmd)
	configCmd.AddCommand(configShowCmd)
}

// loadConfig returns the file named by --config, or the defaults.
func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
