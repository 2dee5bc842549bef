package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "pagetrace",
	Short: "Request trace tooling",
	Long: `pagetrace - inspect and exercise request traces from the command line.

Commands:
  pagetrace run -- <cmd> [args]   Trace a command and print its console trace
  pagetrace config check <file>   Validate a trace configuration file
  pagetrace config show           Print the effective configuration
  pagetrace renderers             List the available renderers`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "trace configuration file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(renderersCmd)
}

func newLogger() logr.Logger {
	zapConfig := zap.NewDevelopmentConfig()
	if !verbose {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	zapLog, err := zapConfig.Build()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zapLog)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
