package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skyfleet/droneprov/internal/config"
	"github.com/skyfleet/droneprov/internal/log"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "droneprov",
	Short: "Provision the drone telemetry stack",
	Long: `droneprov brings a drone telemetry stack into a consistent target
configuration: container runtime, broker topic, columnar store schema,
telemetry devices with pre-shared tokens, and dashboards. Every step is
idempotent, re-running the workflow is the recommended recovery after a
partial failure.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")
}

// initRun parses the config and initializes the logger, shared by every
// subcommand's PreRunE.
func initRun() error {
	conf, err := config.Parse(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", cfgFile, err)
	}

	err = log.Init(conf.Logs)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	return nil
}
