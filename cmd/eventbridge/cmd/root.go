// Package cmd implements the eventbridge command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "eventbridge",
	Short: "Event ingestion and fan-out bridge",
	Long: `eventbridge accepts application events over HTTP, appends them to an
ordered event log, evaluates subscription rules against each event, and
delivers matches to webhook targets and realtime stream consumers.`,
	Version: "0.1.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: $EVENTBRIDGE_CONFIG_DIR/config.yaml)")
}
