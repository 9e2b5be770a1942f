package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/eventbridge-systems/eventbridge/internal/seeder"
)

var (
	seedURL      string
	seedCount    int
	seedInterval time.Duration
	seedSeed     int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Publish synthetic events to a running bridge",
	Long: `seed generates fake events (task, user, and order lifecycle types
with randomized payloads) and publishes them through the HTTP API. Useful
for exercising subscriptions and stream consumers during development.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := seeder.New(seeder.Config{
			BaseURL:  seedURL,
			Count:    seedCount,
			Interval: seedInterval,
			Seed:     seedSeed,
		})

		published, err := s.Run(cmd.Context())
		if err != nil {
			return fmt.Errorf("published %d events before failing: %w", published, err)
		}

		fmt.Printf("Published %d events to %s\n", published, seedURL)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedURL, "url", "http://localhost:8090", "bridge base URL")
	seedCmd.Flags().IntVar(&seedCount, "count", 100, "number of events to publish")
	seedCmd.Flags().DurationVar(&seedInterval, "interval", 0, "pause between events")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed (0 = time-based)")
	rootCmd.AddCommand(seedCmd)
}
