package handlers

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRunCmd creates the run command for a one-shot pipeline cycle.
func NewRunCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one full collection and ranking cycle",
		Long: `Collect from every enabled, healthy source, run the trend
pipeline over the batch, and persist the results.

Examples:
  # One cycle, respecting per-source rate limits
  trendlens run

  # Bypass rate limits
  trendlens run --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, closeServices, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer closeServices()

			run, err := s.orch.RunCycle(ctx, force)
			if err != nil {
				return err
			}

			fmt.Printf("Run %s: %s\n", run.ID, run.Status)
			fmt.Printf("  items collected: %d\n", run.ItemsIn)
			fmt.Printf("  items kept:      %d\n", run.ItemsOut)
			fmt.Printf("  topics:          %d\n", run.TopicCount)
			fmt.Printf("  trends:          %d\n", run.TrendCount)
			for _, e := range run.Errors {
				fmt.Printf("  error: %s\n", e)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "bypass per-source rate limits")

	return cmd
}

// NewSweepCmd creates the sweep command for retention cleanup.
func NewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete items past the cold retention age",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, closeServices, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer closeServices()

			deleted, err := s.orch.SweepRetention(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d items past retention\n", deleted)
			return nil
		},
	}
}
