package handlers

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCollectCmd creates the collect command for running one source.
func NewCollectCmd() *cobra.Command {
	var (
		force  bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "collect <source>",
		Short: "Collect from one source immediately",
		Long: `Run a single collector outside its schedule and feed the
result through the pipeline.

Examples:
  # Collect and ingest
  trendlens collect hn-front

  # Show what a source returns without persisting anything
  trendlens collect hn-front --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

			s, closeServices, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer closeServices()

			items, err := s.registry.Run(ctx, name, force)
			if err != nil {
				return err
			}
			fmt.Printf("Collected %d items from %s\n", len(items), name)

			if dryRun {
				for _, item := range items {
					fmt.Printf("  [%s] %s\n", item.Source, item.Title)
				}
				return nil
			}

			run, err := s.orch.IngestBatch(ctx, name, items)
			if err != nil {
				return err
			}
			fmt.Printf("Run %s: %d kept, %d topics, %d trends\n", run.ID, run.ItemsOut, run.TopicCount, run.TrendCount)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "bypass the source's rate limit")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print collected items without ingesting")

	return cmd
}
