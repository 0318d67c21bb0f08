package handlers

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCacheCmd creates the cache command group.
func NewCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clear the cache",
	}

	cmd.AddCommand(newCacheStatsCmd())
	cmd.AddCommand(newCacheClearCmd())

	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache backend statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, closeServices, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer closeServices()

			stats, err := s.cache.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("keys:   %d\n", stats.Keys)
			fmt.Printf("hits:   %d\n", stats.Hits)
			fmt.Printf("misses: %d\n", stats.Misses)
			fmt.Printf("size:   %d bytes\n", stats.SizeBytes)
			return nil
		},
	}
}

func newCacheClearCmd() *cobra.Command {
	var pattern string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cached entries by pattern",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, closeServices, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer closeServices()

			removed, err := s.cache.DeletePattern(ctx, pattern)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d entries matching %q\n", removed, pattern)
			return nil
		},
	}

	cmd.Flags().StringVar(&pattern, "pattern", "*", "glob pattern of keys to remove")

	return cmd
}
