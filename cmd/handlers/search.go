package handlers

import (
	"fmt"

	"github.com/spf13/cobra"

	"trendlens/internal/core"
	"trendlens/internal/search"
)

// NewSearchCmd creates the search command for semantic trend queries.
func NewSearchCmd() *cobra.Command {
	var (
		limit    int
		minSim   float64
		category string
		language string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over current trends",
		Long: `Embed a natural-language query and find the nearest trends.

Examples:
  trendlens search "ai regulation in europe"
  trendlens search "chip shortage" --category technology --limit 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, closeServices, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer closeServices()

			matches, err := s.search.Search(ctx, search.Request{
				Query:         args[0],
				Limit:         limit,
				MinSimilarity: minSim,
				Category:      core.Category(category),
				Language:      language,
			})
			if err != nil {
				return err
			}

			if len(matches) == 0 {
				fmt.Println("No matching trends")
				return nil
			}
			for i, m := range matches {
				fmt.Printf("%2d. [%.2f] %s (%s, %s, score %.1f)\n",
					i+1, m.Similarity, m.Trend.Title, m.Trend.Category, m.Trend.State, m.Trend.Score)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	cmd.Flags().Float64Var(&minSim, "min-similarity", 0, "similarity floor (default from config)")
	cmd.Flags().StringVar(&category, "category", "", "restrict to one category")
	cmd.Flags().StringVar(&language, "language", "", "restrict to one language")

	return cmd
}
