package handlers

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"trendlens/internal/core"
)

// NewSourcesCmd creates the sources command group.
func NewSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage collector sources",
	}

	cmd.AddCommand(newSourcesListCmd())
	cmd.AddCommand(newSourcesAddCmd())
	cmd.AddCommand(newSourcesEnableCmd())
	cmd.AddCommand(newSourcesDisableCmd())
	cmd.AddCommand(newSourcesTestCmd())

	return cmd
}

func newSourcesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, closeServices, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer closeServices()

			sources, err := s.db.Sources().List(ctx, false)
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				fmt.Println("No sources configured")
				return nil
			}
			for _, src := range sources {
				state := "disabled"
				if src.Enabled {
					state = "enabled"
				}
				fmt.Printf("%-20s %-8s %-8s %s\n", src.Name, src.Type, state, src.URL)
			}
			return nil
		},
	}
}

func newSourcesAddCmd() *cobra.Command {
	var (
		srcType    string
		url        string
		schedule   string
		rateLimit  int
		timeout    string
		language   string
		pluginFile string
		authPairs  []string
		disabled   bool
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a collector source",
		Long: `Add a source record. Custom sources take their Lua plugin body
from --plugin-file; API sources take credentials from repeated --auth
key=value flags, encrypted at rest.

Examples:
  trendlens sources add hn-front --type rss --url https://news.ycombinator.com/rss --schedule "0 * * * *"
  trendlens sources add yt-science --type youtube --url "https://www.googleapis.com/youtube/v3/videos?part=snippet,statistics&chart=mostPopular" --auth api_key=XYZ
  trendlens sources add my-scraper --type custom --url https://example.com --plugin-file scraper.lua`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, closeServices, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer closeServices()

			src := core.CollectorSource{
				Name:      args[0],
				Type:      core.SourceType(srcType),
				URL:       url,
				Schedule:  schedule,
				RateLimit: rateLimit,
				Timeout:   timeout,
				Language:  language,
				Enabled:   !disabled,
			}

			if pluginFile != "" {
				code, err := os.ReadFile(pluginFile)
				if err != nil {
					return fmt.Errorf("reading plugin file: %w", err)
				}
				src.PluginCode = string(code)
			}

			if len(authPairs) > 0 {
				auth := make(map[string]string, len(authPairs))
				for _, pair := range authPairs {
					k, v, ok := strings.Cut(pair, "=")
					if !ok {
						return fmt.Errorf("invalid --auth value %q, expected key=value", pair)
					}
					auth[k] = v
				}
				sealed, err := s.registry.SealAuth(auth)
				if err != nil {
					return err
				}
				src.AuthEncrypted = sealed
			}

			if err := s.db.Sources().Create(ctx, &src); err != nil {
				return err
			}
			fmt.Printf("Added source %s (%s)\n", src.Name, src.Type)
			return nil
		},
	}

	cmd.Flags().StringVar(&srcType, "type", "rss", "source type: rss, reddit, youtube, twitter, custom")
	cmd.Flags().StringVar(&url, "url", "", "feed or API endpoint URL")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule expression")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "requests per hour (default from config)")
	cmd.Flags().StringVar(&timeout, "timeout", "", "per-run timeout, e.g. 30s")
	cmd.Flags().StringVar(&language, "language", "", "expected content language")
	cmd.Flags().StringVar(&pluginFile, "plugin-file", "", "Lua plugin file for custom sources")
	cmd.Flags().StringArrayVar(&authPairs, "auth", nil, "credential as key=value, repeatable")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the source disabled")

	return cmd
}

func newSourcesEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Enable a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, closeServices, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer closeServices()

			if err := s.registry.EnableByName(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Enabled %s\n", args[0])
			return nil
		},
	}
}

func newSourcesDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, closeServices, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer closeServices()

			if err := s.registry.DisableByName(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Disabled %s\n", args[0])
			return nil
		},
	}
}

func newSourcesTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <name>",
		Short: "Probe a source's connectivity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, closeServices, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer closeServices()

			ok, latency, err := s.registry.TestConnection(ctx, args[0])
			if err != nil {
				return err
			}
			if ok {
				fmt.Printf("%s: reachable in %s\n", args[0], latency)
			} else {
				fmt.Printf("%s: unreachable\n", args[0])
			}
			return nil
		},
	}
}
