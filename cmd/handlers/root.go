// Package handlers wires the trendlens CLI commands.
package handlers

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"trendlens/internal/config"
	"trendlens/internal/logger"
)

var cfgFile string

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trendlens",
		Short: "Trendlens collects social and news content and surfaces ranked trends.",
		Long: `Trendlens runs pluggable collectors over RSS feeds, social APIs,
and sandboxed Lua plugins, pipes the collected items through a
dedup/cluster/rank pipeline, and serves the resulting trends over a
REST API with semantic search.`,
		SilenceUsage: true,
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.trendlens.yaml)")

	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewCollectCmd())
	rootCmd.AddCommand(NewSearchCmd())
	rootCmd.AddCommand(NewSourcesCmd())
	rootCmd.AddCommand(NewPluginsCmd())
	rootCmd.AddCommand(NewCacheCmd())
	rootCmd.AddCommand(NewMigrateCmd())
	rootCmd.AddCommand(NewSweepCmd())

	return rootCmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging.Format, cfg.Logging.Level)
}
