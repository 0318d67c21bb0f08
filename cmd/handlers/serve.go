package handlers

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"trendlens/internal/collector"
	"trendlens/internal/logger"
	"trendlens/internal/server"
)

// NewServeCmd creates the serve command: the API server plus the
// collection scheduler in one process.
func NewServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the collection scheduler",
		Long: `Start the trendlens server.

The server provides:
  - REST API for trends, topics, and semantic search
  - Admin API for collector sources and plugin health
  - Cron-driven collection feeding the trend pipeline

Examples:
  # Start on the configured port
  trendlens serve

  # Start on a custom port
  trendlens serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port, host)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "HTTP server port (default from config: 8080)")
	cmd.Flags().StringVar(&host, "host", "", "HTTP server host (default from config: 0.0.0.0)")

	return cmd
}

func runServe(ctx context.Context, port int, host string) error {
	log := logger.Get()

	s, closeServices, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer closeServices()

	serverCfg := s.cfg.Server
	if port != 0 {
		serverCfg.Port = port
	}
	if host != "" {
		serverCfg.Host = host
	}

	scheduler := collector.NewScheduler(s.registry, s.orch.Sink())
	if err := scheduler.ScheduleAll(); err != nil {
		return fmt.Errorf("scheduling collectors: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(s.db, s.cache, s.search, s.orch, s.registry, s.tracker, serverCfg, s.cfg.Cache.TTL)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("Received shutdown signal", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
