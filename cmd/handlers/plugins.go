package handlers

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewPluginsCmd creates the plugins command group for health inspection.
func NewPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and reset collector plugin health",
	}

	cmd.AddCommand(newPluginsStatusCmd())
	cmd.AddCommand(newPluginsResetCmd())

	return cmd
}

func newPluginsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show health for every registered collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, closeServices, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer closeServices()

			statuses, err := s.registry.StatusAll(ctx)
			if err != nil {
				return err
			}
			if len(statuses) == 0 {
				fmt.Println("No collectors registered")
				return nil
			}
			for _, st := range statuses {
				state := "healthy"
				detail := ""
				if st.Health != nil {
					if !st.Health.IsHealthy {
						state = "unhealthy"
					}
					detail = fmt.Sprintf("runs=%d rate=%.2f failures=%d",
						st.Health.TotalRuns, st.Health.SuccessRate, st.Health.ConsecutiveFailures)
				} else {
					state = "unknown"
				}
				fmt.Printf("%-20s %-10s %s\n", st.Metadata.Name, state, detail)
			}
			return nil
		},
	}
}

func newPluginsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <name>",
		Short: "Clear a collector's failure streak",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, closeServices, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer closeServices()

			health, err := s.tracker.Reset(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Reset %s (healthy=%v)\n", health.PluginName, health.IsHealthy)
			return nil
		},
	}
}
