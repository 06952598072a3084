package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.fluxgraph.dev/stagehand/internal/core"
	"go.fluxgraph.dev/stagehand/internal/harness"
)

func NewCheckCommand() *cobra.Command {
	var service string
	var timeout time.Duration

	checkCmd := &cobra.Command{
		Use:   "check <addr>",
		Short: "Probe an existing endpoint's health check once",
		Long: `Check issues one bounded gRPC health check against the given host:port
and exits 0 iff the service reports SERVING.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			addr := args[0]
			if service == "" {
				service = core.GetServiceName()
			}

			if err := harness.CheckEndpoint(cmd.Context(), addr, service, timeout); err != nil {
				slog.Error("Endpoint is not serving", "addr", addr, "service", service, "error", err)
				os.Exit(1)
			}
			fmt.Printf("%s is serving (service %q)\n", addr, service)
		},
	}
	checkCmd.Flags().StringVar(&service, "service", "", "gRPC health service name (default fluxgraph)")
	checkCmd.Flags().DurationVar(&timeout, "timeout", 500*time.Millisecond, "health-check call timeout")

	return checkCmd
}
