package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func NewUpCommand() *cobra.Command {
	flags := &launchFlags{}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Stand the server up and supervise it until interrupted",
		Long: `Up starts the fluxgraph server, waits for readiness, prints the endpoint
on stdout, and keeps the server supervised until SIGINT or SIGTERM, then
tears it down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := resolveLaunch(cmd, flags)
			if err != nil {
				return err
			}
			if plan.hist != nil {
				defer plan.hist.Close()
			}

			sup := newSupervisor(plan)
			managed, err := sup.Start(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if err := managed.Stop(); err != nil {
					slog.Error("Failed to stop server", "pid", managed.Pid(), "error", err)
				}
			}()

			// The endpoint is the command's one machine-readable output.
			fmt.Println(managed.Addr())

			// Stream server output to stderr while supervising
			lines := managed.Collector().Subscribe()
			defer managed.Collector().Unsubscribe(lines)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			for {
				select {
				case line := <-lines:
					fmt.Fprintln(os.Stderr, line)
				case sig := <-sigCh:
					slog.Info("Received signal, tearing down", "signal", sig)
					return nil
				case <-managed.Done():
					_, code := managed.Exited()
					return fmt.Errorf("server exited unexpectedly with code %d\n%s",
						code, managed.Output())
				}
			}
		},
	}
	registerLaunchFlags(upCmd, flags)

	return upCmd
}
