package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func NewRunCommand() *cobra.Command {
	flags := &launchFlags{}

	runCmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Stand the server up, run a command against it, tear it down",
		Long: `Run starts the fluxgraph server, waits for readiness, then executes the
given command with FLUXGRAPH_ADDR and FLUXGRAPH_PORT in its environment.
The server is torn down on every exit path and the command's exit code is
propagated.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := resolveLaunch(cmd, flags)
			if err != nil {
				return err
			}
			if plan.hist != nil {
				defer plan.hist.Close()
			}

			exitCode, err := runWithServer(cmd, plan, args)
			if err != nil {
				return err
			}
			if exitCode != 0 {
				os.Exit(exitCode)
			}
			return nil
		},
	}
	registerLaunchFlags(runCmd, flags)

	return runCmd
}

// runWithServer owns the full acquire/use/release cycle: server up, wrapped
// command run, server down. Teardown runs on every path out of this
// function, including command spawn failures and signals.
func runWithServer(cmd *cobra.Command, plan *launchPlan, args []string) (int, error) {
	sup := newSupervisor(plan)

	managed, err := sup.Start(cmd.Context())
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := managed.Stop(); err != nil {
			slog.Error("Failed to stop server", "pid", managed.Pid(), "error", err)
		}
	}()

	slog.Info("Server ready", "addr", managed.Addr(), "pid", managed.Pid())

	child := exec.Command(args[0], args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Env = childEnv(managed, plan.bindingsDir)

	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("failed to start command %q: %w", args[0], err)
	}

	// Forward interrupts to the child; our own teardown happens on return.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			child.Process.Signal(sig)
		}
	}()

	err = child.Wait()
	signal.Stop(sigCh)
	close(sigCh)

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("command failed: %w", err)
	}
	return 0, nil
}
