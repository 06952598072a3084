package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"go.fluxgraph.dev/stagehand/internal/core"
)

func NewRootCommand() *cobra.Command {
	var configPath string
	var verbose int

	homeDir, _ := os.UserHomeDir()

	rootCmd := &cobra.Command{
		Use:   "stagehand",
		Short: "Stagehand - test harness supervisor for the fluxgraph server",
		Long: `Stagehand stands up a fluxgraph server binary for testing: it allocates a
free port, launches the server, waits for its gRPC health check to report
serving (retrying on a fresh port when startup loses the bind race), hands
the verified endpoint to your tests, and guarantees the process is torn
down afterwards.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize config and bind global flags to the config
			messages, err := core.InitializeConfig(cmd)
			for _, message := range messages {
				fmt.Println(message)
			}
			setupLogging(verbose)
			return err
		},
	}
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config-path", fmt.Sprintf("%s/%s", homeDir, core.BaseDirName),
		"config path",
	)
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddCommand(
		NewRunCommand(),
		NewUpCommand(),
		NewCheckCommand(),
		NewWatchCommand(),
		NewHistoryCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// setupLogging installs the default slog logger: tint on stderr, level from
// the verbosity count.
func setupLogging(verbose int) {
	level := slog.LevelWarn
	switch {
	case verbose >= 2:
		level = slog.LevelDebug
	case verbose == 1:
		level = slog.LevelInfo
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
	slog.SetDefault(slog.New(handler))
}
