package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.fluxgraph.dev/stagehand/internal/core"
)

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(os.Stderr, "stagehand version: %s\n", core.FormatVersion(core.Version))
		},
	}

	return versionCmd
}
