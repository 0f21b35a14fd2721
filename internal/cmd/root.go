// Package cmd holds the stagecoach command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand builds the root cobra command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stagecoach",
		Short: "Multi-agent orchestration service",
		Long: `Stagecoach routes user requests to configured agents, runs each
through a bounded pipeline (planning, knowledge gathering, tool and
sandbox execution, synthesis) and streams progress as it happens.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewAskCommand())

	return cmd
}
