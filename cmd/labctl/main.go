package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wirelab/wirelab/cmd/labctl/commands"
)

var (
	// Version information (set by build flags)
	Version   = "3.0.0-dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "labctl",
		Short: "Wirelab CLI",
		Long: `labctl is the command-line interface for the Wirelab network emulation platform.

It provides commands to manage compute agents, projects and nodes through a
running controller.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	// Global flags
	rootCmd.PersistentFlags().String("controller", "", "Controller address (default from config)")
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: $HOME/.wirelab/config.yaml)")
	rootCmd.PersistentFlags().String("output", "table", "Output format: table, json, yaml")

	// Add subcommands
	rootCmd.AddCommand(commands.NewComputeCommand())
	rootCmd.AddCommand(commands.NewProjectCommand())
	rootCmd.AddCommand(commands.NewNodeCommand())
	rootCmd.AddCommand(commands.NewVersionCommand(Version, BuildTime, GitCommit))

	return rootCmd
}
