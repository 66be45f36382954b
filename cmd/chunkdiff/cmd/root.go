// Package cmd provides the CLI commands for chunkdiff.
package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the chunkdiff CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunkdiff",
		Short: "Chunk-shadow change tracking for columnar stores",
		Long: `chunkdiff drives the chunk-shadow differ against the in-memory reference
store and inspects the shadow checkpoints it writes.

Run 'chunkdiff simulate' to replay a seeded random workload and verify that
the reported change sets reconstruct the store contents.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.SetVersionTemplate("chunkdiff version {{.Version}}\n")

	cmd.AddCommand(newSimulateCmd())
	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command. An interrupt cancels the running command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}
