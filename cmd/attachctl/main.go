package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "attachctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attachctl",
		Short: "attachvault operations CLI",
		Long: `attachctl issues and checks signed attachment URLs, mints session tokens,
runs maintenance tasks against the configured stores, and drives the local
docker compose stack. Configuration comes from the same ATTACHVAULT_* environment
variables the server reads.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newSignCmd(),
		newVerifyCmd(),
		newTokenCmd(),
		newMaintainCmd(),
		newRestoreCmd(),
		newStackCmd(),
	)
	return cmd
}
