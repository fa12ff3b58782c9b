// Package cli implements the myceliald command-line interface using
// Cobra. Running with no arguments starts the daemon; join and reset are
// one-shot maintenance commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mycelial-network/mycelial/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "myceliald",
	Short: "myceliald — the mycelial data-movement daemon",
	Long: `myceliald runs assigned data pipelines on this host.

It connects to the control plane over mutual TLS, receives its subgraph
assignment, and supervises one long-lived task per connected subgraph.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigC
		cancel()
	}()

	return d.Run(ctx)
}
