package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mycelial-network/mycelial/internal/daemon"
)

func init() {
	rootCmd.AddCommand(resetCmd)
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Wipe all durable daemon state",
	Long: `Wipe all durable daemon state: section progress and enrollment
credentials. The daemon must be re-joined afterwards.`,
	RunE: runReset,
}

func runReset(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.Reset(ctx); err != nil {
		return err
	}
	fmt.Println("daemon state wiped")
	return nil
}
