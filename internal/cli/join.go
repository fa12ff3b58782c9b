package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mycelial-network/mycelial/internal/daemon"
)

func init() {
	joinCmd.Flags().StringVar(&joinControlPlaneURL, "control-plane-url", "", "Control plane HTTP URL")
	joinCmd.Flags().StringVar(&joinTLSURL, "control-plane-tls-url", "", "Control plane TLS (websocket) URL")
	joinCmd.Flags().StringVar(&joinToken, "token", "", "One-time join token (id:secret)")
	joinCmd.MarkFlagRequired("control-plane-url")
	joinCmd.MarkFlagRequired("control-plane-tls-url")
	joinCmd.MarkFlagRequired("token")
	rootCmd.AddCommand(joinCmd)
}

var (
	joinControlPlaneURL string
	joinTLSURL          string
	joinToken           string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Enroll this daemon with the control plane",
	Long: `Enroll this daemon with the control plane using a one-time token.

The token is consumed on success; the minted certificate is stored
durably. Enrollment credentials from an earlier join are wiped first;
section state is kept.`,
	RunE: runJoin,
}

func runJoin(cmd *cobra.Command, args []string) error {
	d, err := daemon.New()
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := d.Join(ctx, joinControlPlaneURL, joinTLSURL, joinToken); err != nil {
		return err
	}
	fmt.Println("joined control plane")
	return nil
}
