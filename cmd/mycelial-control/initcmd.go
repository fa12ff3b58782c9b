package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mycelial-network/mycelial/internal/server"
)

var initName string

func init() {
	initCmd.Flags().StringVar(&initName, "name", "mycelial-control", "CA and server certificate common name")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the CA and server certificate",
	Long: `Generate the control plane's certificate authority and TLS server
certificate into the data directory. Refuses to overwrite an existing CA.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := filepath.Join(controlHome(), "pki")
	if err := server.InitPKI(dir, initName); err != nil {
		return err
	}
	fmt.Printf("pki material written to %s\n", dir)
	return nil
}
