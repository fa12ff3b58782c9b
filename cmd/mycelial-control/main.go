// Package main is the mycelial control-plane entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mycelial-network/mycelial/internal/server"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	listenAddr    string
	tlsListenAddr string
)

var rootCmd = &cobra.Command{
	Use:   "mycelial-control",
	Short: "mycelial-control — the mycelial control plane",
	Long: `mycelial-control stores the pipeline graph and streams each
daemon its assignment over mutual TLS.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen-addr", "0.0.0.0:7777", "HTTP API listen address")
	rootCmd.PersistentFlags().StringVar(&tlsListenAddr, "tls-listen-addr", "0.0.0.0:7778", "mTLS websocket listen address")
}

func main() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	dir := controlHome()
	db, err := server.OpenDB(dir)
	if err != nil {
		return err
	}
	defer db.Close()

	ca, serverCert, err := server.LoadPKI(filepath.Join(dir, "pki"))
	if err != nil {
		return fmt.Errorf("load pki material (run init first): %w", err)
	}
	app := server.NewApp(db, ca, serverCert)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigC
		cancel()
	}()

	apiSrv := &http.Server{
		Addr:         listenAddr,
		Handler:      app.APIHandler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	tlsSrv := &http.Server{
		Addr:      tlsListenAddr,
		Handler:   app.TLSHandler(),
		TLSConfig: app.TLSConfig(),
	}

	errC := make(chan error, 2)
	go func() {
		log.Printf("[control] api on http://%s", listenAddr)
		errC <- apiSrv.ListenAndServe()
	}()
	go func() {
		log.Printf("[control] daemon websocket on wss://%s", tlsListenAddr)
		errC <- tlsSrv.ListenAndServeTLS("", "")
	}()

	select {
	case <-ctx.Done():
	case err := <-errC:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			cancel()
			shutdownServers(apiSrv, tlsSrv)
			return err
		}
	}
	shutdownServers(apiSrv, tlsSrv)
	return nil
}

func shutdownServers(servers ...*http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		srv.Shutdown(shutdownCtx)
	}
}

// controlHome returns the control-plane data directory.
func controlHome() string {
	if env := os.Getenv("MYCELIAL_CONTROL_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mycelial-control")
}
