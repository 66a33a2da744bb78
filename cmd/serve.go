package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/coadd/internal/coadd"
	"github.com/cwbudde/coadd/internal/server"
)

var (
	serveAddr     string
	serveAutosave time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP session server",
	Long: `Serves coadd sessions over HTTP. Sessions are created, fed with exposures,
previewed and saved through the /api/v1/sessions endpoints; contribution
events stream over SSE. Dirty sessions are saved periodically and on shutdown.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().DurationVar(&serveAutosave, "autosave", time.Minute, "Autosave interval for dirty sessions (0 disables)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	fs, err := openStore()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(serveAddr, server.NewSessionManager(fs, coaddOptions(coadd.ModeWeightedMean)), cfg)
	srv.Autosave = serveAutosave

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
