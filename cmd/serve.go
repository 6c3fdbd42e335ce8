package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/constants"
	"github.com/kozaktomas/rollcall/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the rollcall HTTP API.

The API controls recognition, enrollment and attendance and streams
recognition events over SSE. Recognition is not started automatically.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "Address to listen on (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, cfg, logger, closeApp, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp()

	if addr := mustGetString(cmd, "addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	scheduler, err := startPruneScheduler(a, cfg, logger)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	server := web.NewServer(a, web.Options{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)
	ln, err := server.Listen()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("systemd notify failed", zap.Error(err))
	}
	fmt.Printf("Rollcall API listening on http://%s\n", ln.Addr())
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		a.StopRecognition()
		return err
	case sig := <-sigChan:
		logger.Info("caught signal, shutting down", zap.String("signal", sig.String()))
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.StopRecognition()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		// Open event streams do not end on their own.
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		logger.Warn("shutdown timed out", zap.Error(err))
	}
	return <-errCh
}
