package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecheck/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local control server",
	Long: `Start the VoiceCheck web server to drive enrollment and comparison over HTTP.
Both flows keep their own recording and playback session; the server exposes
recording control, playback, comparison, the chart dataset and user management.

The server will display the local network URL for easy access from other devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		svc, capture, cleanup, err := newService(true)
		if err != nil {
			return err
		}
		defer cleanup()

		srv := server.New(server.Options{
			Service:    svc,
			Capture:    capture,
			ConfigFile: cfgFile,
			Profile:    profile,
			Port:       port,
		})

		slog.Info("VoiceCheck web server starting", "port", port, "config", cfgFile, "remote", cfg.Server.BaseURL)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
}
