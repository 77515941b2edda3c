package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecheck/internal/config"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	baseURL      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "voicecheck",
	Short: "Voice enrollment and comparison client",
	Long: `VoiceCheck captures short voice samples from the microphone, enrolls them
as reference voices on a remote embedding service, and compares fresh samples
against a stored reference.

The comparison shows a similarity percentage, a match verdict against a
configurable threshold, and a dimension-wise view of both embeddings.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Failed to load .env file", "error", err)
		}

		// The default config file is optional, an explicit one is not
		allowMissing := cfgFile == ""
		if cfgFile == "" {
			cfgFile = config.DefaultPath()
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile, allowMissing)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if baseURL != "" {
			cfg.Server.BaseURL = baseURL
			cfg.Inheritance["server.base_url"] = "flag"
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		slog.Debug("Configuration resolved", "file", cfgFile, "profile", profile, "base_url", cfg.Server.BaseURL)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/voicecheck.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "embedding service URL (overrides config and VOICECHECK_BASE_URL)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output, 3=max tracing")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1, 2, 3:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))

	// Level 3 also turns on ffmpeg's own tracing
	if level >= 3 {
		os.Setenv("FFMPEG_LOGLEVEL", "debug")
	}
}
