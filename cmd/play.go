package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecheck/internal/audio"
	"github.com/audiolibrelab/voicecheck/internal/play"
	"github.com/audiolibrelab/voicecheck/internal/viz"
)

var playCmd = &cobra.Command{
	Use:   "play [file]",
	Short: "Play a saved voice sample",
	Long: `Play a saved voice sample with the configured audio player (ffplay, mpv or vlc).
Use --start to begin at an offset. Press Ctrl+C to stop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetDuration("start")

		a, err := audio.LoadArtifact(args[0])
		if err != nil {
			return err
		}
		defer a.Release()

		player, err := play.NewExecPlayer(cfg.Playback.Player)
		if err != nil {
			return err
		}

		c := play.NewController(player, play.FFProbe{}, nil, cfg.Playback.PollInterval())
		defer c.Close()

		if err := c.Load(a, 0); err != nil {
			return fmt.Errorf("failed to load %s: %w", args[0], err)
		}
		if c.Duration() == 0 {
			return fmt.Errorf("could not determine the length of %s", args[0])
		}

		ended := make(chan struct{})
		c.OnEnd(func() { close(ended) })

		if _, err := c.Seek(start); err != nil {
			return err
		}
		if _, err := c.PlayPause(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Playing %s with %s\n", args[0], player.Name())
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fmt.Fprintf(os.Stderr, "\r%s", viz.RenderProgress("▶ PLAY", c.Position(), c.Duration(), styles, 30))
			case <-ended:
				fmt.Fprintf(os.Stderr, "\r%s\n", viz.RenderProgress("▶ PLAY", c.Duration(), c.Duration(), styles, 30))
				return nil
			case <-ctx.Done():
				fmt.Fprintln(os.Stderr)
				return nil
			}
		}
	},
}

func init() {
	playCmd.Flags().Duration("start", 0, "start offset, e.g. 2.5s")
}
