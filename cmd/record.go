package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecheck/internal/audio"
	"github.com/audiolibrelab/voicecheck/internal/config"
	"github.com/audiolibrelab/voicecheck/internal/service"
	"github.com/audiolibrelab/voicecheck/internal/viz"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a voice sample and save it",
	Long: `Record a voice sample from the configured capture device.
Press Enter or Ctrl+C to stop. The recording stops on its own at the configured
maximum length. Enrollment samples shorter than the flow minimum are discarded.

The sample is saved to the output directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flowName, _ := cmd.Flags().GetString("flow")
		review, _ := cmd.Flags().GetBool("play")

		svc, _, cleanup, err := newService(false)
		if err != nil {
			return err
		}
		defer cleanup()

		ws, err := svc.Workspace(config.Flow(flowName))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := captureInteractive(ctx, ws)
		if err != nil {
			return err
		}

		saved, err := svc.SaveRecording(ws.Flow())
		if err != nil {
			return err
		}
		fmt.Printf("%s %s (%s, %s)\n", styles.Title.Render("Saved"), saved.Path,
			viz.FormatDuration(a.Duration), saved.SizeHuman)

		if review {
			return reviewPlayback(ctx, ws)
		}
		return nil
	},
}

// captureInteractive records until Enter, cancellation or auto-stop and
// returns the kept clip.
func captureInteractive(ctx context.Context, ws *service.Workspace) (*audio.Artifact, error) {
	if err := ws.StartRecording(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}

	maxDuration := cfg.Capture.MaxDuration()
	minDuration := cfg.Flows.MinDuration(ws.Flow())
	if minDuration > 0 {
		fmt.Fprintf(os.Stderr, "Recording, at least %s needed. Press Enter to stop.\n", viz.FormatDuration(minDuration))
	} else {
		fmt.Fprintln(os.Stderr, "Recording. Press Enter to stop.")
	}

	enter := waitForEnter()
	ticker := time.NewTicker(cfg.Capture.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st := ws.Status().Recording
			fmt.Fprintf(os.Stderr, "\r%s", viz.RenderProgress("● REC", st.Elapsed, maxDuration, styles, 30))
			if st.State == audio.StateStopped {
				fmt.Fprintln(os.Stderr)
				slog.Info("Maximum recording length reached")
				return ws.Artifact(), nil
			}
		case <-enter:
			fmt.Fprintln(os.Stderr)
			return stopRecording(ws)
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr)
			return stopRecording(ws)
		}
	}
}

func stopRecording(ws *service.Workspace) (*audio.Artifact, error) {
	// Auto-stop may have won the race
	if a := ws.Artifact(); a != nil {
		return a, nil
	}
	a, err := ws.StopRecording()
	if a == nil {
		return nil, err
	}
	if err != nil {
		slog.Warn("Recording kept without playback", "error", err)
	}
	return a, nil
}

// reviewPlayback plays the current clip once, showing the position.
func reviewPlayback(ctx context.Context, ws *service.Workspace) error {
	if _, err := ws.PlayPause(); err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.Playback.PollInterval() * 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st := ws.Status().Playback
			fmt.Fprintf(os.Stderr, "\r%s", viz.RenderProgress("▶ PLAY", st.Position, st.Duration, styles, 30))
			if !st.Playing {
				fmt.Fprintln(os.Stderr)
				return nil
			}
		case <-ctx.Done():
			// Close stops the player
			fmt.Fprintln(os.Stderr)
			return nil
		}
	}
}

func init() {
	recordCmd.Flags().String("flow", string(config.FlowEnroll), "recording rules to apply: enroll or compare")
	recordCmd.Flags().Bool("play", false, "play the sample back after recording")
}
