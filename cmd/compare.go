package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecheck/internal/audio"
	"github.com/audiolibrelab/voicecheck/internal/compare"
	"github.com/audiolibrelab/voicecheck/internal/history"
	"github.com/audiolibrelab/voicecheck/internal/viz"
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare a voice sample against an enrolled user",
	Long: `Compare a voice sample against the stored reference of an enrolled user.
Without --file a new sample is recorded first (press Enter to stop).

The result shows the similarity percentage, the verdict against the threshold
and the first dimensions of both embeddings.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		file, _ := cmd.Flags().GetString("file")
		output, _ := cmd.Flags().GetString("output")

		threshold := cfg.Compare.Threshold
		if cmd.Flags().Changed("threshold") {
			threshold, _ = cmd.Flags().GetFloat64("threshold")
		}
		dimensions := cfg.Compare.Dimensions
		if cmd.Flags().Changed("dimensions") {
			dimensions, _ = cmd.Flags().GetInt("dimensions")
		}
		if err := viz.CheckDimensions(dimensions); err != nil {
			return err
		}
		if err := compare.ValidateThreshold(threshold); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var (
			res *compare.Result
			err error
		)
		if file != "" {
			res, err = compareFile(ctx, userID, file, threshold)
		} else {
			res, err = compareRecording(ctx, userID, threshold, dimensions)
		}
		if err != nil {
			return err
		}

		return printOutput(os.Stdout, output, res, func() error {
			fmt.Println(viz.RenderVerdict(res, res.Match, styles))
			fmt.Println()
			fmt.Println(viz.RenderChart(viz.Project(res.StoredEmbedding, res.NewEmbedding, dimensions), styles, 24))
			return nil
		})
	},
}

// compareFile runs one comparison of a saved clip.
func compareFile(ctx context.Context, userID, path string, threshold float64) (*compare.Result, error) {
	a, err := audio.LoadArtifact(path)
	if err != nil {
		return nil, err
	}
	defer a.Release()

	p := compare.NewPipeline(newClient(), threshold)
	res, err := p.Compare(ctx, compare.Request{ReferenceID: userID, Artifact: a})
	if err != nil {
		return nil, err
	}

	if store := openHistory(); store != nil {
		defer store.Close()
		recordHistory(store, res)
	}
	return res, nil
}

// compareRecording records a fresh clip in the compare workspace.
func compareRecording(ctx context.Context, userID string, threshold float64, dimensions int) (*compare.Result, error) {
	svc, _, cleanup, err := newService(true)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	ws := svc.Compare()
	if err := ws.SetThreshold(threshold); err != nil {
		return nil, err
	}
	if err := ws.SetDimensions(dimensions); err != nil {
		return nil, err
	}
	// Fail on an unknown user before asking for a sample
	if err := ws.SelectReference(ctx, userID); err != nil {
		return nil, err
	}

	if _, err := captureInteractive(ctx, ws); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return ws.Compare(context.WithoutCancel(ctx))
}

func recordHistory(store *history.Store, res *compare.Result) {
	if err := store.Put(res); err != nil {
		slog.Warn("Failed to record comparison in history", "error", err)
	}
}

func init() {
	compareCmd.Flags().StringP("user", "u", "", "id of the enrolled user to compare against")
	compareCmd.Flags().StringP("file", "f", "", "compare a saved sample instead of recording")
	compareCmd.Flags().Float64P("threshold", "t", compare.DefaultThreshold, "match threshold in percent (overrides config)")
	compareCmd.Flags().IntP("dimensions", "d", viz.DefaultDimensions, "embedding dimensions to display: 5 to 50, step 5 (overrides config)")
	compareCmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")
	compareCmd.MarkFlagRequired("user")
}
