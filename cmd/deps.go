package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/voicecheck/internal/api"
	"github.com/audiolibrelab/voicecheck/internal/audio"
	"github.com/audiolibrelab/voicecheck/internal/history"
	"github.com/audiolibrelab/voicecheck/internal/play"
	"github.com/audiolibrelab/voicecheck/internal/service"
	"github.com/audiolibrelab/voicecheck/internal/viz"
)

var styles = viz.NewStyles(viz.DefaultTheme)

// unavailablePlayer stands in when no audio player is installed, so
// capture and comparison still work.
type unavailablePlayer struct{ err error }

func (p unavailablePlayer) Start(string, time.Duration) (play.Process, error) {
	return nil, p.err
}

func newClient() *api.Client {
	return api.NewClient(cfg.Server.BaseURL, cfg.Server.Timeout())
}

func newPlayer() play.Backend {
	player, err := play.NewExecPlayer(cfg.Playback.Player)
	if err != nil {
		slog.Warn("Playback unavailable", "error", err)
		return unavailablePlayer{err: err}
	}
	slog.Debug("Using audio player", "player", player.Name())
	return player
}

// openHistory opens the result store. Failure only disables history.
func openHistory() *history.Store {
	if cfg.Output.HistoryDirectory == "" {
		return nil
	}
	store, err := history.Open(history.Options{Dir: cfg.Output.HistoryDirectory})
	if err != nil {
		slog.Warn("Comparison history disabled", "error", err)
		return nil
	}
	return store
}

// newService wires the service from the resolved configuration. The
// returned cleanup closes the service and the history store.
func newService(withHistory bool) (*service.Service, audio.CaptureBackend, func(), error) {
	capture, err := audio.NewBackend(cfg.Capture)
	if err != nil {
		return nil, nil, nil, err
	}

	deps := service.Deps{
		Capture: capture,
		Player:  newPlayer(),
		Prober:  play.FFProbe{},
		Remote:  newClient(),
	}
	if withHistory {
		deps.History = openHistory()
	}

	svc := service.New(cfg, deps)
	cleanup := func() {
		svc.Close()
		if deps.History != nil {
			deps.History.Close()
		}
	}
	return svc, capture, cleanup, nil
}

// printOutput writes v as json or yaml, or calls text for the default
// human output.
func printOutput(w io.Writer, format string, v interface{}, text func() error) error {
	switch strings.ToLower(format) {
	case "", "text":
		return text()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		out, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("error marshaling output: %w", err)
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format '%s' (valid: text, json, yaml)", format)
	}
}

// waitForEnter closes the returned channel when a line is read from stdin.
func waitForEnter() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		var b [1]byte
		for {
			n, err := os.Stdin.Read(b[:])
			if err != nil || (n == 1 && b[0] == '\n') {
				close(ch)
				return
			}
		}
	}()
	return ch
}
