package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/audiolibrelab/voicecheck/internal/api"
	"github.com/audiolibrelab/voicecheck/internal/audio"
	"github.com/audiolibrelab/voicecheck/internal/clock"
	"github.com/audiolibrelab/voicecheck/internal/compare"
	"github.com/audiolibrelab/voicecheck/internal/config"
	"github.com/audiolibrelab/voicecheck/internal/history"
	"github.com/audiolibrelab/voicecheck/internal/play"
)

// Remote is everything the client uses from the embedding service.
type Remote interface {
	compare.Remote
	Users
	ListUsers(ctx context.Context) ([]api.User, error)
	GetUser(ctx context.Context, id int) (*api.User, error)
	DeleteUser(ctx context.Context, id int) error
}

// Deps are the collaborators a Service is built from.
type Deps struct {
	Capture audio.CaptureBackend
	Player  play.Backend
	Prober  play.Prober // nil uses the recorded duration
	Clock   clock.Clock // nil uses the wall clock
	Remote  Remote
	History *history.Store // optional
}

// SavedRecording describes a clip written to the output directory.
type SavedRecording struct {
	Path      string        `json:"path"`
	Size      int           `json:"size"`
	SizeHuman string        `json:"size_human"`
	Duration  time.Duration `json:"duration_ns"`
}

// Service holds the enrollment and comparison workspaces.
type Service struct {
	cfg        *config.Config
	remote     Remote
	history    *history.Store
	workspaces map[config.Flow]*Workspace

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates the service and one workspace per flow.
func New(cfg *config.Config, deps Deps) *Service {
	s := &Service{
		cfg:        cfg,
		remote:     deps.Remote,
		history:    deps.History,
		workspaces: make(map[config.Flow]*Workspace),
	}

	var sink ResultSink
	if deps.History != nil {
		sink = deps.History
	}

	for _, flow := range []config.Flow{config.FlowEnroll, config.FlowCompare} {
		opts := WorkspaceOptions{
			Flow:       flow,
			Recorder:   audio.NewRecorder(deps.Capture, deps.Clock, audio.OptionsFor(cfg, flow)),
			Player:     play.NewController(deps.Player, deps.Prober, deps.Clock, cfg.Playback.PollInterval()),
			Users:      deps.Remote,
			Dimensions: cfg.Compare.Dimensions,
		}
		if flow == config.FlowCompare {
			opts.Pipeline = compare.NewPipeline(deps.Remote, cfg.Compare.Threshold)
			opts.History = sink
		}
		s.workspaces[flow] = NewWorkspace(opts)
	}

	return s
}

// Workspace returns the workspace of a flow.
func (s *Service) Workspace(flow config.Flow) (*Workspace, error) {
	w, ok := s.workspaces[flow]
	if !ok {
		return nil, fmt.Errorf("unknown flow '%s' (valid: %s, %s)", flow, config.FlowEnroll, config.FlowCompare)
	}
	return w, nil
}

func (s *Service) Enroll() *Workspace  { return s.workspaces[config.FlowEnroll] }
func (s *Service) Compare() *Workspace { return s.workspaces[config.FlowCompare] }

func (s *Service) Config() *config.Config {
	return s.cfg
}

func (s *Service) Remote() Remote {
	return s.remote
}

// History returns the result store, nil when history is disabled.
func (s *Service) History() *history.Store {
	return s.history
}

// Track records the outcome of an operation for GetLastError and returns
// err unchanged.
func (s *Service) Track(op string, err error) error {
	if err != nil {
		slog.Error("Service."+op+" failed", "error", err)
		s.setLastError(fmt.Sprintf("%s: %v", op, err))
	} else {
		slog.Debug("Service." + op + " completed successfully")
		s.clearLastError()
	}
	return err
}

// ListUsers returns the enrolled users.
func (s *Service) ListUsers(ctx context.Context) ([]api.User, error) {
	slog.Debug("Service.ListUsers called")
	users, err := s.remote.ListUsers(ctx)
	return users, s.Track("ListUsers", err)
}

// DeleteUser removes a user from the remote service.
func (s *Service) DeleteUser(ctx context.Context, id int) error {
	slog.Debug("Service.DeleteUser called", "id", id)
	return s.Track("DeleteUser", s.remote.DeleteUser(ctx, id))
}

// SaveRecording writes the current clip of a flow to the output directory.
func (s *Service) SaveRecording(flow config.Flow) (*SavedRecording, error) {
	w, err := s.Workspace(flow)
	if err != nil {
		return nil, err
	}
	a := w.Artifact()
	if a == nil {
		return nil, s.Track("SaveRecording", fmt.Errorf("no %s recording to save", flow))
	}

	if err := os.MkdirAll(s.cfg.Output.Directory, 0755); err != nil {
		return nil, s.Track("SaveRecording", fmt.Errorf("failed to create output directory: %w", err))
	}

	stem := fmt.Sprintf("%s-%s", flow, a.CreatedAt.Format("20060102-150405"))
	path := filepath.Join(s.cfg.Output.Directory, a.Filename(stem))
	if err := a.Save(path); err != nil {
		return nil, s.Track("SaveRecording", err)
	}

	saved := &SavedRecording{
		Path:      path,
		Size:      a.Size(),
		SizeHuman: formatBytes(int64(a.Size())),
		Duration:  a.Duration,
	}
	slog.Info("Recording saved", "path", path, "size", saved.SizeHuman)
	s.clearLastError()
	return saved, nil
}

// GetLastError returns the last error message (thread-safe)
func (s *Service) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *Service) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
}

func (s *Service) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// Close releases every workspace. The history store is owned by the caller.
func (s *Service) Close() error {
	var firstErr error
	for _, w := range s.workspaces {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
