package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/voicecheck/internal/apperr"
	"github.com/audiolibrelab/voicecheck/internal/clock"
	"github.com/audiolibrelab/voicecheck/internal/config"
)

// State represents the current state of a recording session
type State string

const (
	StateIdle      State = "IDLE"
	StateRecording State = "RECORDING"
	StateStopped   State = "STOPPED"
	StateDiscarded State = "DISCARDED"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
)

// Options holds the timing rules of one flow.
type Options struct {
	TickInterval time.Duration
	MinDuration  time.Duration
	MaxDuration  time.Duration
	Device       string // reported in device errors
}

// OptionsFor builds recorder options for a flow from configuration.
func OptionsFor(cfg *config.Config, flow config.Flow) Options {
	return Options{
		TickInterval: cfg.Capture.TickInterval(),
		MinDuration:  cfg.Flows.MinDuration(flow),
		MaxDuration:  cfg.Capture.MaxDuration(),
		Device:       cfg.Capture.Device,
	}
}

// SessionInfo contains information about the current recording session
type SessionInfo struct {
	ID         string        `json:"id,omitempty"`
	State      State         `json:"state"`
	StartTime  time.Time     `json:"start_time,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	ArtifactID string        `json:"artifact_id,omitempty"`
	MIMEType   string        `json:"mime_type,omitempty"`
	Size       int           `json:"size,omitempty"`
}

type session struct {
	id        uuid.UUID
	startTime time.Time
	state     State
	elapsed   time.Duration
	stream    CaptureStream
	tick      clock.Task
	artifact  *Artifact
}

// Recorder owns at most one recording session at a time. Elapsed time is
// advanced only by the periodic tick, so it never depends on wall-clock
// jitter between start and stop.
type Recorder struct {
	backend CaptureBackend
	clock   clock.Clock
	opts    Options

	mu         sync.Mutex
	session    *session
	onTick     func(time.Duration)
	onAutoStop func(*Artifact, error)
}

// NewRecorder creates a recorder on top of a capture backend.
func NewRecorder(backend CaptureBackend, clk clock.Clock, opts Options) *Recorder {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 100 * time.Millisecond
	}
	return &Recorder{backend: backend, clock: clk, opts: opts}
}

// OnTick registers a callback receiving the elapsed time after every tick.
func (r *Recorder) OnTick(fn func(time.Duration)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTick = fn
}

// OnAutoStop registers a callback invoked when the maximum duration stops
// the recording without caller action.
func (r *Recorder) OnAutoStop(fn func(*Artifact, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAutoStop = fn
}

// Start acquires the capture device and begins a new session. A stopped
// session is discarded first.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		if r.session.state == StateRecording {
			return ErrAlreadyRecording
		}
		r.discardLocked()
	}

	stream, err := r.backend.Open(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var devErr *apperr.DeviceAccessError
		if errors.As(err, &devErr) {
			return err
		}
		return &apperr.DeviceAccessError{
			Backend: string(r.backend.GetType()),
			Device:  r.opts.Device,
			Err:     err,
		}
	}

	s := &session{
		id:        uuid.New(),
		startTime: r.clock.Now(),
		state:     StateRecording,
		stream:    stream,
	}
	s.tick = r.clock.Every(r.opts.TickInterval, func() { r.tick(s) })
	r.session = s

	slog.Info("Recording started", "session", s.id, "min", r.opts.MinDuration, "max", r.opts.MaxDuration)
	return nil
}

func (r *Recorder) tick(s *session) {
	r.mu.Lock()
	if r.session != s || s.state != StateRecording {
		r.mu.Unlock()
		return
	}

	s.elapsed += r.opts.TickInterval
	elapsed := s.elapsed
	onTick := r.onTick

	var (
		autoStopped bool
		artifact    *Artifact
		stopErr     error
		onAutoStop  func(*Artifact, error)
	)
	if r.opts.MaxDuration > 0 && elapsed >= r.opts.MaxDuration {
		slog.Info("Maximum duration reached, stopping recording", "session", s.id, "elapsed", elapsed)
		artifact, stopErr = r.stopLocked()
		autoStopped = true
		onAutoStop = r.onAutoStop
	}
	r.mu.Unlock()

	if onTick != nil {
		onTick(elapsed)
	}
	if autoStopped && onAutoStop != nil {
		onAutoStop(artifact, stopErr)
	}
}

// Stop ends the recording. Below the minimum duration the capture is
// dropped and a RecordingTooShortError is returned with no artifact.
func (r *Recorder) Stop() (*Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil || r.session.state != StateRecording {
		return nil, ErrNotRecording
	}
	return r.stopLocked()
}

func (r *Recorder) stopLocked() (*Artifact, error) {
	s := r.session
	s.tick.Cancel()

	if s.elapsed < r.opts.MinDuration {
		if err := s.stream.Abort(); err != nil {
			slog.Debug("Failed to abort capture", "session", s.id, "error", err)
		}
		s.state = StateDiscarded
		r.session = nil
		slog.Info("Recording too short, discarded", "session", s.id, "elapsed", s.elapsed, "min", r.opts.MinDuration)
		return nil, &apperr.RecordingTooShortError{Elapsed: s.elapsed, Minimum: r.opts.MinDuration}
	}

	data, mimeType, err := s.stream.Finish()
	if err != nil {
		s.state = StateDiscarded
		r.session = nil
		return nil, fmt.Errorf("failed to finish recording: %w", err)
	}

	s.artifact = NewArtifact(data, mimeType, s.elapsed)
	s.state = StateStopped

	slog.Info("Recording stopped", "session", s.id, "elapsed", s.elapsed, "bytes", len(data))
	return s.artifact, nil
}

// Discard drops the current session from Recording or Stopped, releasing
// the device and the artifact. It is a no-op when idle.
func (r *Recorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return
	}
	r.discardLocked()
}

func (r *Recorder) discardLocked() {
	s := r.session
	s.tick.Cancel()

	if s.state == StateRecording {
		if err := s.stream.Abort(); err != nil {
			slog.Debug("Failed to abort capture", "session", s.id, "error", err)
		}
	}
	if s.artifact != nil {
		if err := s.artifact.Release(); err != nil {
			slog.Warn("Failed to release artifact", "artifact", s.artifact.ID, "error", err)
		}
		s.artifact = nil
	}

	s.elapsed = 0
	s.state = StateDiscarded
	r.session = nil

	slog.Debug("Recording discarded", "session", s.id)
}

// State returns the current session state, Idle when there is none.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return StateIdle
	}
	return r.session.state
}

// Elapsed returns the elapsed time of the current session.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return 0
	}
	return r.session.elapsed
}

// Artifact returns the artifact of a stopped session, nil otherwise.
func (r *Recorder) Artifact() *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil || r.session.state != StateStopped {
		return nil
	}
	return r.session.artifact
}

// Options returns the timing rules of this recorder.
func (r *Recorder) Options() Options {
	return r.opts
}

// GetStatus returns a copy of the current session info
func (r *Recorder) GetStatus() SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return SessionInfo{State: StateIdle}
	}

	s := r.session
	info := SessionInfo{
		ID:        s.id.String(),
		State:     s.state,
		StartTime: s.startTime,
		Elapsed:   s.elapsed,
	}
	if s.artifact != nil {
		info.ArtifactID = s.artifact.ID.String()
		info.MIMEType = s.artifact.MIMEType
		info.Size = s.artifact.Size()
	}
	return info
}

// Close discards any live session.
func (r *Recorder) Close() error {
	r.Discard()
	return nil
}
