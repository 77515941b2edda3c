// Package play reviews captured clips: play/pause, seek, position polling
// and the reset at end of clip.
package play

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/voicecheck/internal/audio"
	"github.com/audiolibrelab/voicecheck/internal/clock"
)

var ErrNothingLoaded = errors.New("no audio loaded for playback")

// Status is a snapshot of the playback session.
type Status struct {
	ArtifactID string        `json:"artifact_id,omitempty"`
	Playing    bool          `json:"playing"`
	Position   time.Duration `json:"position_ns"`
	Duration   time.Duration `json:"duration_ns"`
}

// Controller holds one playback session per loaded artifact. Position is
// derived from the clock while playing and kept within [0, duration].
type Controller struct {
	backend      Backend
	prober       Prober
	clock        clock.Clock
	pollInterval time.Duration

	mu       sync.Mutex
	artifact *audio.Artifact
	path     string
	duration time.Duration
	position time.Duration
	playing  bool

	// while playing: position = base + (now - startedAt)
	base      time.Duration
	startedAt time.Time
	proc      Process
	poll      clock.Task

	onEnd func()
}

// NewController creates a playback controller. A nil prober always uses
// the fallback duration.
func NewController(backend Backend, prober Prober, clk clock.Clock, pollInterval time.Duration) *Controller {
	if clk == nil {
		clk = clock.Real{}
	}
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	return &Controller{backend: backend, prober: prober, clock: clk, pollInterval: pollInterval}
}

// OnEnd registers a callback fired when the clip plays to its end.
func (c *Controller) OnEnd(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnd = fn
}

// Load binds an artifact, replacing the previous playback session.
// fallback is used when the clip's duration cannot be probed.
func (c *Controller) Load(artifact *audio.Artifact, fallback time.Duration) error {
	if artifact == nil {
		return ErrNothingLoaded
	}

	path, err := artifact.Handle()
	if err != nil {
		return err
	}

	duration := fallback
	if c.prober != nil {
		probed, err := c.prober.Duration(path)
		if err != nil {
			slog.Debug("Duration probe failed, using fallback", "artifact", artifact.ID, "fallback", fallback, "error", err)
		} else if probed > 0 {
			duration = probed
		}
	}
	if duration < 0 {
		duration = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.resetLocked()
	c.artifact = artifact
	c.path = path
	c.duration = duration

	slog.Debug("Playback loaded", "artifact", artifact.ID, "duration", duration)
	return nil
}

// PlayPause toggles playback and returns the new playing flag.
func (c *Controller) PlayPause() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.artifact == nil {
		return false, ErrNothingLoaded
	}
	if c.artifact.Released() {
		c.resetLocked()
		return false, audio.ErrArtifactReleased
	}

	if c.playing {
		c.position = c.currentLocked()
		c.haltLocked()
		slog.Debug("Playback paused", "position", c.position)
		return false, nil
	}

	if c.position >= c.duration {
		c.position = 0
	}
	if err := c.startLocked(c.position); err != nil {
		return false, err
	}
	slog.Debug("Playback started", "position", c.position)
	return true, nil
}

// Seek moves the position to t clamped to [0, duration]. Valid in any
// state; while playing the clip continues from the new position.
func (c *Controller) Seek(t time.Duration) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t < 0 {
		t = 0
	}
	if t > c.duration {
		t = c.duration
	}
	c.position = t

	if c.playing {
		c.haltLocked()
		if err := c.startLocked(t); err != nil {
			return t, err
		}
	}

	slog.Debug("Playback seek", "position", t, "playing", c.playing)
	return t, nil
}

// Position returns the current position.
func (c *Controller) Position() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		return c.currentLocked()
	}
	return c.position
}

// Duration returns the loaded clip's duration.
func (c *Controller) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// Playing reports whether the clip is playing.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Status returns a snapshot of the session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{Playing: c.playing, Position: c.position, Duration: c.duration}
	if c.playing {
		st.Position = c.currentLocked()
	}
	if c.artifact != nil {
		st.ArtifactID = c.artifact.ID.String()
	}
	return st
}

// Reset stops playback and unbinds the artifact.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// Close is Reset for teardown.
func (c *Controller) Close() error {
	c.Reset()
	return nil
}

func (c *Controller) resetLocked() {
	c.haltLocked()
	c.artifact = nil
	c.path = ""
	c.duration = 0
	c.position = 0
}

func (c *Controller) startLocked(offset time.Duration) error {
	proc, err := c.backend.Start(c.path, offset)
	if err != nil {
		c.playing = false
		return fmt.Errorf("failed to start playback: %w", err)
	}

	c.proc = proc
	c.base = offset
	c.startedAt = c.clock.Now()
	c.playing = true
	c.poll = c.clock.Every(c.pollInterval, func() { c.tick(proc) })

	go func() {
		<-proc.Done()
		c.processExited(proc)
	}()
	return nil
}

// haltLocked stops the process and cancels the poll without touching the
// position.
func (c *Controller) haltLocked() {
	if c.poll != nil {
		c.poll.Cancel()
		c.poll = nil
	}
	if c.proc != nil {
		proc := c.proc
		c.proc = nil
		if err := proc.Stop(); err != nil {
			slog.Debug("Failed to stop playback process", "error", err)
		}
	}
	c.playing = false
}

func (c *Controller) currentLocked() time.Duration {
	pos := c.base + c.clock.Now().Sub(c.startedAt)
	if pos > c.duration {
		pos = c.duration
	}
	if pos < 0 {
		pos = 0
	}
	return pos
}

func (c *Controller) tick(proc Process) {
	c.mu.Lock()
	if !c.playing || c.proc != proc {
		c.mu.Unlock()
		return
	}

	c.position = c.currentLocked()
	if c.position < c.duration {
		c.mu.Unlock()
		return
	}

	onEnd := c.endLocked()
	c.mu.Unlock()
	if onEnd != nil {
		onEnd()
	}
}

// processExited handles the player finishing on its own.
func (c *Controller) processExited(proc Process) {
	c.mu.Lock()
	if !c.playing || c.proc != proc {
		c.mu.Unlock()
		return
	}

	onEnd := c.endLocked()
	c.mu.Unlock()
	if onEnd != nil {
		onEnd()
	}
}

func (c *Controller) endLocked() func() {
	c.haltLocked()
	c.position = 0
	slog.Debug("Playback reached end of clip")
	return c.onEnd
}
