package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/voicecheck/internal/api"
	"github.com/audiolibrelab/voicecheck/internal/apperr"
	"github.com/audiolibrelab/voicecheck/internal/audio"
	"github.com/audiolibrelab/voicecheck/internal/compare"
	"github.com/audiolibrelab/voicecheck/internal/config"
	"github.com/audiolibrelab/voicecheck/internal/play"
	"github.com/audiolibrelab/voicecheck/internal/viz"
)

// ErrStaleResult is returned when a comparison finished after its artifact
// was discarded or replaced. The result is dropped.
var ErrStaleResult = errors.New("comparison result is stale: the recording changed while it was running")

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Users is the part of the remote service a workspace needs for
// enrollment and reference selection.
type Users interface {
	CreateUser(ctx context.Context, u api.NewUser) (*api.User, error)
	ListUsersWithEmbeddings(ctx context.Context) ([]api.UserWithEmbedding, error)
}

// ResultSink records accepted comparison results.
type ResultSink interface {
	Put(r *compare.Result) error
}

// EnrollRequest holds the enrollment form fields.
type EnrollRequest struct {
	Name    string `json:"name"`
	Surname string `json:"surname"`
	Email   string `json:"email"`
}

// WorkspaceStatus is a snapshot of one screen.
type WorkspaceStatus struct {
	Flow       config.Flow       `json:"flow"`
	Recording  audio.SessionInfo `json:"recording"`
	Playback   play.Status       `json:"playback"`
	Reference  string            `json:"reference,omitempty"`
	Threshold  float64           `json:"threshold"`
	Dimensions int               `json:"dimensions"`
	Last       *compare.Result   `json:"last,omitempty"`
}

// Workspace is one screen: it owns exactly one recorder and one playback
// controller, so at most one recording and one playback session exist per
// flow.
type Workspace struct {
	flow     config.Flow
	recorder *audio.Recorder
	player   *play.Controller
	pipeline *compare.Pipeline
	users    Users
	history  ResultSink

	// lifecycle serialises replacing or dropping the current artifact
	// against committing a result for it.
	lifecycle sync.Mutex

	mu         sync.Mutex
	reference  string
	stored     []float64
	fresh      []float64
	dimensions int
}

// WorkspaceOptions wires a workspace.
type WorkspaceOptions struct {
	Flow       config.Flow
	Recorder   *audio.Recorder
	Player     *play.Controller
	Pipeline   *compare.Pipeline // nil disables Compare
	Users      Users
	History    ResultSink // optional
	Dimensions int
}

func NewWorkspace(opts WorkspaceOptions) *Workspace {
	dims := opts.Dimensions
	if !viz.ValidDimensions(dims) {
		dims = viz.DefaultDimensions
	}

	w := &Workspace{
		flow:       opts.Flow,
		recorder:   opts.Recorder,
		player:     opts.Player,
		pipeline:   opts.Pipeline,
		users:      opts.Users,
		history:    opts.History,
		dimensions: dims,
	}

	w.recorder.OnAutoStop(func(a *audio.Artifact, err error) {
		if err != nil {
			slog.Warn("Auto-stopped recording was not kept", "flow", w.flow, "error", err)
			return
		}
		if err := w.player.Load(a, a.Duration); err != nil {
			slog.Warn("Failed to load auto-stopped recording for playback", "flow", w.flow, "error", err)
		}
	})

	return w
}

func (w *Workspace) Flow() config.Flow {
	return w.flow
}

// StartRecording begins a new capture. The previous artifact, if any, is
// released together with its playback session.
func (w *Workspace) StartRecording(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.recorder.State() != audio.StateRecording {
		w.player.Reset()
	}
	return w.recorder.Start(ctx)
}

// StopRecording ends the capture and loads the clip for review.
func (w *Workspace) StopRecording() (*audio.Artifact, error) {
	a, err := w.recorder.Stop()
	if err != nil {
		return nil, err
	}
	if err := w.player.Load(a, a.Duration); err != nil {
		return a, fmt.Errorf("recording kept but playback is unavailable: %w", err)
	}
	return a, nil
}

// Discard drops the recording and resets playback to the start.
func (w *Workspace) Discard() {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	w.player.Reset()
	w.recorder.Discard()
}

// Artifact returns the current clip, nil when there is none.
func (w *Workspace) Artifact() *audio.Artifact {
	return w.recorder.Artifact()
}

func (w *Workspace) PlayPause() (bool, error) {
	return w.player.PlayPause()
}

func (w *Workspace) Seek(t time.Duration) (time.Duration, error) {
	return w.player.Seek(t)
}

// SelectReference picks the reference user and shows its stored
// embedding until the next comparison.
func (w *Workspace) SelectReference(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperr.NewValidationError("reference", "select a reference user")
	}

	w.mu.Lock()
	w.reference = id
	w.stored = nil
	w.fresh = nil
	w.mu.Unlock()

	if w.users == nil {
		return nil
	}

	users, err := w.users.ListUsersWithEmbeddings(ctx)
	if err != nil {
		return err
	}

	for _, u := range users {
		if strconv.Itoa(u.ID) != id {
			continue
		}
		w.mu.Lock()
		if w.reference == id {
			w.stored = u.Embedding
		}
		w.mu.Unlock()
		return nil
	}
	return apperr.NewValidationError("reference", fmt.Sprintf("user %s does not exist", id))
}

func (w *Workspace) Reference() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reference
}

// SetDimensions changes how many embedding dimensions the chart shows.
func (w *Workspace) SetDimensions(n int) error {
	if err := viz.CheckDimensions(n); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dimensions = n
	return nil
}

func (w *Workspace) SetThreshold(t float64) error {
	if w.pipeline == nil {
		return fmt.Errorf("comparison is not available in the %s flow", w.flow)
	}
	return w.pipeline.SetThreshold(t)
}

// Chart projects the current embeddings. Recomputed on every call.
func (w *Workspace) Chart() viz.Dataset {
	w.mu.Lock()
	defer w.mu.Unlock()
	return viz.Project(w.stored, w.fresh, w.dimensions)
}

// Compare runs the current clip against the selected reference. The
// workspace lock is not held during the network call; a response that
// arrives after the clip was discarded or replaced is dropped with
// ErrStaleResult and the previous result stays in place.
func (w *Workspace) Compare(ctx context.Context) (*compare.Result, error) {
	if w.pipeline == nil {
		return nil, fmt.Errorf("comparison is not available in the %s flow", w.flow)
	}

	artifact := w.recorder.Artifact()
	req := compare.Request{ReferenceID: w.Reference(), Artifact: artifact}

	res, err := w.pipeline.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if current := w.recorder.Artifact(); current != artifact {
		slog.Info("Dropping stale comparison result", "flow", w.flow, "artifact", res.ArtifactID)
		return nil, ErrStaleResult
	}

	w.pipeline.Commit(res)

	w.mu.Lock()
	if w.reference == req.ReferenceID {
		w.stored = res.StoredEmbedding
		w.fresh = res.NewEmbedding
	}
	w.mu.Unlock()

	if w.history != nil {
		if err := w.history.Put(res); err != nil {
			slog.Warn("Failed to record comparison in history", "error", err)
		}
	}
	return res, nil
}

// LastResult returns the last accepted comparison.
func (w *Workspace) LastResult() *compare.Result {
	if w.pipeline == nil {
		return nil
	}
	return w.pipeline.Last()
}

// Enroll validates the form and the clip, then creates the user. The clip
// is discarded after a successful enrollment.
func (w *Workspace) Enroll(ctx context.Context, req EnrollRequest) (*api.User, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Surname = strings.TrimSpace(req.Surname)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	verr := ValidateEnrollment(req)

	artifact := w.recorder.Artifact()
	var data []byte
	if artifact == nil {
		verr.Add("audio", "record a voice sample first")
	} else if b, err := artifact.Bytes(); err != nil {
		verr.Add("audio", "the voice sample has been discarded")
	} else {
		data = b
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	if w.users == nil {
		return nil, errors.New("enrollment is not available without a remote service")
	}

	slog.Info("Enrolling user", "name", req.Name, "surname", req.Surname, "bytes", len(data))
	user, err := w.users.CreateUser(ctx, api.NewUser{
		Name:    req.Name,
		Surname: req.Surname,
		Email:   req.Email,
		Audio: api.AudioFile{
			Name:        artifact.Filename("audio"),
			ContentType: artifact.MIMEType,
			Data:        data,
		},
	})
	if err != nil {
		return nil, err
	}

	// Only drop the clip the user was created from
	w.lifecycle.Lock()
	if w.recorder.Artifact() == artifact {
		w.player.Reset()
		w.recorder.Discard()
	}
	w.lifecycle.Unlock()
	slog.Info("User enrolled", "id", user.ID)
	return user, nil
}

// ValidateEnrollment checks the form fields. Email must already be
// lower-cased.
func ValidateEnrollment(req EnrollRequest) *apperr.ValidationError {
	verr := &apperr.ValidationError{}
	if req.Name == "" {
		verr.Add("name", "is required")
	}
	if req.Surname == "" {
		verr.Add("surname", "is required")
	}
	switch {
	case req.Email == "":
		verr.Add("email", "is required")
	case !emailPattern.MatchString(req.Email):
		verr.Add("email", "is not a valid email address")
	}
	return verr
}

// Status returns a snapshot of the workspace.
func (w *Workspace) Status() WorkspaceStatus {
	st := WorkspaceStatus{
		Flow:      w.flow,
		Recording: w.recorder.GetStatus(),
		Playback:  w.player.Status(),
	}
	if w.pipeline != nil {
		st.Threshold = w.pipeline.Threshold()
		st.Last = w.pipeline.Last()
	}

	w.mu.Lock()
	st.Reference = w.reference
	st.Dimensions = w.dimensions
	w.mu.Unlock()
	return st
}

// Close releases the recording and playback sessions.
func (w *Workspace) Close() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	w.player.Close()
	return w.recorder.Close()
}
