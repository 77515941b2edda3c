package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/voicecheck/internal/api"
	"github.com/audiolibrelab/voicecheck/internal/apperr"
	"github.com/audiolibrelab/voicecheck/internal/audio"
	"github.com/audiolibrelab/voicecheck/internal/clock"
	"github.com/audiolibrelab/voicecheck/internal/compare"
	"github.com/audiolibrelab/voicecheck/internal/config"
	"github.com/audiolibrelab/voicecheck/internal/play"
)

type fakeStream struct{}

func (fakeStream) Finish() ([]byte, string, error) { return []byte("webm-payload"), "audio/webm", nil }
func (fakeStream) Abort() error                    { return nil }

type fakeCapture struct{}

func (fakeCapture) Open(context.Context) (audio.CaptureStream, error) { return fakeStream{}, nil }
func (fakeCapture) ListSources() ([]audio.Source, error)              { return nil, nil }
func (fakeCapture) ValidateSource(string) error                       { return nil }
func (fakeCapture) GetType() audio.BackendType                        { return "fake" }

type fakeProcess struct {
	once sync.Once
	done chan struct{}
}

func (p *fakeProcess) Stop() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

type fakePlayer struct{}

func (fakePlayer) Start(string, time.Duration) (play.Process, error) {
	return &fakeProcess{done: make(chan struct{})}, nil
}

// fakeRemote answers like the embedding service. When gate is set,
// CompareAudio blocks until it is closed.
type fakeRemote struct {
	mu         sync.Mutex
	similarity float64
	compareErr error
	gate       chan struct{}
	compares   int
	created    []api.NewUser
	users      []api.UserWithEmbedding
}

func (r *fakeRemote) CompareAudio(ctx context.Context, userID string, file api.AudioFile) (*api.CompareResp, error) {
	r.mu.Lock()
	r.compares++
	gate, sim, err := r.gate, r.similarity, r.compareErr
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return &api.CompareResp{
		Similarity:      sim,
		StoredEmbedding: embedding(128, 0.01),
		NewEmbedding:    embedding(128, 0.02),
	}, nil
}

func (r *fakeRemote) CreateUser(ctx context.Context, u api.NewUser) (*api.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, u)
	return &api.User{ID: 7, Name: u.Name, Surname: u.Surname, Email: u.Email}, nil
}

func (r *fakeRemote) ListUsersWithEmbeddings(ctx context.Context) ([]api.UserWithEmbedding, error) {
	return r.users, nil
}

func (r *fakeRemote) ListUsers(ctx context.Context) ([]api.User, error) {
	var out []api.User
	for _, u := range r.users {
		out = append(out, u.User)
	}
	return out, nil
}

func (r *fakeRemote) GetUser(ctx context.Context, id int) (*api.User, error) {
	for _, u := range r.users {
		if u.ID == id {
			return &u.User, nil
		}
	}
	return nil, &apperr.NetworkError{Op: "get user", Status: 404, Message: "User not found"}
}

func (r *fakeRemote) DeleteUser(ctx context.Context, id int) error {
	return nil
}

func embedding(n int, step float64) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = float64(i) * step
	}
	return v
}

func newTestService(t *testing.T) (*Service, *fakeRemote, *clock.Manual) {
	t.Helper()
	remote := &fakeRemote{
		similarity: 0.35,
		users: []api.UserWithEmbedding{
			{User: api.User{ID: 7, Name: "Ada", Surname: "Lovelace", Email: "ada@example.com"}, Embedding: embedding(128, 0.01)},
		},
	}
	clk := clock.NewManual(time.Unix(0, 0))

	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()

	svc := New(cfg, Deps{
		Capture: fakeCapture{},
		Player:  fakePlayer{},
		Clock:   clk,
		Remote:  remote,
	})
	t.Cleanup(func() { svc.Close() })
	return svc, remote, clk
}

func record(t *testing.T, w *Workspace, clk *clock.Manual, d time.Duration) *audio.Artifact {
	t.Helper()
	if err := w.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error: %v", err)
	}
	clk.Advance(d)
	a, err := w.StopRecording()
	if err != nil {
		t.Fatalf("StopRecording() error: %v", err)
	}
	return a
}

func TestWorkspace_CompareEndToEnd(t *testing.T) {
	svc, _, clk := newTestService(t)
	w := svc.Compare()

	if err := w.SelectReference(context.Background(), "7"); err != nil {
		t.Fatalf("SelectReference() error: %v", err)
	}
	// Stored embedding is shown before the first comparison
	if ds := w.Chart(); len(ds.Series) != 1 || len(ds.Series[0].Data) != 10 {
		t.Errorf("Expected stored series of 10 points, got %+v", ds.Series)
	}

	a := record(t, w, clk, 10*time.Second)
	if a.Duration != 10*time.Second {
		t.Errorf("Expected 10s sample, got %v", a.Duration)
	}

	res, err := w.Compare(context.Background())
	if err != nil {
		t.Fatalf("Compare() error: %v", err)
	}
	if math.Abs(res.Percentage-65.0) > 1e-9 {
		t.Errorf("Expected 65.0%%, got %v", res.Percentage)
	}
	if res.Match {
		t.Error("Expected no match at threshold 70")
	}
	if !strings.Contains(res.Message(), "65.00%") {
		t.Errorf("Unexpected message %q", res.Message())
	}

	ds := w.Chart()
	if len(ds.Series) != 2 {
		t.Fatalf("Expected 2 series, got %d", len(ds.Series))
	}
	for _, s := range ds.Series {
		if len(s.Data) != 10 {
			t.Errorf("Series %s: expected 10 points, got %d", s.Label, len(s.Data))
		}
	}

	if w.LastResult() != res {
		t.Error("Expected result to be the last result")
	}
}

func TestWorkspace_CompareStaleAfterDiscard(t *testing.T) {
	svc, remote, clk := newTestService(t)
	w := svc.Compare()
	w.SelectReference(context.Background(), "7")

	record(t, w, clk, 2*time.Second)
	first, err := w.Compare(context.Background())
	if err != nil {
		t.Fatalf("Compare() error: %v", err)
	}

	record(t, w, clk, 3*time.Second)
	remote.mu.Lock()
	remote.gate = make(chan struct{})
	remote.similarity = 0.1
	gate := remote.gate
	remote.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Compare(context.Background())
		errCh <- err
	}()

	// Wait for the request to reach the remote before discarding
	for {
		remote.mu.Lock()
		n := remote.compares
		remote.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	w.Discard()
	close(gate)

	if err := <-errCh; !errors.Is(err, ErrStaleResult) {
		t.Fatalf("Expected ErrStaleResult, got %v", err)
	}
	if w.LastResult() != first {
		t.Error("Expected the previous result to remain")
	}
}

// discardingSink discards the workspace clip from another goroutine while
// a result is being recorded, and reports whether the discard finished
// before Put returned.
type discardingSink struct {
	w         *Workspace
	discarded chan struct{}
	early     bool
}

func (s *discardingSink) Put(r *compare.Result) error {
	go func() {
		s.w.Discard()
		close(s.discarded)
	}()
	select {
	case <-s.discarded:
		s.early = true
	case <-time.After(20 * time.Millisecond):
	}
	return nil
}

func TestWorkspace_DiscardWaitsForCommit(t *testing.T) {
	cfg := config.Default()
	clk := clock.NewManual(time.Unix(0, 0))
	remote := &fakeRemote{similarity: 0.35}
	sink := &discardingSink{discarded: make(chan struct{})}

	w := NewWorkspace(WorkspaceOptions{
		Flow:     config.FlowCompare,
		Recorder: audio.NewRecorder(fakeCapture{}, clk, audio.OptionsFor(cfg, config.FlowCompare)),
		Player:   play.NewController(fakePlayer{}, nil, clk, cfg.Playback.PollInterval()),
		Pipeline: compare.NewPipeline(remote, compare.DefaultThreshold),
		History:  sink,
	})
	sink.w = w
	defer w.Close()

	if err := w.SelectReference(context.Background(), "7"); err != nil {
		t.Fatalf("SelectReference() error: %v", err)
	}
	a := record(t, w, clk, 2*time.Second)

	res, err := w.Compare(context.Background())
	if err != nil {
		t.Fatalf("Compare() error: %v", err)
	}
	<-sink.discarded

	if sink.early {
		t.Error("Discard completed while the result was being committed")
	}
	if res.ArtifactID != a.ID.String() {
		t.Errorf("Expected result for artifact %s, got %s", a.ID, res.ArtifactID)
	}
	if w.LastResult() != res {
		t.Error("Expected the committed result to be the last result")
	}
	if w.Artifact() != nil {
		t.Error("Expected the clip to be discarded after the commit")
	}
}

func TestWorkspace_CompareNetworkErrorKeepsResult(t *testing.T) {
	svc, remote, clk := newTestService(t)
	w := svc.Compare()
	w.SelectReference(context.Background(), "7")
	record(t, w, clk, time.Second)

	first, err := w.Compare(context.Background())
	if err != nil {
		t.Fatalf("Compare() error: %v", err)
	}

	remote.compareErr = &apperr.NetworkError{Op: "compare audio", Status: 500, Message: "boom"}
	if _, err := w.Compare(context.Background()); !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("Expected NetworkError, got %v", err)
	}
	if w.LastResult() != first {
		t.Error("Expected the previous result to remain")
	}
}

func TestWorkspace_CompareValidation(t *testing.T) {
	svc, remote, clk := newTestService(t)
	w := svc.Compare()

	// No reference, no recording
	if _, err := w.Compare(context.Background()); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ValidationError, got %v", err)
	}

	record(t, w, clk, time.Second)
	if _, err := w.Compare(context.Background()); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ValidationError without reference, got %v", err)
	}

	w.SelectReference(context.Background(), "7")
	w.Discard()
	if _, err := w.Compare(context.Background()); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ValidationError after discard, got %v", err)
	}

	if remote.compares != 0 {
		t.Errorf("Expected no network call, got %d", remote.compares)
	}
}

func TestWorkspace_SelectUnknownReference(t *testing.T) {
	svc, _, _ := newTestService(t)
	w := svc.Compare()

	if err := w.SelectReference(context.Background(), "99"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
	if err := w.SelectReference(context.Background(), " "); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ValidationError for blank id, got %v", err)
	}
}

func TestWorkspace_DiscardResetsPlayback(t *testing.T) {
	svc, _, clk := newTestService(t)
	w := svc.Compare()
	a := record(t, w, clk, 4*time.Second)

	st := w.Status()
	if st.Playback.Duration != 4*time.Second || st.Playback.ArtifactID != a.ID.String() {
		t.Fatalf("Expected clip loaded for playback, got %+v", st.Playback)
	}

	playing, err := w.PlayPause()
	if err != nil || !playing {
		t.Fatalf("Expected playback to start, got %v (%v)", playing, err)
	}
	clk.Advance(time.Second)

	w.Discard()

	st = w.Status()
	if st.Playback.Playing || st.Playback.Position != 0 || st.Playback.ArtifactID != "" {
		t.Errorf("Expected playback reset, got %+v", st.Playback)
	}
	if st.Recording.State != audio.StateIdle {
		t.Errorf("Expected IDLE recording, got %s", st.Recording.State)
	}
	if !a.Released() {
		t.Error("Expected artifact to be released")
	}
	if _, err := w.PlayPause(); !errors.Is(err, play.ErrNothingLoaded) {
		t.Errorf("Expected ErrNothingLoaded, got %v", err)
	}
}

func TestWorkspace_AutoStopLoadsPlayback(t *testing.T) {
	svc, _, clk := newTestService(t)
	w := svc.Enroll()

	if err := w.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording() error: %v", err)
	}
	clk.Advance(31 * time.Second)

	st := w.Status()
	if st.Recording.State != audio.StateStopped {
		t.Fatalf("Expected STOPPED after auto-stop, got %s", st.Recording.State)
	}
	if st.Playback.Duration != 30*time.Second {
		t.Errorf("Expected 30s clip loaded, got %v", st.Playback.Duration)
	}
}

func TestWorkspace_EnrollTooShort(t *testing.T) {
	svc, remote, clk := newTestService(t)
	w := svc.Enroll()

	w.StartRecording(context.Background())
	clk.Advance(3 * time.Second)
	if _, err := w.StopRecording(); !errors.Is(err, apperr.ErrRecordingTooShort) {
		t.Fatalf("Expected RecordingTooShortError, got %v", err)
	}

	_, err := w.Enroll(context.Background(), EnrollRequest{Name: "Ada", Surname: "Lovelace", Email: "ada@example.com"})
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if len(verr.Fields) != 1 || verr.Fields[0].Field != "audio" {
		t.Errorf("Expected only the audio field to fail, got %+v", verr.Fields)
	}
	if len(remote.created) != 0 {
		t.Error("Expected no user to be created")
	}
}

func TestWorkspace_Enroll(t *testing.T) {
	svc, remote, clk := newTestService(t)
	w := svc.Enroll()
	a := record(t, w, clk, 6*time.Second)

	user, err := w.Enroll(context.Background(), EnrollRequest{Name: " Ada ", Surname: "Lovelace", Email: "Ada@Example.COM"})
	if err != nil {
		t.Fatalf("Enroll() error: %v", err)
	}
	if user.ID != 7 {
		t.Errorf("Expected id 7, got %d", user.ID)
	}
	if len(remote.created) != 1 {
		t.Fatalf("Expected one create call, got %d", len(remote.created))
	}
	got := remote.created[0]
	if got.Name != "Ada" || got.Email != "ada@example.com" {
		t.Errorf("Expected trimmed, lower-cased fields, got %+v", got)
	}
	if got.Audio.Name != "audio.webm" || string(got.Audio.Data) != "webm-payload" {
		t.Errorf("Unexpected audio part %s (%d bytes)", got.Audio.Name, len(got.Audio.Data))
	}
	if !a.Released() || w.Artifact() != nil {
		t.Error("Expected the clip to be discarded after enrollment")
	}
}

func TestValidateEnrollment(t *testing.T) {
	tests := []struct {
		name   string
		req    EnrollRequest
		fields []string
	}{
		{"valid", EnrollRequest{"Ada", "Lovelace", "ada@example.com"}, nil},
		{"all missing", EnrollRequest{}, []string{"name", "surname", "email"}},
		{"bad email", EnrollRequest{"Ada", "Lovelace", "ada@example"}, []string{"email"}},
		{"no at", EnrollRequest{"Ada", "Lovelace", "ada.example.com"}, []string{"email"}},
		{"plus address", EnrollRequest{"Ada", "Lovelace", "ada+voice@mail.example.org"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verr := ValidateEnrollment(tt.req)
			if len(verr.Fields) != len(tt.fields) {
				t.Fatalf("Expected %d field errors, got %+v", len(tt.fields), verr.Fields)
			}
			for i, f := range tt.fields {
				if verr.Fields[i].Field != f {
					t.Errorf("Field %d: expected %s, got %s", i, f, verr.Fields[i].Field)
				}
			}
		})
	}
}

func TestWorkspace_Settings(t *testing.T) {
	svc, _, _ := newTestService(t)
	w := svc.Compare()

	if err := w.SetDimensions(7); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ValidationError for 7 dimensions, got %v", err)
	}
	if err := w.SetDimensions(25); err != nil {
		t.Errorf("SetDimensions(25) error: %v", err)
	}
	if err := w.SetThreshold(101); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected ValidationError for threshold 101, got %v", err)
	}
	if err := w.SetThreshold(60); err != nil {
		t.Errorf("SetThreshold(60) error: %v", err)
	}

	st := w.Status()
	if st.Dimensions != 25 || st.Threshold != 60 {
		t.Errorf("Unexpected settings %+v", st)
	}

	if err := svc.Enroll().SetThreshold(60); err == nil {
		t.Error("Expected threshold to be unavailable in the enroll flow")
	}
}
