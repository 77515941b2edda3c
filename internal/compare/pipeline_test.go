package compare

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/audiolibrelab/voicecheck/internal/api"
	"github.com/audiolibrelab/voicecheck/internal/apperr"
	"github.com/audiolibrelab/voicecheck/internal/audio"
)

type fakeRemote struct {
	calls  int
	userID string
	file   api.AudioFile
	resp   *api.CompareResp
	err    error
}

func (f *fakeRemote) CompareAudio(ctx context.Context, userID string, file api.AudioFile) (*api.CompareResp, error) {
	f.calls++
	f.userID = userID
	f.file = file
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func embedding(n int, seed float64) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = seed + float64(i)/1000
	}
	return v
}

func TestMatchPercentage(t *testing.T) {
	tests := []struct {
		distance float64
		expected float64
	}{
		{0.2, 80},
		{0.35, 65},
		{0, 100},
		{1, 0},
	}

	for _, test := range tests {
		if got := MatchPercentage(test.distance); math.Abs(got-test.expected) > 1e-9 {
			t.Errorf("MatchPercentage(%v) = %v, expected %v", test.distance, got, test.expected)
		}
	}
}

func TestVerdict(t *testing.T) {
	tests := []struct {
		percentage float64
		threshold  float64
		expected   bool
	}{
		{80, 70, true},
		{65, 70, false},
		{70, 70, true},
		{0, 0, true},
		{99.99, 100, false},
	}

	for _, test := range tests {
		if got := Verdict(test.percentage, test.threshold); got != test.expected {
			t.Errorf("Verdict(%v, %v) = %v, expected %v", test.percentage, test.threshold, got, test.expected)
		}
	}
}

func TestCompare_ValidationNoNetwork(t *testing.T) {
	remote := &fakeRemote{resp: &api.CompareResp{Similarity: 0.1}}
	p := NewPipeline(remote, DefaultThreshold)

	released := audio.NewArtifact([]byte("x"), "audio/webm", 0)
	released.Release()

	tests := []struct {
		name string
		req  Request
	}{
		{"missing reference", Request{Artifact: audio.NewArtifact([]byte("x"), "audio/webm", 0)}},
		{"blank reference", Request{ReferenceID: "  ", Artifact: audio.NewArtifact([]byte("x"), "audio/webm", 0)}},
		{"missing artifact", Request{ReferenceID: "7"}},
		{"released artifact", Request{ReferenceID: "7", Artifact: released}},
		{"both missing", Request{}},
	}

	for _, test := range tests {
		_, err := p.Compare(context.Background(), test.req)
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("%s: expected ValidationError, got %v", test.name, err)
		}
	}

	if remote.calls != 0 {
		t.Errorf("Expected no network calls, got %d", remote.calls)
	}
	if p.Last() != nil {
		t.Error("Expected no result after validation failures")
	}

	_, err := p.Compare(context.Background(), Request{})
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) || len(verr.Fields) != 2 {
		t.Errorf("Expected both fields reported, got %v", err)
	}
}

func TestCompare_EndToEnd(t *testing.T) {
	stored := embedding(128, 0.1)
	fresh := embedding(128, 0.2)
	remote := &fakeRemote{resp: &api.CompareResp{Similarity: 0.35, StoredEmbedding: stored, NewEmbedding: fresh}}
	p := NewPipeline(remote, DefaultThreshold)

	artifact := audio.NewArtifact([]byte("ten-seconds-of-webm"), "audio/webm", 10*time.Second)
	res, err := p.Compare(context.Background(), Request{ReferenceID: "7", Artifact: artifact})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if remote.userID != "7" || remote.file.Name != "user_audio.webm" || remote.file.ContentType != "audio/webm" {
		t.Errorf("Unexpected request user=%s file=%+v", remote.userID, remote.file)
	}
	if math.Abs(res.Percentage-65.0) > 1e-9 {
		t.Errorf("Expected 65.0%%, got %v", res.Percentage)
	}
	if res.Match {
		t.Error("Expected no match at threshold 70")
	}
	if res.Summary() != "Voice Mismatch" {
		t.Errorf("Unexpected summary %q", res.Summary())
	}
	if res.Message() != "Similarity: 65.00%. Voice not verified." {
		t.Errorf("Unexpected message %q", res.Message())
	}
	if len(res.StoredEmbedding) != 128 || len(res.NewEmbedding) != 128 {
		t.Errorf("Expected full embeddings, got %d/%d", len(res.StoredEmbedding), len(res.NewEmbedding))
	}
	if res.ArtifactID != artifact.ID.String() {
		t.Error("Expected result to record the triggering artifact")
	}
	if p.Last() != res {
		t.Error("Expected result to become the last result")
	}
}

func TestCompare_NetworkErrorKeepsLastResult(t *testing.T) {
	remote := &fakeRemote{resp: &api.CompareResp{Similarity: 0.2}}
	p := NewPipeline(remote, DefaultThreshold)
	artifact := audio.NewArtifact([]byte("x"), "audio/webm", 0)

	first, err := p.Compare(context.Background(), Request{ReferenceID: "1", Artifact: artifact})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !first.Match {
		t.Error("Expected 80% to match at 70")
	}

	remote.err = &apperr.NetworkError{Op: "compare audio", Status: 500}
	_, err = p.Compare(context.Background(), Request{ReferenceID: "1", Artifact: artifact})
	if !errors.Is(err, apperr.ErrNetwork) {
		t.Fatalf("Expected NetworkError, got %v", err)
	}
	if remote.calls != 2 {
		t.Errorf("Expected no retry, got %d calls", remote.calls)
	}
	if p.Last() != first {
		t.Error("Expected previous result to be preserved")
	}
	if math.Abs(first.Percentage-80) > 1e-9 {
		t.Errorf("Expected previous result untouched, got %v", first.Percentage)
	}
}

func TestCompare_UnusableSimilarityKeepsLastResult(t *testing.T) {
	remote := &fakeRemote{resp: &api.CompareResp{Similarity: 0.35}}
	p := NewPipeline(remote, DefaultThreshold)
	artifact := audio.NewArtifact([]byte("x"), "audio/webm", 0)

	first, err := p.Compare(context.Background(), Request{ReferenceID: "7", Artifact: artifact})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	bad := map[string]*api.CompareResp{
		"nil response": nil,
		"NaN":          {Similarity: math.NaN()},
		"+Inf":         {Similarity: math.Inf(1)},
		"-Inf":         {Similarity: math.Inf(-1)},
	}
	for name, resp := range bad {
		remote.resp = resp
		res, err := p.Compare(context.Background(), Request{ReferenceID: "7", Artifact: artifact})
		if !errors.Is(err, apperr.ErrNetwork) {
			t.Errorf("%s: expected NetworkError, got res %+v, err %v", name, res, err)
		}
		if res != nil {
			t.Errorf("%s: expected no result, got %+v", name, res)
		}
		if p.Last() != first {
			t.Errorf("%s: expected previous result to be preserved", name)
		}
	}
}

func TestCompare_ResultsReplacedWholesale(t *testing.T) {
	remote := &fakeRemote{resp: &api.CompareResp{Similarity: 0.1, StoredEmbedding: []float64{1, 2}, NewEmbedding: []float64{3, 4}}}
	p := NewPipeline(remote, DefaultThreshold)
	artifact := audio.NewArtifact([]byte("x"), "audio/webm", 0)

	first, _ := p.Compare(context.Background(), Request{ReferenceID: "1", Artifact: artifact})

	remote.resp = &api.CompareResp{Similarity: 0.9, NewEmbedding: []float64{5}}
	second, _ := p.Compare(context.Background(), Request{ReferenceID: "1", Artifact: artifact})

	if p.Last() != second {
		t.Error("Expected second result to replace the first")
	}
	if len(first.StoredEmbedding) != 2 || first.NewEmbedding[0] != 3 {
		t.Error("Expected first result to remain unchanged")
	}
	if second.StoredEmbedding != nil {
		t.Error("Expected embeddings to be replaced, not merged")
	}
}

func TestThreshold(t *testing.T) {
	remote := &fakeRemote{resp: &api.CompareResp{Similarity: 0.35}}
	p := NewPipeline(remote, DefaultThreshold)
	artifact := audio.NewArtifact([]byte("x"), "audio/webm", 0)

	if err := p.SetThreshold(60); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	res, _ := p.Compare(context.Background(), Request{ReferenceID: "7", Artifact: artifact})
	if !res.Match || res.Threshold != 60 {
		t.Errorf("Expected match at threshold 60, got %+v", res)
	}

	for _, bad := range []float64{-1, 100.5} {
		if err := p.SetThreshold(bad); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("SetThreshold(%v): expected ValidationError, got %v", bad, err)
		}
	}
	if p.Threshold() != 60 {
		t.Errorf("Expected threshold to stay 60, got %v", p.Threshold())
	}

	if NewPipeline(remote, 250).Threshold() != DefaultThreshold {
		t.Error("Expected out-of-range threshold to fall back to the default")
	}
}

func TestRun_DoesNotCommit(t *testing.T) {
	remote := &fakeRemote{resp: &api.CompareResp{Similarity: 0.5}}
	p := NewPipeline(remote, DefaultThreshold)

	res, err := p.Run(context.Background(), Request{ReferenceID: "3", Artifact: audio.NewArtifact([]byte("x"), "", 0)})
	if err != nil || res == nil {
		t.Fatalf("Expected result, got %v", err)
	}
	if p.Last() != nil {
		t.Error("Expected Run to leave the last result alone")
	}
}
