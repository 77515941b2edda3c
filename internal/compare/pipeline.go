// Package compare turns a remote similarity distance into a match verdict.
package compare

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/voicecheck/internal/api"
	"github.com/audiolibrelab/voicecheck/internal/apperr"
	"github.com/audiolibrelab/voicecheck/internal/audio"
)

const DefaultThreshold = 70.0

// Remote is the comparison endpoint of the embedding service.
type Remote interface {
	CompareAudio(ctx context.Context, userID string, audio api.AudioFile) (*api.CompareResp, error)
}

// Request is one comparison of a captured clip against a reference user.
type Request struct {
	ReferenceID string
	Artifact    *audio.Artifact
}

// Result is immutable once built. Percentage keeps full precision; round
// only when presenting.
type Result struct {
	ID              string    `json:"id" msgpack:"id"`
	ReferenceID     string    `json:"reference_id" msgpack:"reference_id"`
	ArtifactID      string    `json:"artifact_id" msgpack:"artifact_id"`
	Distance        float64   `json:"distance" msgpack:"distance"`
	Percentage      float64   `json:"percentage" msgpack:"percentage"`
	Threshold       float64   `json:"threshold" msgpack:"threshold"`
	Match           bool      `json:"match" msgpack:"match"`
	StoredEmbedding []float64 `json:"stored_embedding" msgpack:"stored_embedding"`
	NewEmbedding    []float64 `json:"new_embedding" msgpack:"new_embedding"`
	ComparedAt      time.Time `json:"compared_at" msgpack:"compared_at"`
}

// Summary is the short verdict label.
func (r *Result) Summary() string {
	if r.Match {
		return "Voice Match"
	}
	return "Voice Mismatch"
}

// Message is the verdict sentence shown to the operator.
func (r *Result) Message() string {
	verdict := "not verified"
	if r.Match {
		verdict = "verified"
	}
	return fmt.Sprintf("Similarity: %.2f%%. Voice %s.", r.Percentage, verdict)
}

// MatchPercentage converts a distance (lower is more similar) to a score.
func MatchPercentage(distance float64) float64 {
	return (1 - distance) * 100
}

// Verdict reports whether a percentage meets the threshold.
func Verdict(percentage, threshold float64) bool {
	return percentage >= threshold
}

// ValidateThreshold checks the supported threshold range.
func ValidateThreshold(t float64) error {
	if t < 0 || t > 100 {
		return apperr.NewValidationError("threshold", fmt.Sprintf("must be within [0, 100], got %.1f", t))
	}
	return nil
}

// Pipeline runs comparisons and keeps the last accepted result.
type Pipeline struct {
	remote Remote

	mu        sync.Mutex
	threshold float64
	last      *Result
}

func NewPipeline(remote Remote, threshold float64) *Pipeline {
	if ValidateThreshold(threshold) != nil {
		threshold = DefaultThreshold
	}
	return &Pipeline{remote: remote, threshold: threshold}
}

func (p *Pipeline) Threshold() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.threshold
}

// SetThreshold changes the threshold applied to later comparisons.
func (p *Pipeline) SetThreshold(t float64) error {
	if err := ValidateThreshold(t); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threshold = t
	return nil
}

// Compare runs a comparison and makes it the last result.
func (p *Pipeline) Compare(ctx context.Context, req Request) (*Result, error) {
	res, err := p.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	p.Commit(res)
	return res, nil
}

// Run performs the comparison without touching the last result. Missing
// inputs fail with a ValidationError before anything is sent; remote
// failures are NetworkErrors and are never retried.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	file, err := validate(req)
	if err != nil {
		return nil, err
	}

	threshold := p.Threshold()

	slog.Info("Comparing voice sample", "reference", req.ReferenceID, "artifact", req.Artifact.ID, "bytes", len(file.Data))
	resp, err := p.remote.CompareAudio(ctx, req.ReferenceID, file)
	if err != nil {
		slog.Warn("Comparison failed", "reference", req.ReferenceID, "error", err)
		return nil, err
	}
	if resp == nil || math.IsNaN(resp.Similarity) || math.IsInf(resp.Similarity, 0) {
		err := &apperr.NetworkError{Op: "compare audio", Err: fmt.Errorf("response has no usable similarity")}
		slog.Warn("Comparison failed", "reference", req.ReferenceID, "error", err)
		return nil, err
	}

	pct := MatchPercentage(resp.Similarity)
	res := &Result{
		ID:              uuid.NewString(),
		ReferenceID:     req.ReferenceID,
		ArtifactID:      req.Artifact.ID.String(),
		Distance:        resp.Similarity,
		Percentage:      pct,
		Threshold:       threshold,
		Match:           Verdict(pct, threshold),
		StoredEmbedding: resp.StoredEmbedding,
		NewEmbedding:    resp.NewEmbedding,
		ComparedAt:      time.Now(),
	}

	slog.Info("Comparison complete", "reference", req.ReferenceID, "distance", res.Distance,
		"percentage", res.Percentage, "threshold", threshold, "match", res.Match)
	return res, nil
}

// Commit replaces the last result wholesale.
func (p *Pipeline) Commit(res *Result) {
	if res == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = res
}

// Last returns the last accepted result, nil before the first one.
func (p *Pipeline) Last() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func validate(req Request) (api.AudioFile, error) {
	verr := &apperr.ValidationError{}

	if strings.TrimSpace(req.ReferenceID) == "" {
		verr.Add("reference", "select a reference user")
	}

	var data []byte
	if req.Artifact == nil {
		verr.Add("audio", "record a voice sample first")
	} else {
		b, err := req.Artifact.Bytes()
		switch {
		case err != nil:
			verr.Add("audio", "the voice sample has been discarded")
		case len(b) == 0:
			verr.Add("audio", "the voice sample is empty")
		default:
			data = b
		}
	}

	if err := verr.OrNil(); err != nil {
		return api.AudioFile{}, err
	}

	return api.AudioFile{
		Name:        req.Artifact.Filename("user_audio"),
		ContentType: req.Artifact.MIMEType,
		Data:        data,
	}, nil
}
