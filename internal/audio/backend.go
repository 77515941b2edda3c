package audio

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/voicecheck/internal/config"
)

// BackendType represents the type of capture backend
type BackendType string

const (
	BackendTypeFFmpeg BackendType = "ffmpeg"
	BackendTypeAuto   BackendType = "auto"
)

// CaptureBackend acquires the capture device. Each Open starts one
// independent capture stream.
type CaptureBackend interface {
	Open(ctx context.Context) (CaptureStream, error)

	// List available capture sources
	ListSources() ([]Source, error)

	// Validate if a source is available
	ValidateSource(name string) error

	// Get the backend type
	GetType() BackendType
}

// CaptureStream is one running capture. Exactly one of Finish or Abort is
// called by the owner.
type CaptureStream interface {
	// Finish stops capturing and returns the encoded payload and its MIME type.
	Finish() ([]byte, string, error)
	// Abort stops capturing and drops everything captured so far.
	Abort() error
}

// Source is one capture device reported by the backend.
type Source struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Default     bool   `json:"default"`
}

// NewBackend creates a capture backend based on configuration
func NewBackend(cfg config.CaptureConfig) (CaptureBackend, error) {
	switch determineBackend(cfg) {
	case BackendTypeFFmpeg:
		return NewFFmpegBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported capture backend: %s", cfg.Backend)
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg config.CaptureConfig) BackendType {
	switch strings.ToLower(cfg.Backend) {
	case "ffmpeg", "auto", "":
		// ffmpeg is the only capture backend
		return BackendTypeFFmpeg
	}
	return BackendType(cfg.Backend)
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	var backends []BackendType
	if _, err := exec.LookPath("ffmpeg"); err == nil {
		backends = append(backends, BackendTypeFFmpeg)
	}
	return backends
}
