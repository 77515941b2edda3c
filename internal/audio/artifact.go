package audio

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultMIMEType = "audio/webm"

// ErrArtifactReleased is returned when a released artifact is used again.
var ErrArtifactReleased = errors.New("audio artifact has been released")

// Artifact is the captured audio payload produced by a finished recording.
// It is owned by exactly one session; Release frees the payload and removes
// the temporary file handed to players.
type Artifact struct {
	ID        uuid.UUID
	MIMEType  string
	Duration  time.Duration // elapsed recording time, 0 when unknown
	CreatedAt time.Time

	mu       sync.Mutex
	data     []byte
	handle   string
	released bool
}

// NewArtifact wraps a captured payload.
func NewArtifact(data []byte, mimeType string, duration time.Duration) *Artifact {
	if mimeType == "" {
		mimeType = DefaultMIMEType
	}
	return &Artifact{
		ID:        uuid.New(),
		MIMEType:  mimeType,
		Duration:  duration,
		CreatedAt: time.Now(),
		data:      data,
	}
}

// LoadArtifact reads a previously saved clip from disk.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio file: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("audio file is empty: %s", path)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	if !strings.HasPrefix(mimeType, "audio/") {
		mimeType = DefaultMIMEType
	}

	return NewArtifact(data, mimeType, 0), nil
}

// Bytes returns the payload. The slice must not be modified.
func (a *Artifact) Bytes() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.released {
		return nil, ErrArtifactReleased
	}
	return a.data, nil
}

// Size returns the payload size in bytes, 0 once released.
func (a *Artifact) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

// Filename returns stem with the extension matching the MIME type.
func (a *Artifact) Filename(stem string) string {
	return stem + ExtensionFor(a.MIMEType)
}

// Handle returns a filesystem path holding the payload, creating it on
// first use. The file lives until Release.
func (a *Artifact) Handle() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.released {
		return "", ErrArtifactReleased
	}
	if a.handle != "" {
		return a.handle, nil
	}

	f, err := os.CreateTemp("", "voicecheck-"+a.ID.String()+"-*"+ExtensionFor(a.MIMEType))
	if err != nil {
		return "", fmt.Errorf("failed to create playback file: %w", err)
	}
	if _, err := f.Write(a.data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write playback file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close playback file: %w", err)
	}

	a.handle = f.Name()
	return a.handle, nil
}

// Save writes the payload to path.
func (a *Artifact) Save(path string) error {
	data, err := a.Bytes()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to save recording: %w", err)
	}
	return nil
}

// Release frees the payload and removes the playback file. Calling it more
// than once is harmless.
func (a *Artifact) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.released {
		return nil
	}
	a.released = true
	a.data = nil

	if a.handle != "" {
		path := a.handle
		a.handle = ""
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove playback file: %w", err)
		}
	}
	return nil
}

// Released reports whether Release has been called.
func (a *Artifact) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// ExtensionFor maps the supported capture MIME types to file extensions.
func ExtensionFor(mimeType string) string {
	switch mimeType {
	case "audio/ogg":
		return ".ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg":
		return ".mp3"
	case "audio/flac", "audio/x-flac":
		return ".flac"
	default:
		return ".webm"
	}
}
