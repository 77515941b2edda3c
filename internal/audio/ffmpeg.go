package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/audiolibrelab/voicecheck/internal/config"
)

// FFmpegBackend captures from the system audio stack through an ffmpeg
// child process writing the encoded clip to stdout.
type FFmpegBackend struct {
	cfg    config.CaptureConfig
	binary string
}

// NewFFmpegBackend creates a new ffmpeg-based backend
func NewFFmpegBackend(cfg config.CaptureConfig) *FFmpegBackend {
	return &FFmpegBackend{cfg: cfg, binary: "ffmpeg"}
}

func (b *FFmpegBackend) GetType() BackendType {
	return BackendTypeFFmpeg
}

// Open starts ffmpeg on the configured device. Failures to launch or an
// early exit are reported as device access errors by the caller.
func (b *FFmpegBackend) Open(ctx context.Context) (CaptureStream, error) {
	if _, err := exec.LookPath(b.binary); err != nil {
		return nil, fmt.Errorf("%s not found in PATH: %w", b.binary, err)
	}

	args := b.captureArgs()
	slog.Info("Starting FFmpeg capture", "command", b.binary+" "+strings.Join(args, " "))

	stream, err := startFFmpegStream(ctx, b.binary, args, b.mimeType())
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (b *FFmpegBackend) mimeType() string {
	if b.cfg.MIMEType == "" {
		return DefaultMIMEType
	}
	return b.cfg.MIMEType
}

// captureArgs builds the ffmpeg command line for a mono capture encoded to
// the configured container.
func (b *FFmpegBackend) captureArgs() []string {
	codec, container := encodingFor(b.mimeType())

	device := b.cfg.Device
	if device == "" {
		device = "default"
	}
	sampleRate := b.cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 48000
	}

	logLevel := os.Getenv("FFMPEG_LOGLEVEL")
	if logLevel == "" {
		logLevel = "error"
	}

	return []string{
		"-hide_banner",
		"-nostdin",
		"-loglevel", logLevel,
		"-f", b.cfg.InputFormat,
		"-i", device,
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"-c:a", codec,
		"-f", container,
		"pipe:1",
	}
}

// encodingFor maps a MIME type to an ffmpeg codec and muxer.
func encodingFor(mimeType string) (codec, container string) {
	switch mimeType {
	case "audio/ogg":
		return "libopus", "ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "pcm_s16le", "wav"
	case "audio/mpeg":
		return "libmp3lame", "mp3"
	case "audio/flac", "audio/x-flac":
		return "flac", "flac"
	default:
		return "libopus", "webm"
	}
}

// ListSources returns the capture devices ffmpeg reports for the configured
// input format.
func (b *FFmpegBackend) ListSources() ([]Source, error) {
	cmd := exec.Command(b.binary, "-hide_banner", "-sources", b.cfg.InputFormat)
	output, err := cmd.CombinedOutput()
	// ffmpeg exits non-zero after listing on some builds, so only fail when
	// nothing was listed
	sources := parseSources(string(output))
	if err != nil && len(sources) == 0 {
		return nil, fmt.Errorf("failed to list %s sources: %w", b.cfg.InputFormat, err)
	}
	return sources, nil
}

// ValidateSource checks if a specific source exists
func (b *FFmpegBackend) ValidateSource(name string) error {
	if name == "" || name == "default" {
		return nil
	}

	sources, err := b.ListSources()
	if err != nil {
		return err
	}
	return findSource(name, sources)
}

func findSource(name string, sources []Source) error {
	matches := 0
	for _, s := range sources {
		if s.Name == name {
			matches++
		}
	}
	switch {
	case matches == 0:
		return fmt.Errorf("source not found: %s", name)
	case matches > 1:
		return fmt.Errorf("duplicate sources detected for '%s'", name)
	}
	return nil
}

// parseSources parses the output of `ffmpeg -sources <format>`:
//
//	Auto-detected sources for pulse:
//	* alsa_input.pci-0000_00_1f.3.analog-stereo [Built-in Audio Analog Stereo]
//	  alsa_output.pci-0000_00_1f.3.analog-stereo.monitor [Monitor of Built-in Audio]
func parseSources(output string) []Source {
	var sources []Source

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasSuffix(trimmed, ":") {
			continue
		}

		var src Source
		if strings.HasPrefix(trimmed, "* ") {
			src.Default = true
			trimmed = strings.TrimSpace(trimmed[2:])
		} else if !strings.HasPrefix(line, " ") {
			// Diagnostics are not indented
			continue
		}

		if i := strings.Index(trimmed, " ["); i >= 0 && strings.HasSuffix(trimmed, "]") {
			src.Description = trimmed[i+2 : len(trimmed)-1]
			trimmed = trimmed[:i]
		}
		src.Name = trimmed
		sources = append(sources, src)
	}

	return sources
}
