package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// ffmpeg exits within this window when the device cannot be opened
	startupGrace = 300 * time.Millisecond
	stopTimeout  = 5 * time.Second
)

// ffmpegStream is one running ffmpeg capture process.
type ffmpegStream struct {
	cmd      *exec.Cmd
	mimeType string

	stdout bytes.Buffer
	stderr bytes.Buffer

	done    chan struct{}
	waitErr error

	once sync.Once
}

func startFFmpegStream(ctx context.Context, binary string, args []string, mimeType string) (*ffmpegStream, error) {
	s := &ffmpegStream{
		cmd:      exec.Command(binary, args...),
		mimeType: mimeType,
		done:     make(chan struct{}),
	}
	s.cmd.Stdout = &s.stdout
	s.cmd.Stderr = &s.stderr

	if err := s.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	go func() {
		s.waitErr = s.cmd.Wait()
		close(s.done)
	}()

	select {
	case <-s.done:
		return nil, fmt.Errorf("FFmpeg exited during startup: %s", s.stderrSummary())
	case <-ctx.Done():
		s.kill()
		return nil, ctx.Err()
	case <-time.After(startupGrace):
	}

	slog.Debug("FFmpeg capture running", "pid", s.cmd.Process.Pid)
	return s, nil
}

// Finish interrupts ffmpeg so it flushes the container and returns the
// encoded clip.
func (s *ffmpegStream) Finish() ([]byte, string, error) {
	if err := s.stop(); err != nil {
		return nil, "", err
	}

	if s.stdout.Len() == 0 {
		return nil, "", fmt.Errorf("recording failed: FFmpeg produced no audio (%s)", s.stderrSummary())
	}

	slog.Debug("FFmpeg capture completed", "bytes", s.stdout.Len())
	data := make([]byte, s.stdout.Len())
	copy(data, s.stdout.Bytes())
	return data, s.mimeType, nil
}

// Abort kills ffmpeg and drops the output.
func (s *ffmpegStream) Abort() error {
	s.kill()
	s.stdout.Reset()
	return nil
}

// stop sends SIGINT and waits for ffmpeg to exit, killing it after the
// timeout.
func (s *ffmpegStream) stop() error {
	var result error

	s.once.Do(func() {
		select {
		case <-s.done:
			// Already exited on its own
		default:
			slog.Debug("Sending SIGINT to FFmpeg process")
			if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
				slog.Debug("Failed to send interrupt to FFmpeg, falling back to SIGKILL", "error", err)
				s.cmd.Process.Kill()
			}

			select {
			case <-s.done:
			case <-time.After(stopTimeout):
				slog.Warn("FFmpeg did not exit within timeout, force killing")
				s.cmd.Process.Kill()
				<-s.done
			}
		}

		if !isGracefulExit(s.waitErr) {
			slog.Debug("FFmpeg stderr", "output", s.stderr.String())
			result = fmt.Errorf("FFmpeg process failed: %w", s.waitErr)
		}
	})

	return result
}

func (s *ffmpegStream) kill() {
	s.once.Do(func() {
		select {
		case <-s.done:
		default:
			s.cmd.Process.Kill()
			<-s.done
		}
	})
}

func (s *ffmpegStream) stderrSummary() string {
	out := strings.TrimSpace(s.stderr.String())
	if out == "" {
		return "no diagnostics"
	}
	if lines := strings.Split(out, "\n"); len(lines) > 1 {
		return lines[len(lines)-1]
	}
	return out
}

// isGracefulExit reports whether ffmpeg ended because it was told to.
func isGracefulExit(err error) bool {
	if err == nil {
		return true
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	// Exit code 255 means the process was interrupted gracefully
	if exitErr.ExitCode() == 255 {
		return true
	}
	if exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		return state == "signal: interrupt" || state == "signal: killed"
	}
	return false
}
