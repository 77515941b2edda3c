package play

import (
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Prober reads the duration of an audio file.
type Prober interface {
	Duration(path string) (time.Duration, error)
}

// FFProbe reads durations with ffprobe.
type FFProbe struct{}

func (FFProbe) Duration(path string) (time.Duration, error) {
	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseDuration(string(output))
}

// parseDuration parses ffprobe's duration output. Streamed webm captures
// often carry no duration and ffprobe prints N/A.
func parseDuration(output string) (time.Duration, error) {
	value := strings.TrimSpace(output)
	if value == "" || value == "N/A" {
		return 0, fmt.Errorf("duration not available")
	}

	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
