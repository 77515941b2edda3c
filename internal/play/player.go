package play

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Backend starts playback of a file at an offset.
type Backend interface {
	Start(path string, offset time.Duration) (Process, error)
}

// Process is one running playback. Done is closed when it exits, whether
// stopped or finished on its own.
type Process interface {
	Stop() error
	Done() <-chan struct{}
}

// ExecPlayer plays audio through an external command line player.
type ExecPlayer struct {
	player string
}

// NewExecPlayer resolves the player to use. "auto" picks the first one
// found in PATH.
func NewExecPlayer(player string) (*ExecPlayer, error) {
	if player == "" || player == "auto" {
		found, err := findAudioPlayer()
		if err != nil {
			return nil, fmt.Errorf("no suitable audio player found: %w", err)
		}
		player = found
	} else if _, err := exec.LookPath(player); err != nil {
		return nil, fmt.Errorf("audio player %s not found in PATH: %w", player, err)
	}
	return &ExecPlayer{player: player}, nil
}

// Name returns the resolved player executable.
func (p *ExecPlayer) Name() string {
	return p.player
}

func (p *ExecPlayer) Start(path string, offset time.Duration) (Process, error) {
	args, err := playerArgs(p.player, path, offset)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(p.player, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("playback failed to start with %s: %w", p.player, err)
	}
	slog.Debug("Playback process started", "player", p.player, "offset", offset, "pid", cmd.Process.Pid)

	proc := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		slog.Debug("Playback process exited", "player", p.player, "error", err)
		close(proc.done)
	}()
	return proc, nil
}

// playerArgs builds the command line for each supported player. Players
// that cannot start at an offset are not supported.
func playerArgs(player, path string, offset time.Duration) ([]string, error) {
	seconds := strconv.FormatFloat(offset.Seconds(), 'f', 3, 64)

	switch player {
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "error", "-ss", seconds, path}, nil
	case "mpv":
		return []string{"--no-video", "--really-quiet", "--start=" + seconds, path}, nil
	case "vlc":
		return []string{"--intf", "dummy", "--play-and-exit", "--start-time=" + seconds, path}, nil
	default:
		return nil, fmt.Errorf("unsupported player: %s", player)
	}
}

func findAudioPlayer() (string, error) {
	// List of preferred audio players in order of preference
	players := []string{"ffplay", "mpv", "vlc"}

	for _, player := range players {
		if _, err := exec.LookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Stop() error {
	var err error
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if killErr := p.cmd.Process.Kill(); killErr != nil {
			err = fmt.Errorf("failed to stop player: %w", killErr)
		}
		<-p.done
	})
	return err
}
