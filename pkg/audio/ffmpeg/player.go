package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/MrWong99/babelcast/pkg/audio/playback"
)

// Compile-time interface assertion.
var _ playback.Player = (*Player)(nil)

// Player plays each item by piping its bytes into ffplay. The container is
// sniffed by ffplay, so MimeType is informational only.
type Player struct {
	command string
	args    []string
}

// PlayerOption configures a [Player].
type PlayerOption func(*Player)

// WithPlayerCommand replaces the executable and, when args is non-empty, the
// full argument list. The clip is always written to the process's stdin.
func WithPlayerCommand(name string, args ...string) PlayerOption {
	return func(p *Player) {
		p.command = name
		if len(args) > 0 {
			p.args = args
		}
	}
}

// NewPlayer returns a Player that runs ffplay without a display window.
func NewPlayer(opts ...PlayerOption) *Player {
	p := &Player{
		command: "ffplay",
		args:    []string{"-nodisp", "-autoexit", "-loglevel", "quiet", "-i", "pipe:0"},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Play implements [playback.Player]. It blocks until ffplay exits. Cancelling
// ctx kills the process and returns ctx.Err().
func (p *Player) Play(ctx context.Context, item playback.Item) error {
	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Stdin = bytes.NewReader(item.Audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg: play %d bytes: %w: %s", len(item.Audio), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
