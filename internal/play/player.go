package play

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// players in order of preference
var players = []string{"vlc", "mpv", "ffplay", "aplay"}

type Player struct {
	lookPath func(string) (string, error)
}

func New() *Player {
	return &Player{lookPath: exec.LookPath}
}

// Play blocks until playback of audioFile finishes or ctx is cancelled.
func (p *Player) Play(ctx context.Context, audioFile string) error {
	if _, err := os.Stat(audioFile); err != nil {
		return fmt.Errorf("audio file not found: %s", audioFile)
	}

	player, err := p.findAudioPlayer(audioFile)
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	cmd, err := playerCommand(ctx, player, audioFile)
	if err != nil {
		return err
	}

	slog.Info("Playing recording", "file", audioFile, "player", player)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	slog.Debug("Playback completed", "file", audioFile)
	return nil
}

func (p *Player) findAudioPlayer(audioFile string) (string, error) {
	for _, player := range players {
		// aplay only plays WAV
		if player == "aplay" && !isWAV(audioFile) {
			continue
		}
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}

func playerCommand(ctx context.Context, player, audioFile string) (*exec.Cmd, error) {
	switch player {
	case "vlc":
		return exec.CommandContext(ctx, "vlc", "--play-and-exit", "--intf", "dummy", audioFile), nil
	case "mpv":
		return exec.CommandContext(ctx, "mpv", "--no-video", audioFile), nil
	case "ffplay":
		return exec.CommandContext(ctx, "ffplay", "-nodisp", "-autoexit", "-loglevel", "error", audioFile), nil
	case "aplay":
		if !isWAV(audioFile) {
			return nil, fmt.Errorf("aplay requires WAV format: %s", audioFile)
		}
		return exec.CommandContext(ctx, "aplay", audioFile), nil
	default:
		return nil, fmt.Errorf("unsupported player: %s", player)
	}
}

func isWAV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".wav")
}
