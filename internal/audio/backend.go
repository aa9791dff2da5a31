package audio

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/audiolibrelab/voicecapture/internal/capture"
	"github.com/audiolibrelab/voicecapture/internal/config"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeMalgo  BackendType = "malgo"
	BackendTypeFFmpeg BackendType = "ffmpeg"
	BackendTypeAuto   BackendType = "auto"
)

// Source is a capture device as reported by a backend.
type Source struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default,omitempty"`
	Monitor     bool   `json:"monitor,omitempty"`
}

// probes are replaced in tests.
var (
	malgoAvailable = func() bool {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			slog.Debug("malgo context unavailable", "error", err)
			return false
		}
		_ = ctx.Uninit()
		ctx.Free()
		return true
	}
	ffmpegAvailable = func() bool {
		_, err := exec.LookPath("ffmpeg")
		return err == nil
	}
)

// NewDevice creates the capture device for the configured backend.
func NewDevice(cfg *config.Config) (capture.Device, BackendType) {
	backend := determineBackend(cfg)
	slog.Debug("Selected audio backend", "backend", backend, "source", cfg.Audio.Source)

	switch backend {
	case BackendTypeFFmpeg:
		return &FFmpegDevice{
			InputFormat: cfg.Audio.InputFormat,
			Source:      cfg.Audio.Source,
		}, backend
	default:
		return &MalgoDevice{Source: cfg.Audio.Source}, backend
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg *config.Config) BackendType {
	switch BackendType(strings.ToLower(cfg.Audio.Backend)) {
	case BackendTypeMalgo:
		return BackendTypeMalgo
	case BackendTypeFFmpeg:
		return BackendTypeFFmpeg
	}

	// auto: in-process capture first, ffmpeg when no audio context opens
	if malgoAvailable() {
		return BackendTypeMalgo
	}
	if ffmpegAvailable() {
		return BackendTypeFFmpeg
	}
	return BackendTypeMalgo
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	var backends []BackendType
	if malgoAvailable() {
		backends = append(backends, BackendTypeMalgo)
	}
	if ffmpegAvailable() {
		backends = append(backends, BackendTypeFFmpeg)
	}
	return backends
}

// ListSources lists the capture sources visible to the configured backend.
func ListSources(cfg *config.Config) ([]Source, error) {
	switch determineBackend(cfg) {
	case BackendTypeFFmpeg:
		return listPulseSources()
	default:
		return listMalgoSources()
	}
}

// ValidateSource checks that a named source exists exactly once. An empty
// name selects the system default and is always valid.
func ValidateSource(name string, sources []Source) error {
	if name == "" || name == "default" {
		return nil
	}

	duplicates := findSourceDuplicates(name, sources)
	if len(duplicates) == 0 {
		return fmt.Errorf("%w: source not found: %s", capture.ErrDeviceUnavailable, name)
	}
	if len(duplicates) > 1 {
		return fmt.Errorf("duplicate sources detected for '%s': %d devices share the name", name, len(duplicates))
	}
	return nil
}

func findSourceDuplicates(name string, sources []Source) []Source {
	var duplicates []Source
	for _, s := range sources {
		if s.Name == name {
			duplicates = append(duplicates, s)
		}
	}
	return duplicates
}
