package audio

import (
	"errors"
	"strings"
	"testing"

	"github.com/audiolibrelab/voicecapture/internal/capture"
	"github.com/audiolibrelab/voicecapture/internal/config"
)

func withProbes(t *testing.T, malgoOK, ffmpegOK bool) {
	t.Helper()
	prevMalgo, prevFFmpeg := malgoAvailable, ffmpegAvailable
	malgoAvailable = func() bool { return malgoOK }
	ffmpegAvailable = func() bool { return ffmpegOK }
	t.Cleanup(func() {
		malgoAvailable, ffmpegAvailable = prevMalgo, prevFFmpeg
	})
}

func TestDetermineBackend(t *testing.T) {
	tests := []struct {
		name     string
		backend  string
		malgoOK  bool
		ffmpegOK bool
		want     BackendType
	}{
		{"explicit malgo", "malgo", false, true, BackendTypeMalgo},
		{"explicit ffmpeg", "FFmpeg", true, true, BackendTypeFFmpeg},
		{"auto prefers malgo", "auto", true, true, BackendTypeMalgo},
		{"auto falls back to ffmpeg", "auto", false, true, BackendTypeFFmpeg},
		{"auto with nothing available", "", false, false, BackendTypeMalgo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withProbes(t, tt.malgoOK, tt.ffmpegOK)
			cfg := config.Default()
			cfg.Audio.Backend = tt.backend
			if got := determineBackend(cfg); got != tt.want {
				t.Errorf("determineBackend() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewDeviceUsesConfiguredSource(t *testing.T) {
	withProbes(t, true, true)
	cfg := config.Default()
	cfg.Audio.Backend = "ffmpeg"
	cfg.Audio.Source = "alsa_input.usb-mic"
	cfg.Audio.InputFormat = "alsa"

	dev, backend := NewDevice(cfg)
	if backend != BackendTypeFFmpeg {
		t.Fatalf("Expected ffmpeg backend, got %s", backend)
	}
	ff, ok := dev.(*FFmpegDevice)
	if !ok {
		t.Fatalf("Expected *FFmpegDevice, got %T", dev)
	}
	if ff.Source != "alsa_input.usb-mic" || ff.InputFormat != "alsa" {
		t.Errorf("Unexpected device settings: %+v", ff)
	}

	cfg.Audio.Backend = "malgo"
	dev, _ = NewDevice(cfg)
	if m, ok := dev.(*MalgoDevice); !ok || m.Source != "alsa_input.usb-mic" {
		t.Errorf("Expected malgo device on the configured source, got %#v", dev)
	}
}

func TestGetAvailableBackends(t *testing.T) {
	withProbes(t, false, true)
	got := GetAvailableBackends()
	if len(got) != 1 || got[0] != BackendTypeFFmpeg {
		t.Errorf("Expected only ffmpeg, got %v", got)
	}
}

func sourcesNamed(names ...string) []Source {
	sources := make([]Source, len(names))
	for i, n := range names {
		sources[i] = Source{Name: n}
	}
	return sources
}

func TestValidateSource_Success(t *testing.T) {
	sources := sourcesNamed("alsa_input.usb-mic", "alsa_output.monitor")
	if err := ValidateSource("alsa_input.usb-mic", sources); err != nil {
		t.Errorf("Expected no error for valid single source, got: %v", err)
	}
}

func TestValidateSource_NotFound(t *testing.T) {
	err := ValidateSource("nonexistent", sourcesNamed("alsa_input.usb-mic"))
	if err == nil {
		t.Fatal("Expected error for nonexistent source")
	}
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable, got: %v", err)
	}
	if !strings.Contains(err.Error(), "source not found") {
		t.Errorf("Expected 'source not found' error, got: %v", err)
	}
}

func TestValidateSource_DuplicateDetection(t *testing.T) {
	sources := sourcesNamed(
		"USB Microphone",
		"USB Microphone", // same name twice
		"USB Microphone 2",
	)
	err := ValidateSource("USB Microphone", sources)
	if err == nil {
		t.Fatal("Expected error for duplicate sources")
	}
	if !strings.Contains(err.Error(), "duplicate sources detected") {
		t.Errorf("Expected 'duplicate sources detected' error, got: %v", err)
	}
}

func TestValidateSource_EmptyAndDefault(t *testing.T) {
	if err := ValidateSource("", nil); err != nil {
		t.Errorf("Expected no error for empty string, got: %v", err)
	}
	if err := ValidateSource("default", nil); err != nil {
		t.Errorf("Expected no error for 'default', got: %v", err)
	}
}

func TestFindSourceDuplicates_SimilarNames(t *testing.T) {
	sources := sourcesNamed("Headset", "Headset (2)", "Headset-2", "Built-in")
	duplicates := findSourceDuplicates("Headset", sources)
	if len(duplicates) != 1 {
		t.Errorf("Expected 1 match (itself), got %d: %v", len(duplicates), duplicates)
	}
}

func TestParsePulseSources(t *testing.T) {
	output := "0\talsa_output.pci-0000_00_1f.3.analog-stereo.monitor\tmodule-alsa-card.c\ts16le 2ch 48000Hz\tSUSPENDED\n" +
		"1\talsa_input.pci-0000_00_1f.3.analog-stereo\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tRUNNING\n" +
		"\n" +
		"garbage line\n"

	sources := parsePulseSources(output)
	if len(sources) != 2 {
		t.Fatalf("Expected 2 sources, got %d: %v", len(sources), sources)
	}
	if !sources[0].Monitor {
		t.Errorf("Expected first source to be a monitor")
	}
	if sources[1].Monitor {
		t.Errorf("Expected second source not to be a monitor")
	}
	if sources[1].Name != "alsa_input.pci-0000_00_1f.3.analog-stereo" {
		t.Errorf("Unexpected name %q", sources[1].Name)
	}
	if sources[1].Description != "s16le 2ch 44100Hz" {
		t.Errorf("Unexpected description %q", sources[1].Description)
	}
}
