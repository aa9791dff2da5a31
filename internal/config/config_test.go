package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/audiolibrelab/voicecapture/internal/capture"
)

func TestMergeConfigs_ProfileOverridesAndFallback(t *testing.T) {
	base := &Config{
		Audio: AudioConfig{
			Backend:          "malgo",
			Source:           "default-mic",
			SampleRate:       16000,
			Channels:         1,
			NoiseSuppression: boolPtr(true),
		},
		Enrollment: CaptureConfig{MaxDurationSeconds: 30, ChunkIntervalMs: 1000, StopTimeoutMs: 3000, MaxSamples: 5},
		Output:     OutputConfig{Directory: "~/Audio/Default"},
	}

	profile := &Config{
		Audio: AudioConfig{
			SampleRate:       48000,
			NoiseSuppression: boolPtr(false),
		},
		Enrollment: CaptureConfig{MaxDurationSeconds: 20},
		Output:     OutputConfig{Directory: "~/Audio/Studio"},
	}

	result := mergeConfigs(base, profile)

	if result.Audio.SampleRate != 48000 {
		t.Errorf("Expected sample rate 48000, got %d", result.Audio.SampleRate)
	}
	if result.Audio.Backend != "malgo" {
		t.Errorf("Expected inherited backend 'malgo', got %s", result.Audio.Backend)
	}
	if result.Audio.Source != "default-mic" {
		t.Errorf("Expected inherited source 'default-mic', got %s", result.Audio.Source)
	}
	if result.Audio.NoiseSuppression == nil || *result.Audio.NoiseSuppression {
		t.Errorf("Expected explicit noise_suppression=false to survive the merge")
	}
	if result.Enrollment.MaxDurationSeconds != 20 || result.Enrollment.ChunkIntervalMs != 1000 {
		t.Errorf("Enrollment merge incorrect: %+v", result.Enrollment)
	}
	if result.Output.Directory != "~/Audio/Studio" {
		t.Errorf("Expected profile directory, got %s", result.Output.Directory)
	}

	expected := map[string]string{
		"audio.sample_rate":               ProfileSpecific,
		"audio.backend":                   Inherited,
		"audio.source":                    Inherited,
		"audio.noise_suppression":         ProfileSpecific,
		"audio.echo_cancellation":         Inherited,
		"enrollment.max_duration_seconds": ProfileSpecific,
		"enrollment.chunk_interval_ms":    Inherited,
		"output.directory":                ProfileSpecific,
	}
	for field, want := range expected {
		if got := result.Inheritance[field]; got != want {
			t.Errorf("Inheritance[%s] = %q, want %q", field, got, want)
		}
	}
}

func TestMergeConfigs_EmptyProfile(t *testing.T) {
	base := Default()
	result := mergeConfigs(base, &Config{})

	if result.Audio.SampleRate != 16000 || result.Audio.Container != capture.MIMEOggOpus {
		t.Errorf("Expected defaults to be inherited, got %+v", result.Audio)
	}
	for field, mark := range result.Inheritance {
		if mark != Inherited {
			t.Errorf("Expected %s to be inherited, got %s", field, mark)
		}
	}
}

func TestMergeConfigs_NilInputs(t *testing.T) {
	result := mergeConfigs(nil, nil)
	if result == nil || result.Inheritance == nil {
		t.Fatal("Expected non-nil result with inheritance map")
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, _ := os.UserHomeDir()

	tests := []struct {
		input    string
		expected string
	}{
		{"~/Audio", filepath.Join(homeDir, "Audio")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~", "~"},
	}

	for _, test := range tests {
		if result := expandPath(test.input); result != test.expected {
			t.Errorf("expandPath(%s) = %s, expected %s", test.input, result, test.expected)
		}
	}
}

func TestLoadWithProfile_GlobalsOverrideProfile(t *testing.T) {
	configFile := createTempConfig(t, `
active_config: test
globals:
    api:
        base_url: https://voice.example.com
    output:
        directory: /global/recordings
configs:
    default:
        api:
            base_url: http://localhost:9000
    test:
        api:
            timeout_seconds: 5
        output:
            directory: /profile/recordings
`)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Profile != "test" {
		t.Errorf("Expected active profile 'test', got %s", cfg.Profile)
	}
	if cfg.Output.Directory != "/global/recordings" {
		t.Errorf("Expected directory from globals, got '%s'", cfg.Output.Directory)
	}
	if cfg.API.BaseURL != "https://voice.example.com" {
		t.Errorf("Expected base URL from globals, got '%s'", cfg.API.BaseURL)
	}
	if cfg.APITimeout() != 5*time.Second {
		t.Errorf("Expected profile timeout 5s, got %s", cfg.APITimeout())
	}
}

func TestLoadWithProfile_InheritsFromDefaultProfile(t *testing.T) {
	configFile := createTempConfig(t, `
configs:
    default:
        audio:
            backend: ffmpeg
            sample_rate: 48000
            noise_suppression: false
        challenge:
            expiry_seconds: 120
    quiet:
        audio:
            source: alsa_input.usb-mic
`)

	cfg, err := LoadWithProfile(configFile, "quiet")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Audio.Backend != "ffmpeg" || cfg.Audio.SampleRate != 48000 {
		t.Errorf("Expected audio inherited from default profile, got %+v", cfg.Audio)
	}
	if cfg.Audio.Source != "alsa_input.usb-mic" {
		t.Errorf("Expected profile source, got %s", cfg.Audio.Source)
	}
	if cfg.Constraints().NoiseSuppression {
		t.Error("Expected noise suppression disabled by the default profile")
	}
	if !cfg.Constraints().EchoCancellation {
		t.Error("Expected echo cancellation from built-in defaults")
	}
	if cfg.ChallengeExpiry() != 2*time.Minute {
		t.Errorf("Expected challenge expiry 2m, got %s", cfg.ChallengeExpiry())
	}
	if cfg.Enrollment.MaxDurationSeconds != 30 {
		t.Errorf("Expected built-in enrollment max duration, got %d", cfg.Enrollment.MaxDurationSeconds)
	}
	if cfg.Inheritance["audio.source"] != ProfileSpecific || cfg.Inheritance["audio.backend"] != Inherited {
		t.Errorf("Unexpected inheritance: %v", cfg.Inheritance)
	}
}

func TestLoadWithProfile_Policies(t *testing.T) {
	configFile := createTempConfig(t, `
configs:
    default:
        enrollment:
            max_duration_seconds: 15
            chunk_interval_ms: 500
`)

	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	enroll := cfg.Policy(capture.KindEnrollment)
	if enroll.MaxDuration != 15*time.Second || enroll.ChunkInterval != 500*time.Millisecond || enroll.StopTimeout != 3*time.Second {
		t.Errorf("Unexpected enrollment policy: %+v", enroll)
	}
	if err := enroll.Validate(); err != nil {
		t.Errorf("Expected valid policy: %v", err)
	}

	challenge := cfg.Policy(capture.KindChallenge)
	if challenge.Bounded() || challenge.ChunkInterval != 100*time.Millisecond {
		t.Errorf("Unexpected challenge policy: %+v", challenge)
	}
	if cfg.Inheritance != nil {
		t.Errorf("Expected no inheritance info for the default profile, got %v", cfg.Inheritance)
	}
}

func TestLoadWithProfile_UnknownProfile(t *testing.T) {
	configFile := createTempConfig(t, `
configs:
    default: {}
`)
	if _, err := LoadWithProfile(configFile, "missing"); err == nil {
		t.Error("Expected error for unknown profile")
	}
}

func TestLoad_MissingDefaultFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Expected built-in defaults, got error: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Enrollment.MaxSamples != 5 || !cfg.FFmpegFallback() {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}

	if _, err := Load("", "studio"); err == nil {
		t.Error("Expected error when asking for a profile without a config file")
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), ""); err == nil {
		t.Error("Expected error for a missing explicit config file")
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("VOICECAPTURE_API_BASE_URL", "https://env.example.com")
	t.Setenv("VOICECAPTURE_OUTPUT_DIRECTORY", "/env/out")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.API.BaseURL != "https://env.example.com" {
		t.Errorf("Expected base URL from environment, got %s", cfg.API.BaseURL)
	}
	if cfg.Output.Directory != "/env/out" {
		t.Errorf("Expected output directory from environment, got %s", cfg.Output.Directory)
	}
}

func TestUpdateActiveConfigAndListProfiles(t *testing.T) {
	configFile := createTempConfig(t, `
active_config: default
configs:
    default: {}
    studio:
        audio:
            sample_rate: 48000
`)

	names, active, err := ListProfiles(configFile)
	if err != nil {
		t.Fatalf("ListProfiles failed: %v", err)
	}
	if len(names) != 2 || names[0] != "default" || names[1] != "studio" || active != "default" {
		t.Errorf("Unexpected profiles %v (active %s)", names, active)
	}

	if err := UpdateActiveConfig(configFile, "studio"); err != nil {
		t.Fatalf("UpdateActiveConfig failed: %v", err)
	}
	cfg, err := LoadWithProfile(configFile, "")
	if err != nil {
		t.Fatalf("Failed to reload configuration: %v", err)
	}
	if cfg.Profile != "studio" || cfg.Audio.SampleRate != 48000 {
		t.Errorf("Expected studio profile to be active, got %s (%d Hz)", cfg.Profile, cfg.Audio.SampleRate)
	}

	if err := UpdateActiveConfig(configFile, "missing"); err == nil {
		t.Error("Expected error when activating an unknown profile")
	}
}

// createTempConfig writes content to a config file inside a test temp dir
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicecapture.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}
	return path
}
