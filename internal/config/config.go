package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/audiolibrelab/voicecapture/internal/capture"
)

// Inheritance markers recorded per field by mergeConfigs.
const (
	Inherited       = "inherited"
	ProfileSpecific = "profile-specific"
)

type DefinitionsConfig struct {
	Devices []DeviceDefinition `mapstructure:"devices" yaml:"devices"`
}

// DeviceDefinition names a capture device so profiles can refer to it by id.
type DeviceDefinition struct {
	ID          string `mapstructure:"id" yaml:"id"`
	Name        string `mapstructure:"name" yaml:"name"`
	Source      string `mapstructure:"source" yaml:"source"`
	Backend     string `mapstructure:"backend" yaml:"backend"`
	InputFormat string `mapstructure:"input_format" yaml:"input_format"`
}

type GlobalsConfig struct {
	API    GlobalAPIConfig    `mapstructure:"api" yaml:"api"`
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalAPIConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

type GlobalOutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Audio      AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Enrollment CaptureConfig   `mapstructure:"enrollment" yaml:"enrollment"`
	Challenge  CaptureConfig   `mapstructure:"challenge" yaml:"challenge"`
	Transcode  TranscodeConfig `mapstructure:"transcode" yaml:"transcode"`
	API        APIConfig       `mapstructure:"api" yaml:"api"`
	Output     OutputConfig    `mapstructure:"output" yaml:"output"`
	Server     ServerConfig    `mapstructure:"server" yaml:"server"`

	// Profile is the name of the profile the config was resolved from.
	Profile string `mapstructure:"-" yaml:"-"`

	// Inheritance maps a field path such as "audio.sample_rate" to Inherited
	// or ProfileSpecific. Nil for the default profile.
	Inheritance map[string]string `mapstructure:"-" yaml:"-"`
}

// ConfigProfile is a named profile as written in the file. Its audio section
// may reference a device definition instead of spelling out the source.
type ConfigProfile struct {
	Audio      AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Enrollment CaptureConfig   `mapstructure:"enrollment" yaml:"enrollment"`
	Challenge  CaptureConfig   `mapstructure:"challenge" yaml:"challenge"`
	Transcode  TranscodeConfig `mapstructure:"transcode" yaml:"transcode"`
	API        APIConfig       `mapstructure:"api" yaml:"api"`
	Output     OutputConfig    `mapstructure:"output" yaml:"output"`
	Server     ServerConfig    `mapstructure:"server" yaml:"server"`
}

type AudioConfig struct {
	Device           string `mapstructure:"device" yaml:"device,omitempty"`   // reference into definitions.devices
	Backend          string `mapstructure:"backend" yaml:"backend"`           // "auto", "malgo", "ffmpeg"
	Source           string `mapstructure:"source" yaml:"source"`             // empty = system default
	InputFormat      string `mapstructure:"input_format" yaml:"input_format"` // ffmpeg demuxer
	SampleRate       int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels         int    `mapstructure:"channels" yaml:"channels"`
	EchoCancellation *bool  `mapstructure:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression *bool  `mapstructure:"noise_suppression" yaml:"noise_suppression"`
	Container        string `mapstructure:"container" yaml:"container"`
}

// CaptureConfig is the duration policy of one capture surface.
type CaptureConfig struct {
	MaxDurationSeconds int `mapstructure:"max_duration_seconds" yaml:"max_duration_seconds"`
	ChunkIntervalMs    int `mapstructure:"chunk_interval_ms" yaml:"chunk_interval_ms"`
	StopTimeoutMs      int `mapstructure:"stop_timeout_ms" yaml:"stop_timeout_ms"`
	MaxSamples         int `mapstructure:"max_samples" yaml:"max_samples,omitempty"`
	ExpirySeconds      int `mapstructure:"expiry_seconds" yaml:"expiry_seconds,omitempty"`
}

type TranscodeConfig struct {
	FFmpegFallback *bool `mapstructure:"ffmpeg_fallback" yaml:"ffmpeg_fallback"`
}

type APIConfig struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

type OutputConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

func boolPtr(b bool) *bool { return &b }

// Default returns the built-in configuration used when no file exists and as
// the base every loaded profile falls back to.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Backend:          "auto",
			InputFormat:      "pulse",
			SampleRate:       16000,
			Channels:         1,
			EchoCancellation: boolPtr(true),
			NoiseSuppression: boolPtr(true),
			Container:        capture.MIMEOggOpus,
		},
		Enrollment: CaptureConfig{
			MaxDurationSeconds: 30,
			ChunkIntervalMs:    1000,
			StopTimeoutMs:      3000,
			MaxSamples:         5,
		},
		Challenge: CaptureConfig{
			ChunkIntervalMs: 100,
			StopTimeoutMs:   3000,
			ExpirySeconds:   300,
		},
		Transcode: TranscodeConfig{FFmpegFallback: boolPtr(true)},
		API: APIConfig{
			BaseURL:        "http://localhost:8000",
			TimeoutSeconds: 30,
		},
		Output: OutputConfig{
			Directory: filepath.Join(os.Getenv("HOME"), "Audio", "VoiceCapture"),
		},
		Server:  ServerConfig{Port: 8080},
		Profile: "default",
	}
}

// DefaultPath is the config file used when --config is not given
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/voicecapture.yaml")
}

// Load resolves a profile from configFile. An empty configFile means
// DefaultPath, and a missing default file yields the built-in defaults.
func Load(configFile, profile string) (*Config, error) {
	if configFile != "" {
		return LoadWithProfile(configFile, profile)
	}
	configFile = DefaultPath()
	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		if profile != "" && profile != "default" {
			return nil, fmt.Errorf("configuration profile '%s' not found (no config file at %s)", profile, configFile)
		}
		cfg := Default()
		applyEnv(cfg)
		cfg.Output.Directory = expandPath(cfg.Output.Directory)
		return cfg, validate(cfg)
	}
	return LoadWithProfile(configFile, profile)
}

// LoadWithProfile reads configFile and resolves the named profile, falling
// back to active_config and then "default".
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		return nil, fmt.Errorf("no config file specified, use --config flag")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		if configName != "default" || len(rootConfig.Configs) > 0 {
			return nil, fmt.Errorf("configuration profile '%s' not found", configName)
		}
		selectedProfile = &ConfigProfile{}
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			defaultConfig, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			selectedConfig = mergeConfigs(defaultConfig, selectedConfig)
		}
	}

	// Built-in values fill whatever neither profile set.
	selectedConfig = fillDefaults(selectedConfig, Default())
	selectedConfig.Profile = configName

	// Globals take precedence over every profile.
	if rootConfig.Globals != nil {
		if rootConfig.Globals.API.BaseURL != "" {
			selectedConfig.API.BaseURL = rootConfig.Globals.API.BaseURL
		}
		if rootConfig.Globals.Output.Directory != "" {
			selectedConfig.Output.Directory = rootConfig.Globals.Output.Directory
		}
	}
	applyEnv(selectedConfig)

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)

	if err := validate(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return selectedConfig, nil
}

// applyEnv lets VOICECAPTURE_API_BASE_URL and VOICECAPTURE_OUTPUT_DIRECTORY
// override the file.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("VOICECAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if u := v.GetString("api.base_url"); u != "" {
		cfg.API.BaseURL = u
	}
	if d := v.GetString("output.directory"); d != "" {
		cfg.Output.Directory = d
	}
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return err
	}
	if _, ok := rootConfig.Configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	// A separate viper instance keeps unrelated keys exactly as read.
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	v.Set("active_config", newActiveConfig)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// ListProfiles returns the profile names of configFile and the active one
func ListProfiles(configFile string) (names []string, active string, err error) {
	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, "", err
	}
	for name := range rootConfig.Configs {
		names = append(names, name)
	}
	sort.Strings(names)
	active = rootConfig.ActiveConfig
	if active == "" {
		active = "default"
	}
	return names, active, nil
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving the
// device reference
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Audio:      profile.Audio,
		Enrollment: profile.Enrollment,
		Challenge:  profile.Challenge,
		Transcode:  profile.Transcode,
		API:        profile.API,
		Output:     profile.Output,
		Server:     profile.Server,
	}

	if ref := profile.Audio.Device; ref != "" {
		def := findDevice(definitions, ref)
		if def == nil {
			return nil, fmt.Errorf("audio.device: reference '%s' not found in definitions", ref)
		}
		// Explicit profile values win over the definition.
		if config.Audio.Source == "" {
			config.Audio.Source = def.Source
		}
		if config.Audio.Backend == "" {
			config.Audio.Backend = def.Backend
		}
		if config.Audio.InputFormat == "" {
			config.Audio.InputFormat = def.InputFormat
		}
	}

	return config, nil
}

func findDevice(definitions *DefinitionsConfig, id string) *DeviceDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Devices {
		if definitions.Devices[i].ID == id {
			return &definitions.Devices[i]
		}
	}
	return nil
}

// mergeConfigs overlays profile on base field by field. A zero value in the
// profile means "not set" and falls back to base. Every field is recorded in
// Inheritance as Inherited or ProfileSpecific.
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: make(map[string]string)}
	if base == nil {
		base = &Config{}
	}
	if profile == nil {
		profile = &Config{}
	}
	m := merger{track: result.Inheritance}

	result.Audio.Device = m.str("audio.device", base.Audio.Device, profile.Audio.Device)
	result.Audio.Backend = m.str("audio.backend", base.Audio.Backend, profile.Audio.Backend)
	result.Audio.Source = m.str("audio.source", base.Audio.Source, profile.Audio.Source)
	result.Audio.InputFormat = m.str("audio.input_format", base.Audio.InputFormat, profile.Audio.InputFormat)
	result.Audio.SampleRate = m.int("audio.sample_rate", base.Audio.SampleRate, profile.Audio.SampleRate)
	result.Audio.Channels = m.int("audio.channels", base.Audio.Channels, profile.Audio.Channels)
	result.Audio.EchoCancellation = m.bool("audio.echo_cancellation", base.Audio.EchoCancellation, profile.Audio.EchoCancellation)
	result.Audio.NoiseSuppression = m.bool("audio.noise_suppression", base.Audio.NoiseSuppression, profile.Audio.NoiseSuppression)
	result.Audio.Container = m.str("audio.container", base.Audio.Container, profile.Audio.Container)

	result.Enrollment = m.capture("enrollment", base.Enrollment, profile.Enrollment)
	result.Challenge = m.capture("challenge", base.Challenge, profile.Challenge)

	result.Transcode.FFmpegFallback = m.bool("transcode.ffmpeg_fallback", base.Transcode.FFmpegFallback, profile.Transcode.FFmpegFallback)

	result.API.BaseURL = m.str("api.base_url", base.API.BaseURL, profile.API.BaseURL)
	result.API.TimeoutSeconds = m.int("api.timeout_seconds", base.API.TimeoutSeconds, profile.API.TimeoutSeconds)

	result.Output.Directory = m.str("output.directory", base.Output.Directory, profile.Output.Directory)
	result.Server.Port = m.int("server.port", base.Server.Port, profile.Server.Port)

	return result
}

type merger struct {
	track map[string]string
}

func (m merger) mark(field string, specific bool) {
	if specific {
		m.track[field] = ProfileSpecific
	} else {
		m.track[field] = Inherited
	}
}

func (m merger) str(field, base, profile string) string {
	m.mark(field, profile != "")
	if profile != "" {
		return profile
	}
	return base
}

func (m merger) int(field string, base, profile int) int {
	m.mark(field, profile != 0)
	if profile != 0 {
		return profile
	}
	return base
}

func (m merger) bool(field string, base, profile *bool) *bool {
	m.mark(field, profile != nil)
	if profile != nil {
		return profile
	}
	return base
}

func (m merger) capture(prefix string, base, profile CaptureConfig) CaptureConfig {
	return CaptureConfig{
		MaxDurationSeconds: m.int(prefix+".max_duration_seconds", base.MaxDurationSeconds, profile.MaxDurationSeconds),
		ChunkIntervalMs:    m.int(prefix+".chunk_interval_ms", base.ChunkIntervalMs, profile.ChunkIntervalMs),
		StopTimeoutMs:      m.int(prefix+".stop_timeout_ms", base.StopTimeoutMs, profile.StopTimeoutMs),
		MaxSamples:         m.int(prefix+".max_samples", base.MaxSamples, profile.MaxSamples),
		ExpirySeconds:      m.int(prefix+".expiry_seconds", base.ExpirySeconds, profile.ExpirySeconds),
	}
}

// fillDefaults merges cfg over the built-in defaults while keeping the
// inheritance recorded against the default profile.
func fillDefaults(cfg, defaults *Config) *Config {
	inheritance := cfg.Inheritance
	merged := mergeConfigs(defaults, cfg)
	merged.Inheritance = inheritance
	return merged
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ValidateConfigurationFormat reads configFile and checks its structure:
// device definitions and the references profiles make to them.
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	for configName, configProfile := range rootConfig.Configs {
		if configProfile == nil {
			configProfile = &ConfigProfile{}
			rootConfig.Configs[configName] = configProfile
		}
		if ref := configProfile.Audio.Device; ref != "" && findDevice(rootConfig.Definitions, ref) == nil {
			return nil, fmt.Errorf("invalid config '%s': audio.device references undefined device definition '%s'", configName, ref)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the optional definitions section
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seenIDs := make(map[string]bool)
	for i, def := range definitions.Devices {
		prefix := fmt.Sprintf("definitions.devices[%d]", i)
		if def.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		if def.Backend != "" && !validBackend(def.Backend) {
			return fmt.Errorf("%s: 'backend' must be auto, malgo or ffmpeg, got: %s", prefix, def.Backend)
		}
	}
	return nil
}

func validBackend(b string) bool {
	switch strings.ToLower(b) {
	case "auto", "malgo", "ffmpeg":
		return true
	}
	return false
}

// validate checks a fully resolved config
func validate(cfg *Config) error {
	if !validBackend(cfg.Audio.Backend) {
		return fmt.Errorf("audio.backend must be auto, malgo or ffmpeg, got: %s", cfg.Audio.Backend)
	}
	switch cfg.Audio.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("audio.sample_rate must be one of 8000, 12000, 16000, 24000, 48000, got: %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Channels < 1 || cfg.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got: %d", cfg.Audio.Channels)
	}
	if cfg.Audio.Container == "" {
		return fmt.Errorf("audio.container cannot be empty")
	}

	if err := validateCapture("enrollment", cfg.Enrollment, true); err != nil {
		return err
	}
	if err := validateCapture("challenge", cfg.Challenge, false); err != nil {
		return err
	}
	if cfg.Enrollment.MaxSamples <= 0 {
		return fmt.Errorf("enrollment.max_samples must be > 0, got: %d", cfg.Enrollment.MaxSamples)
	}
	if cfg.Challenge.ExpirySeconds <= 0 {
		return fmt.Errorf("challenge.expiry_seconds must be > 0, got: %d", cfg.Challenge.ExpirySeconds)
	}

	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an http(s) URL, got: %q", cfg.API.BaseURL)
	}
	if cfg.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be > 0, got: %d", cfg.API.TimeoutSeconds)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", cfg.Server.Port)
	}
	return nil
}

func validateCapture(prefix string, c CaptureConfig, bounded bool) error {
	if bounded && c.MaxDurationSeconds <= 0 {
		return fmt.Errorf("%s.max_duration_seconds must be > 0, got: %d", prefix, c.MaxDurationSeconds)
	}
	if c.MaxDurationSeconds < 0 {
		return fmt.Errorf("%s.max_duration_seconds must be >= 0, got: %d", prefix, c.MaxDurationSeconds)
	}
	if c.ChunkIntervalMs <= 0 {
		return fmt.Errorf("%s.chunk_interval_ms must be > 0, got: %d", prefix, c.ChunkIntervalMs)
	}
	if c.StopTimeoutMs <= 0 {
		return fmt.Errorf("%s.stop_timeout_ms must be > 0, got: %d", prefix, c.StopTimeoutMs)
	}
	return nil
}

// Policy returns the capture policy configured for kind
func (c *Config) Policy(kind capture.Kind) capture.Policy {
	cc := c.Enrollment
	if kind == capture.KindChallenge {
		cc = c.Challenge
	}
	return capture.Policy{
		Kind:          kind,
		MaxDuration:   time.Duration(cc.MaxDurationSeconds) * time.Second,
		ChunkInterval: time.Duration(cc.ChunkIntervalMs) * time.Millisecond,
		StopTimeout:   time.Duration(cc.StopTimeoutMs) * time.Millisecond,
	}
}

// Constraints returns the device constraints derived from the audio section
func (c *Config) Constraints() capture.Constraints {
	return capture.Constraints{
		SampleRate:         c.Audio.SampleRate,
		Channels:           c.Audio.Channels,
		EchoCancellation:   c.Audio.EchoCancellation == nil || *c.Audio.EchoCancellation,
		NoiseSuppression:   c.Audio.NoiseSuppression == nil || *c.Audio.NoiseSuppression,
		PreferredContainer: c.Audio.Container,
	}
}

// FFmpegFallback reports whether transcoding may shell out to ffmpeg
func (c *Config) FFmpegFallback() bool {
	return c.Transcode.FFmpegFallback == nil || *c.Transcode.FFmpegFallback
}

// ChallengeExpiry is how long an issued challenge stays answerable
func (c *Config) ChallengeExpiry() time.Duration {
	return time.Duration(c.Challenge.ExpirySeconds) * time.Second
}

// APITimeout is the HTTP timeout for the voice-auth API
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}
