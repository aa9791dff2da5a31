package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/voicecapture/internal/config"
	"github.com/audiolibrelab/voicecapture/internal/service"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	pipeline     string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "voicecapture",
	Short: "Voice sample capture for speaker enrollment and verification",
	Long: `voicecapture records short voice samples from the microphone, converts
them to WAV and submits them to a voice authentication API.

Enrollment samples are capped at 30 seconds and uploaded as WAV. Challenge
recordings answer a spoken phrase and are submitted exactly as captured.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		var err error
		cfg, err = config.Load(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.Debug("Configuration loaded", "profile", cfg.Profile, "file", configPath())

		// Validate pipeline if provided
		if err := validatePipeline(); err != nil {
			return err
		}

		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/voicecapture.yaml)")
	rootCmd.PersistentFlags().StringVarP(&pipeline, "pipeline", "p", "", "steps after recording: t=transcode, p=play, u=upload (e.g., 'tp', 'tu')")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output, 3=max tracing")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(transcodeCmd)
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(challengeCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1, 2, 3:
		// Level 2 and 3 both use Debug level for slog
		// Level 3 will additionally set environment variables
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	switch {
	case level >= 3:
		os.Setenv("FFMPEG_LOGLEVEL", "debug")
	case level == 2:
		os.Setenv("FFMPEG_LOGLEVEL", "info")
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

// newService creates the service for the loaded configuration. Callers
// must Close it.
func newService() *service.Service {
	return service.New(cfg, service.Options{})
}
