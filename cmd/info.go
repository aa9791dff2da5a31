package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecapture/internal/config"
	"github.com/audiolibrelab/voicecapture/internal/transcode"
)

var infoCmd = &cobra.Command{
	Use:   "info [file]",
	Short: "Show a recording's format, or the resolved configuration",
	Long: `With a file, display its container, size and decoded audio format.
Without one, display the resolved configuration with inheritance indicators
showing which values come from the default profile and which are
profile-specific.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return showFileInfo(cmd, args[0])
		}
		showResolvedConfig()
		return nil
	},
}

func showFileInfo(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	stat, err := os.Stat(path)
	if err != nil {
		return err
	}

	fmt.Printf("=== FILE ===\n")
	fmt.Printf("path: %s\n", path)
	fmt.Printf("container: %s\n", transcode.Sniff(data))
	fmt.Printf("mime_type: %s\n", transcode.MIMETypeFor(data))
	fmt.Printf("size: %s\n", humanize.Bytes(uint64(len(data))))
	fmt.Printf("modified: %s\n", humanize.Time(stat.ModTime()))

	if info, err := transcode.ParseWAVInfo(data); err == nil {
		fmt.Printf("\n=== WAV HEADER ===\n")
		fmt.Printf("sample_rate: %d\n", info.SampleRate)
		fmt.Printf("channels: %d\n", info.Channels)
		fmt.Printf("bits_per_sample: %d\n", info.BitsPerSample)
		fmt.Printf("duration: %.2fs\n", info.Duration)
		return nil
	}

	dec := &transcode.Decoder{FFmpeg: cfg.FFmpegFallback()}
	buf, err := dec.Decode(cmd.Context(), data, transcode.MIMETypeFor(data))
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	fmt.Printf("\n=== DECODED AUDIO ===\n")
	fmt.Printf("sample_rate: %d\n", buf.SampleRate())
	fmt.Printf("channels: %d\n", buf.NumChannels())
	fmt.Printf("duration: %s\n", buf.Duration())
	return nil
}

func showResolvedConfig() {
	fmt.Printf("=== RESOLVED CONFIGURATION (%s) ===\n", cfg.Profile)
	fmt.Printf("config_file: %s\n", configPath())

	values := map[string]string{
		"audio.backend":                   cfg.Audio.Backend,
		"audio.source":                    cfg.Audio.Source,
		"audio.input_format":              cfg.Audio.InputFormat,
		"audio.sample_rate":               fmt.Sprint(cfg.Audio.SampleRate),
		"audio.channels":                  fmt.Sprint(cfg.Audio.Channels),
		"audio.container":                 cfg.Audio.Container,
		"enrollment.max_duration_seconds": fmt.Sprint(cfg.Enrollment.MaxDurationSeconds),
		"enrollment.chunk_interval_ms":    fmt.Sprint(cfg.Enrollment.ChunkIntervalMs),
		"enrollment.max_samples":          fmt.Sprint(cfg.Enrollment.MaxSamples),
		"challenge.chunk_interval_ms":     fmt.Sprint(cfg.Challenge.ChunkIntervalMs),
		"challenge.expiry_seconds":        fmt.Sprint(cfg.Challenge.ExpirySeconds),
		"transcode.ffmpeg_fallback":       fmt.Sprint(cfg.FFmpegFallback()),
		"api.base_url":                    cfg.API.BaseURL,
		"api.timeout_seconds":             fmt.Sprint(cfg.API.TimeoutSeconds),
		"output.directory":                cfg.Output.Directory,
		"server.port":                     fmt.Sprint(cfg.Server.Port),
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s: %s %s\n", k, values[k], getInheritanceIndicator(cfg.Inheritance[k]))
	}
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case config.Inherited:
		return "[inherited]"
	case config.ProfileSpecific:
		return "[profile-specific]"
	default:
		return "[default]"
	}
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
