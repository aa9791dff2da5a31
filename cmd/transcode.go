package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecapture/internal/service"
	"github.com/audiolibrelab/voicecapture/internal/transcode"
)

var transcodeCmd = &cobra.Command{
	Use:   "transcode <files...>",
	Short: "Convert recordings to 16-bit WAV",
	Long: `Convert Ogg/Opus, WAV and (with ffmpeg) WebM recordings to canonical
16-bit PCM WAV. Files are converted in parallel and written to the output
directory as <name>.wav.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outDir, _ := cmd.Flags().GetString("output")
		if outDir == "" {
			outDir = cfg.Output.Directory
		}

		inputs, err := readInputs(args, func(path string) string {
			return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		})
		if err != nil {
			return err
		}

		svc := newService()
		defer svc.Close()

		artifacts, err := svc.TranscodeAll(cmd.Context(), inputs)
		if err != nil {
			return fmt.Errorf("transcode failed: %w", err)
		}

		if err := os.MkdirAll(outDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		for _, a := range artifacts {
			path := filepath.Join(outDir, a.Filename)
			if err := os.WriteFile(path, a.Data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Printf("%s -> %s\n", transcode.Describe(a), path)
		}
		return nil
	},
}

// readInputs loads every file in paths, naming each with name(path).
func readInputs(paths []string, name func(path string) string) ([]service.Input, error) {
	inputs := make([]service.Input, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		inputs = append(inputs, service.Input{
			Name:     name(path),
			Data:     data,
			MIMEType: transcode.MIMETypeFor(data),
		})
	}
	return inputs, nil
}

func init() {
	transcodeCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
}
