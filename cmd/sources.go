package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecapture/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long: `List the capture devices visible to the configured audio backend and
check that the configured source can be found.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("🎵 Audio Sources (%s)\n", runtime.GOOS)
		fmt.Printf("═══════════════════════════════════════\n\n")

		fmt.Printf("Available backends: %v\n", audio.GetAvailableBackends())
		_, backend := audio.NewDevice(cfg)
		fmt.Printf("Selected backend: %s\n\n", backend)

		sources, err := audio.ListSources(cfg)
		if err != nil {
			return fmt.Errorf("failed to list sources: %w", err)
		}

		fmt.Printf("📋 SOURCES (%d found):\n", len(sources))
		for i, source := range sources {
			marker := ""
			if source.Default {
				marker = " (default)"
			}
			if source.Monitor {
				marker += " [monitor]"
			}
			fmt.Printf("  %d. %s%s\n", i+1, source.Name, marker)
			if source.Description != "" {
				fmt.Printf("     %s\n", source.Description)
			}
		}

		configured := cfg.Audio.Source
		if configured == "" {
			configured = "default"
		}
		if err := audio.ValidateSource(cfg.Audio.Source, sources); err != nil {
			fmt.Printf("\n⚠️  Configured source %q: %v\n", configured, err)
		} else {
			fmt.Printf("\n✅ Configured source %q is available\n", configured)
		}

		fmt.Printf("\n💡 Usage:\n")
		fmt.Printf("  • Set audio.source in the profile to one of the names above\n")
		fmt.Printf("  • Monitor sources capture system output, not the microphone\n\n")
		return nil
	},
}
