package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecapture/internal/play"
)

var playCmd = &cobra.Command{
	Use:   "play <file>",
	Short: "Play a recording",
	Long: `Play a recording with the first available of vlc, mpv or ffplay.
WAV files can also be played with aplay.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Playing: %s\n", args[0])
		if err := play.New().Play(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}
