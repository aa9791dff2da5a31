package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecapture/internal/transcode"
)

var challengeCmd = &cobra.Command{
	Use:   "challenge",
	Short: "Request a challenge phrase for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt("user")
		if userID <= 0 {
			return fmt.Errorf("--user is required")
		}
		svc := newService()
		defer svc.Close()

		ch, err := svc.RequestChallenge(cmd.Context(), userID)
		if err != nil {
			return err
		}
		fmt.Printf("challenge_id: %s\n", ch.ID)
		fmt.Printf("phrase: %s\n", ch.Phrase)
		fmt.Printf("expires: %s (%s)\n", ch.ExpiresAt.Format("15:04:05"), humanize.Time(ch.ExpiresAt))
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Submit a challenge recording for verification",
	Long: `Submit a recorded challenge answer. The file is sent exactly as
recorded, named challenge_<user> with the extension of its container.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetInt("user")
		challengeID, _ := cmd.Flags().GetString("challenge")
		if userID <= 0 || challengeID == "" {
			return fmt.Errorf("--user and --challenge are required")
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		mimeType := transcode.MIMETypeFor(data)
		if mimeType == "application/octet-stream" {
			mimeType = mimeFromExtension(args[0])
		}

		svc := newService()
		defer svc.Close()

		native := transcode.Native(data, mimeType, fmt.Sprintf("challenge_%d", userID))
		res, err := svc.VerifyFile(cmd.Context(), challengeID, userID, native)
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func mimeFromExtension(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ogg", ".opus":
		return "audio/ogg;codecs=opus"
	case ".webm":
		return "audio/webm"
	case ".wav":
		return transcode.MIMEWAV
	}
	return "application/octet-stream"
}

func init() {
	challengeCmd.Flags().Int("user", 0, "id of the user to challenge")
	verifyCmd.Flags().Int("user", 0, "id of the user answering")
	verifyCmd.Flags().String("challenge", "", "challenge id returned by 'challenge'")
}
