package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecapture/internal/upload"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <files...>",
	Short: "Upload voice samples for a user",
	Long: `Convert voice samples to WAV and upload them as enrollment samples.

With --user every file is uploaded to an existing user, after checking how
many samples the user may still record. With --manager a new user is created
from --name and --email and all samples are enrolled in one request.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		userID, _ := cmd.Flags().GetInt("user")
		manager, _ := cmd.Flags().GetBool("manager")

		svc := newService()
		defer svc.Close()

		if manager {
			name, _ := cmd.Flags().GetString("name")
			email, _ := cmd.Flags().GetString("email")
			createdBy, _ := cmd.Flags().GetInt("created-by")
			if name == "" || email == "" {
				return fmt.Errorf("--name and --email are required with --manager")
			}

			i := 0
			inputs, err := readInputs(args, func(string) string {
				i++
				return fmt.Sprintf("voice_sample_%d", i)
			})
			if err != nil {
				return err
			}
			artifacts, err := svc.TranscodeAll(ctx, inputs)
			if err != nil {
				return fmt.Errorf("transcode failed: %w", err)
			}
			res, err := svc.CreateUserWithVoice(ctx, upload.NewUser{FullName: name, Email: email, CreatedBy: createdBy}, artifacts)
			if err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			return printJSON(res)
		}

		if userID <= 0 {
			return fmt.Errorf("--user is required (or --manager to create a new user)")
		}
		info, err := svc.CheckEnrollmentQuota(ctx, userID)
		if err != nil {
			return err
		}
		if remaining := info.MaxEnrollments - info.EnrollmentCount; info.MaxEnrollments > 0 && len(args) > remaining {
			slog.Warn("More samples than the user may enroll, extra uploads will be refused", "files", len(args), "remaining", remaining)
		}

		inputs, err := readInputs(args, func(string) string {
			return fmt.Sprintf("voice_sample_%d", userID)
		})
		if err != nil {
			return err
		}
		artifacts, err := svc.TranscodeAll(ctx, inputs)
		if err != nil {
			return fmt.Errorf("transcode failed: %w", err)
		}
		for i, a := range artifacts {
			res, err := svc.UploadSample(ctx, userID, a)
			if err != nil {
				return fmt.Errorf("failed to upload %s: %w", args[i], err)
			}
			fmt.Printf("%s: stored, %d samples enrolled\n", args[i], res.EnrollmentCount)
		}
		return nil
	},
}

func init() {
	enrollCmd.Flags().Int("user", 0, "id of the user to enroll")
	enrollCmd.Flags().Bool("manager", false, "create a new user with these samples")
	enrollCmd.Flags().String("name", "", "full name of the new user (with --manager)")
	enrollCmd.Flags().String("email", "", "email of the new user (with --manager)")
	enrollCmd.Flags().Int("created-by", 0, "id of the manager creating the user (with --manager)")
}
