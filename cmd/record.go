package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/audiolibrelab/voicecapture/internal/capture"
	"github.com/audiolibrelab/voicecapture/internal/service"
)

var recordCmd = &cobra.Command{
	Use:   "record <enrollment|challenge> [name]",
	Short: "Record a voice sample from the microphone",
	Long: `Record a voice sample and save it to the output directory.

Recording stops on Ctrl+C, after --duration, or when the enrollment limit of
30 seconds is reached. Use -p to transcode, play or upload the result, e.g.
'voicecapture record enrollment -p tu --user 42'. Uploading a challenge
requests a new challenge phrase before recording starts.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := capture.ParseKind(args[0])
		if err != nil {
			return err
		}
		name := fmt.Sprintf("%s_%s", kind, time.Now().Format("20060102_150405"))
		if len(args) == 2 {
			name = args[1]
		}
		duration, _ := cmd.Flags().GetDuration("duration")
		userID, _ := cmd.Flags().GetInt("user")
		slog.Info("Record command started", "kind", kind, "name", name)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc := newService()
		defer svc.Close()

		if kind == capture.KindChallenge && strings.ContainsRune(pipeline, 'u') {
			if userID <= 0 {
				return fmt.Errorf("--user is required to upload")
			}
			ch, err := svc.RequestChallenge(ctx, userID)
			if err != nil {
				return fmt.Errorf("failed to request challenge: %w", err)
			}
			fmt.Printf("Say: %q (expires %s)\n", ch.Phrase, humanize.Time(ch.ExpiresAt))
		}

		if err := svc.StartCapture(ctx, kind); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		fmt.Println("Recording... Press Ctrl+C to stop")

		settled := make(chan capture.Session, 1)
		go func() {
			sess, _ := svc.WaitCapture(context.Background(), kind)
			settled <- sess
		}()

		var timeout <-chan time.Time
		if duration > 0 {
			timer := time.NewTimer(duration)
			defer timer.Stop()
			timeout = timer.C
		}

		var sess capture.Session
		select {
		case <-ctx.Done():
			slog.Info("Stopping recording...")
			sess = stopAndWait(svc, kind, settled)
		case <-timeout:
			slog.Info("Duration reached, stopping recording", "duration", duration)
			sess = stopAndWait(svc, kind, settled)
		case sess = <-settled:
			slog.Info("Recording stopped automatically", "elapsed_seconds", sess.ElapsedSeconds)
		}

		if sess.State != capture.StateReady {
			return fmt.Errorf("recording failed: %s", sess.Error)
		}
		path, err := svc.SaveRecording(kind, cfg.Output.Directory, name)
		if err != nil {
			return fmt.Errorf("failed to save recording: %w", err)
		}
		partial := ""
		if sess.Partial {
			partial = " (partial)"
		}
		fmt.Printf("Saved %s%s: %s, %ds\n", path, partial, humanize.Bytes(uint64(sess.Bytes)), sess.ElapsedSeconds)

		// Pipeline steps run on a fresh context so Ctrl+C used to stop the
		// recording does not cancel them.
		return executePipeline(context.Background(), pipelineRun{
			svc:    svc,
			kind:   kind,
			name:   name,
			path:   path,
			userID: userID,
		})
	},
}

func stopAndWait(svc *service.Service, kind capture.Kind, settled <-chan capture.Session) capture.Session {
	if err := svc.StopCapture(kind); err != nil {
		slog.Warn("Failed to stop recording", "error", err)
	}
	return <-settled
}

func init() {
	recordCmd.Flags().Duration("duration", 0, "stop after this long (e.g. 5s); 0 records until Ctrl+C")
	recordCmd.Flags().Int("user", 0, "user id for the upload step")
}
