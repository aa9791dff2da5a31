package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/audiolibrelab/voicecapture/internal/capture"
	"github.com/audiolibrelab/voicecapture/internal/play"
	"github.com/audiolibrelab/voicecapture/internal/service"
)

// pipelineRun carries what the steps after a recording need.
type pipelineRun struct {
	svc    *service.Service
	kind   capture.Kind
	name   string
	path   string // native recording on disk
	userID int
}

func executePipeline(ctx context.Context, run pipelineRun) error {
	if pipeline == "" {
		return nil
	}

	steps := []rune(strings.ToLower(pipeline))
	playPath := run.path

	for i, step := range steps {
		fmt.Printf("Pipeline: executing step %d/%d: '%c'...\n", i+1, len(steps), step)

		switch step {
		case 't':
			wavPath, err := run.svc.SaveWAV(ctx, run.kind, cfg.Output.Directory, run.name)
			if err != nil {
				return fmt.Errorf("pipeline transcode failed: %w", err)
			}
			playPath = wavPath
			fmt.Printf("Pipeline: saved %s\n", wavPath)

		case 'p':
			if err := play.New().Play(ctx, playPath); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
			fmt.Println("Pipeline: playback completed")

		case 'u':
			if err := uploadRecording(ctx, run); err != nil {
				return fmt.Errorf("pipeline upload failed: %w", err)
			}

		default:
			return fmt.Errorf("unknown pipeline step: '%c' (valid: t=transcode, p=play, u=upload)", step)
		}
	}

	return nil
}

func uploadRecording(ctx context.Context, run pipelineRun) error {
	if run.userID <= 0 {
		return fmt.Errorf("--user is required to upload")
	}
	switch run.kind {
	case capture.KindEnrollment:
		info, err := run.svc.CheckEnrollmentQuota(ctx, run.userID)
		if err != nil {
			return err
		}
		res, err := run.svc.SubmitEnrollment(ctx, run.userID)
		if err != nil {
			return err
		}
		fmt.Printf("Pipeline: enrollment stored (%d/%d samples)\n", res.EnrollmentCount, info.MaxEnrollments)
	case capture.KindChallenge:
		res, err := run.svc.SubmitChallenge(ctx, run.userID)
		if err != nil {
			return err
		}
		return printJSON(res)
	}
	return nil
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		't': true, // transcode
		'p': true, // play
		'u': true, // upload
	}

	steps := []rune(strings.ToLower(pipeline))
	for _, step := range steps {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (valid: t=transcode, p=play, u=upload)", step)
		}
	}

	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
