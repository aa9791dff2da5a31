package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/voicecapture/internal/audio"
	"github.com/audiolibrelab/voicecapture/internal/capture"
	"github.com/audiolibrelab/voicecapture/internal/config"
	"github.com/audiolibrelab/voicecapture/internal/observe"
	"github.com/audiolibrelab/voicecapture/internal/transcode"
	"github.com/audiolibrelab/voicecapture/internal/upload"
)

var (
	ErrChallengeExpired = errors.New("challenge expired")
	ErrNoChallenge      = errors.New("no challenge requested for this user")
	ErrEnrollmentLimit  = errors.New("enrollment limit reached")
	ErrUnknownKind      = errors.New("unknown capture kind")
	ErrNoAPI            = errors.New("no API base URL configured")
)

// API is the part of the voice authentication API the service submits to.
type API interface {
	UploadEnrollment(ctx context.Context, userID int, a *transcode.Artifact) (*upload.EnrollmentResult, error)
	CreateUserWithVoice(ctx context.Context, u upload.NewUser, artifacts []*transcode.Artifact) (*upload.CreateUserResult, error)
	GenerateChallenge(ctx context.Context, userID int) (*upload.Challenge, error)
	VerifyChallenge(ctx context.Context, challengeID string, userID int, a *transcode.Artifact) (*upload.VerifyResult, error)
	EnrollmentInfo(ctx context.Context, userID int) (*upload.EnrollmentInfo, error)
}

// Options carries the collaborators of a Service. Zero values select the
// configured audio backend, an API client for cfg.API, the default metrics
// and the wall clock.
type Options struct {
	Device  capture.Device
	API     API
	Metrics *observe.Metrics
	Now     func() time.Time
}

// Challenge is a phrase issued to a user that must be spoken before it
// expires.
type Challenge struct {
	ID        string    `json:"challenge_id"`
	Phrase    string    `json:"phrase"`
	UserID    int       `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Input is a recording handed to TranscodeAll.
type Input struct {
	Name     string
	Data     []byte
	MIMEType string
}

// Service owns one capture controller per kind over a single shared
// microphone and connects recordings to the transcoder and the API.
type Service struct {
	cfg        *config.Config
	api        API
	transcoder *transcode.Transcoder
	metrics    *observe.Metrics
	now        func() time.Time

	controllers map[capture.Kind]*capture.Controller
	unsubs      []func()

	challengeMu sync.Mutex
	challenge   *Challenge

	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates the service. Every controller shares one exclusive device, so
// an enrollment and a challenge can never record at the same time.
func New(cfg *config.Config, opts Options) *Service {
	dev := opts.Device
	if dev == nil {
		var backend audio.BackendType
		dev, backend = audio.NewDevice(cfg)
		slog.Debug("Service using audio backend", "backend", backend)
	}
	dev = capture.Exclusive(dev)

	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	api := opts.API
	if api == nil && cfg.API.BaseURL != "" {
		api = NewClient(cfg, metrics)
	}

	s := &Service{
		cfg:         cfg,
		api:         api,
		transcoder:  transcode.New(cfg.FFmpegFallback()),
		metrics:     metrics,
		now:         now,
		controllers: make(map[capture.Kind]*capture.Controller),
	}
	s.transcoder.OnResult = func(format transcode.Format, d time.Duration, err error) {
		metrics.RecordTranscode(context.Background(), string(format), d, err)
	}

	constraints := cfg.Constraints()
	for _, kind := range []capture.Kind{capture.KindEnrollment, capture.KindChallenge} {
		ctrl := capture.NewController(dev, cfg.Policy(kind), constraints)
		s.controllers[kind] = ctrl
		s.unsubs = append(s.unsubs, ctrl.Subscribe(s.sessionObserver(kind)))
	}
	return s
}

// NewClient creates an API client for cfg that reports every response to m.
func NewClient(cfg *config.Config, m *observe.Metrics) *upload.Client {
	c := upload.New(cfg.API.BaseURL, cfg.APITimeout())
	c.OnResponse = func(endpoint, status string) {
		m.RecordUpload(context.Background(), endpoint, status)
	}
	return c
}

// Config returns the configuration the service was built with
func (s *Service) Config() *config.Config {
	return s.cfg
}

func (s *Service) controller(kind capture.Kind) (*capture.Controller, error) {
	ctrl, ok := s.controllers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return ctrl, nil
}

// StartCapture starts a session of the given kind. It returns once the
// microphone has been granted or refused.
func (s *Service) StartCapture(ctx context.Context, kind capture.Kind) error {
	ctrl, err := s.controller(kind)
	if err != nil {
		return err
	}
	slog.Debug("Service.StartCapture called", "kind", kind)
	s.clearLastError()
	if err := ctrl.Start(ctx); err != nil {
		s.setLastError(fmt.Sprintf("Failed to start %s capture: %v", kind, err))
		return err
	}
	return nil
}

// StopCapture requests the running session to stop. The outcome is
// available from WaitCapture or CaptureStatus.
func (s *Service) StopCapture(kind capture.Kind) error {
	ctrl, err := s.controller(kind)
	if err != nil {
		return err
	}
	return ctrl.Stop()
}

// DiscardCapture drops a finished session.
func (s *Service) DiscardCapture(kind capture.Kind) error {
	ctrl, err := s.controller(kind)
	if err != nil {
		return err
	}
	return ctrl.Discard()
}

// CaptureStatus returns a snapshot of the session of the given kind.
func (s *Service) CaptureStatus(kind capture.Kind) (capture.Session, error) {
	ctrl, err := s.controller(kind)
	if err != nil {
		return capture.Session{}, err
	}
	return ctrl.Session(), nil
}

// WaitCapture blocks until the session has settled.
func (s *Service) WaitCapture(ctx context.Context, kind capture.Kind) (capture.Session, error) {
	ctrl, err := s.controller(kind)
	if err != nil {
		return capture.Session{}, err
	}
	return ctrl.Wait(ctx)
}

// Recording returns the native recording of a READY session.
func (s *Service) Recording(kind capture.Kind) (*capture.Recording, error) {
	ctrl, err := s.controller(kind)
	if err != nil {
		return nil, err
	}
	return ctrl.Recording()
}

// Subscribe calls fn with every session snapshot of the given kind.
func (s *Service) Subscribe(kind capture.Kind, fn func(capture.Session)) (func(), error) {
	ctrl, err := s.controller(kind)
	if err != nil {
		return nil, err
	}
	return ctrl.Subscribe(fn), nil
}

// sessionObserver turns session snapshots into lifecycle metrics. Each
// session is counted once when it starts and once when it ends.
func (s *Service) sessionObserver(kind capture.Kind) func(capture.Session) {
	var (
		mu         sync.Mutex
		startedID  string
		finishedID string
	)
	return func(sess capture.Session) {
		mu.Lock()
		defer mu.Unlock()
		ctx := context.Background()

		if sess.ID != "" && sess.ID != startedID {
			startedID = sess.ID
			s.metrics.RecordSessionStarted(ctx, string(kind))
		}
		if sess.State.Active() || sess.ID != startedID || sess.ID == finishedID {
			return
		}
		finishedID = sess.ID

		outcome := observe.OutcomeReady
		switch {
		case sess.State == capture.StateFailed:
			outcome = observe.OutcomeFailed
			s.setLastError(fmt.Sprintf("%s capture failed: %s", kind, sess.Error))
		case sess.State == capture.StateIdle:
			outcome = observe.OutcomeDiscarded
		case sess.Partial:
			outcome = observe.OutcomePartial
		}
		length := time.Duration(sess.ElapsedSeconds) * time.Second
		s.metrics.RecordSessionFinished(ctx, string(kind), outcome, length, sess.Bytes)
	}
}

// EnrollmentWAV converts the enrollment recording to WAV named
// voice_sample_<user>.wav. A failed conversion leaves the recording READY
// and unchanged.
func (s *Service) EnrollmentWAV(ctx context.Context, userID int) (*transcode.Artifact, error) {
	rec, err := s.Recording(capture.KindEnrollment)
	if err != nil {
		return nil, err
	}
	return s.transcoder.ToWAV(ctx, rec.Data, rec.MIMEType, fmt.Sprintf("voice_sample_%d", userID))
}

// CheckEnrollmentQuota refuses when the user cannot enroll another sample.
func (s *Service) CheckEnrollmentQuota(ctx context.Context, userID int) (*upload.EnrollmentInfo, error) {
	if s.api == nil {
		return nil, ErrNoAPI
	}
	info, err := s.api.EnrollmentInfo(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment info: %w", err)
	}
	limit := s.cfg.Enrollment.MaxSamples
	if !info.CanRecordMore || (limit > 0 && info.EnrollmentCount >= limit) {
		return info, fmt.Errorf("%w: user %d has %d samples", ErrEnrollmentLimit, userID, info.EnrollmentCount)
	}
	return info, nil
}

// SubmitEnrollment transcodes the enrollment recording and uploads it.
func (s *Service) SubmitEnrollment(ctx context.Context, userID int) (*upload.EnrollmentResult, error) {
	if s.api == nil {
		return nil, ErrNoAPI
	}
	wav, err := s.EnrollmentWAV(ctx, userID)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to convert enrollment sample: %v", err))
		return nil, err
	}
	res, err := s.UploadSample(ctx, userID, wav)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to upload enrollment sample: %v", err))
		return nil, err
	}
	s.clearLastError()
	return res, nil
}

// UploadSample uploads an already converted WAV enrollment sample.
func (s *Service) UploadSample(ctx context.Context, userID int, wav *transcode.Artifact) (*upload.EnrollmentResult, error) {
	if s.api == nil {
		return nil, ErrNoAPI
	}
	slog.Info("Uploading enrollment sample", "user_id", userID, "artifact", transcode.Describe(wav))
	return s.api.UploadEnrollment(ctx, userID, wav)
}

// VerifyFile submits a recorded challenge file for an explicit challenge id.
func (s *Service) VerifyFile(ctx context.Context, challengeID string, userID int, native *transcode.Artifact) (*upload.VerifyResult, error) {
	if s.api == nil {
		return nil, ErrNoAPI
	}
	slog.Info("Submitting challenge", "user_id", userID, "challenge_id", challengeID, "artifact", transcode.Describe(native))
	return s.api.VerifyChallenge(ctx, challengeID, userID, native)
}

// CreateUserWithVoice enrolls a new user with several samples in one call.
func (s *Service) CreateUserWithVoice(ctx context.Context, u upload.NewUser, artifacts []*transcode.Artifact) (*upload.CreateUserResult, error) {
	if s.api == nil {
		return nil, ErrNoAPI
	}
	return s.api.CreateUserWithVoice(ctx, u, artifacts)
}

// RequestChallenge asks the API for a phrase and remembers when it was
// issued. A new request replaces any previous challenge.
func (s *Service) RequestChallenge(ctx context.Context, userID int) (*Challenge, error) {
	if s.api == nil {
		return nil, ErrNoAPI
	}
	res, err := s.api.GenerateChallenge(ctx, userID)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to request challenge: %v", err))
		return nil, err
	}
	issued := s.now()
	ch := &Challenge{
		ID:        res.ChallengeID,
		Phrase:    res.Phrase,
		UserID:    userID,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(s.cfg.ChallengeExpiry()),
	}

	s.challengeMu.Lock()
	s.challenge = ch
	s.challengeMu.Unlock()

	slog.Info("Challenge issued", "user_id", userID, "challenge_id", ch.ID, "expires_at", ch.ExpiresAt)
	c := *ch
	return &c, nil
}

// ActiveChallenge returns the outstanding challenge, if any.
func (s *Service) ActiveChallenge() (*Challenge, bool) {
	s.challengeMu.Lock()
	defer s.challengeMu.Unlock()
	if s.challenge == nil {
		return nil, false
	}
	c := *s.challenge
	return &c, true
}

// SubmitChallenge uploads the challenge recording exactly as captured,
// named challenge_<user> with the extension of its container. The
// challenge is consumed whether or not verification succeeds.
func (s *Service) SubmitChallenge(ctx context.Context, userID int) (*upload.VerifyResult, error) {
	if s.api == nil {
		return nil, ErrNoAPI
	}

	s.challengeMu.Lock()
	ch := s.challenge
	s.challengeMu.Unlock()
	if ch == nil || ch.UserID != userID {
		return nil, ErrNoChallenge
	}
	if s.now().After(ch.ExpiresAt) {
		s.setLastError("Challenge expired, request a new one")
		return nil, fmt.Errorf("%w: issued %s ago", ErrChallengeExpired, s.now().Sub(ch.IssuedAt).Round(time.Second))
	}

	rec, err := s.Recording(capture.KindChallenge)
	if err != nil {
		return nil, err
	}
	native := transcode.Native(rec.Data, rec.MIMEType, fmt.Sprintf("challenge_%d", userID))
	slog.Info("Submitting challenge", "user_id", userID, "challenge_id", ch.ID, "artifact", transcode.Describe(native))

	res, err := s.api.VerifyChallenge(ctx, ch.ID, userID, native)

	s.challengeMu.Lock()
	if s.challenge == ch {
		s.challenge = nil
	}
	s.challengeMu.Unlock()

	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to verify challenge: %v", err))
		return nil, err
	}
	s.clearLastError()
	return res, nil
}

// SaveRecording writes the native recording of kind to dir as
// <name>.<ext> and returns the path.
func (s *Service) SaveRecording(kind capture.Kind, dir, name string) (string, error) {
	rec, err := s.Recording(kind)
	if err != nil {
		return "", err
	}
	return writeArtifact(dir, transcode.Native(rec.Data, rec.MIMEType, name))
}

// RecordingWAV converts the recording of kind to WAV named <name>.wav.
func (s *Service) RecordingWAV(ctx context.Context, kind capture.Kind, name string) (*transcode.Artifact, error) {
	rec, err := s.Recording(kind)
	if err != nil {
		return nil, err
	}
	return s.transcoder.ToWAV(ctx, rec.Data, rec.MIMEType, name)
}

// SaveWAV writes the recording of kind to dir as <name>.wav.
func (s *Service) SaveWAV(ctx context.Context, kind capture.Kind, dir, name string) (string, error) {
	wav, err := s.RecordingWAV(ctx, kind, name)
	if err != nil {
		return "", err
	}
	return writeArtifact(dir, wav)
}

func writeArtifact(dir string, a *transcode.Artifact) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, a.Filename)
	if err := os.WriteFile(path, a.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	slog.Debug("Saved artifact", "path", path, "mime_type", a.MIMEType, "bytes", len(a.Data))
	return path, nil
}

// TranscodeAll converts several recordings to WAV concurrently. Results keep
// the order of inputs; the first failure cancels the rest.
func (s *Service) TranscodeAll(ctx context.Context, inputs []Input) ([]*transcode.Artifact, error) {
	out := make([]*transcode.Artifact, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, in := range inputs {
		g.Go(func() error {
			mime := in.MIMEType
			if mime == "" {
				mime = transcode.MIMETypeFor(in.Data)
			}
			a, err := s.transcoder.ToWAV(gctx, in.Data, mime, in.Name)
			if err != nil {
				return fmt.Errorf("%s: %w", in.Name, err)
			}
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close tears down every controller, releasing the microphone if held.
func (s *Service) Close() error {
	var errs []error
	for kind, ctrl := range s.controllers {
		if err := ctrl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	for _, unsub := range s.unsubs {
		unsub()
	}
	return errors.Join(errs...)
}

// GetLastError returns the last error message (thread-safe)
func (s *Service) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *Service) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

func (s *Service) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}
