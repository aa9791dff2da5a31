package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/audiolibrelab/voicecapture/internal/capture"
	"github.com/audiolibrelab/voicecapture/internal/capture/mock"
	"github.com/audiolibrelab/voicecapture/internal/config"
	"github.com/audiolibrelab/voicecapture/internal/observe"
	"github.com/audiolibrelab/voicecapture/internal/service"
	"github.com/audiolibrelab/voicecapture/internal/transcode"
	"github.com/audiolibrelab/voicecapture/internal/upload"
)

type fakeAPI struct {
	mu sync.Mutex

	Info      upload.EnrollmentInfo
	InfoErr   error
	UploadErr error

	Enrollments []*transcode.Artifact
	Verified    []*transcode.Artifact
	VerifyIDs   []string
	Created     []upload.NewUser
	Challenges  int
}

func (f *fakeAPI) UploadEnrollment(_ context.Context, userID int, a *transcode.Artifact) (*upload.EnrollmentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return nil, f.UploadErr
	}
	f.Enrollments = append(f.Enrollments, a)
	return &upload.EnrollmentResult{EnrollmentCount: len(f.Enrollments), MFCCExtracted: true}, nil
}

func (f *fakeAPI) CreateUserWithVoice(_ context.Context, u upload.NewUser, artifacts []*transcode.Artifact) (*upload.CreateUserResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created = append(f.Created, u)
	return &upload.CreateUserResult{Success: true, EnrollmentsProcessed: len(artifacts)}, nil
}

func (f *fakeAPI) GenerateChallenge(_ context.Context, userID int) (*upload.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Challenges++
	return &upload.Challenge{ChallengeID: "ch-1", Phrase: "blue river seven"}, nil
}

func (f *fakeAPI) VerifyChallenge(_ context.Context, challengeID string, userID int, a *transcode.Artifact) (*upload.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.VerifyIDs = append(f.VerifyIDs, challengeID)
	f.Verified = append(f.Verified, a)
	return &upload.VerifyResult{Success: true, UserID: userID}, nil
}

func (f *fakeAPI) EnrollmentInfo(_ context.Context, userID int) (*upload.EnrollmentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InfoErr != nil {
		return nil, f.InfoErr
	}
	info := f.Info
	return &info, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc    *service.Service
	dev    *mock.Device
	api    *fakeAPI
	clock  *clock
	reader *sdkmetric.ManualReader
}

func newFixture(t *testing.T, mime string) *fixture {
	t.Helper()
	cfg := config.Default()
	noFFmpeg := false
	cfg.Transcode.FFmpegFallback = &noFFmpeg
	cfg.Output.Directory = t.TempDir()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	require.NoError(t, err)

	f := &fixture{
		dev:    &mock.Device{MIME: mime, ConfirmStop: true},
		api:    &fakeAPI{Info: upload.EnrollmentInfo{CanRecordMore: true}},
		clock:  &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		reader: reader,
	}
	f.svc = service.New(cfg, service.Options{
		Device:  f.dev,
		API:     f.api,
		Metrics: metrics,
		Now:     f.clock.Now,
	})
	t.Cleanup(func() { _ = f.svc.Close() })
	return f
}

// record runs one complete session of kind that captures chunks.
func (f *fixture) record(t *testing.T, kind capture.Kind, chunks ...[]byte) capture.Session {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.svc.StartCapture(ctx, kind))
	for _, c := range chunks {
		f.dev.Last().Emit(c)
	}
	require.NoError(t, f.svc.StopCapture(kind))

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sess, err := f.svc.WaitCapture(wctx, kind)
	require.NoError(t, err)
	return sess
}

func wavBlob(t *testing.T) []byte {
	t.Helper()
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = float32(i%100) / 200
	}
	buf, err := transcode.NewBuffer(16000, [][]float32{samples})
	require.NoError(t, err)
	return transcode.EncodeWAV(buf)
}

func TestSubmitEnrollmentUploadsWAV(t *testing.T) {
	f := newFixture(t, transcode.MIMEWAV)
	blob := wavBlob(t)
	sess := f.record(t, capture.KindEnrollment, blob[:100], blob[100:])
	require.Equal(t, capture.StateReady, sess.State)

	res, err := f.svc.SubmitEnrollment(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EnrollmentCount)

	require.Len(t, f.api.Enrollments, 1)
	a := f.api.Enrollments[0]
	assert.Equal(t, "voice_sample_42.wav", a.Filename)
	assert.Equal(t, transcode.MIMEWAV, a.MIMEType)
	require.NoError(t, transcode.ValidateWAV(a.Data))
	info, err := transcode.ParseWAVInfo(a.Data)
	require.NoError(t, err)
	assert.Equal(t, uint32(16000), info.SampleRate)
	assert.Empty(t, f.svc.GetLastError())
}

func TestSubmitEnrollmentUnsupportedKeepsRecording(t *testing.T) {
	f := newFixture(t, "audio/webm;codecs=opus")
	blob := []byte{0x1a, 0x45, 0xdf, 0xa3, 1, 2, 3, 4}
	f.record(t, capture.KindEnrollment, blob)

	_, err := f.svc.SubmitEnrollment(context.Background(), 42)
	require.ErrorIs(t, err, transcode.ErrUnsupportedFormat)
	assert.Empty(t, f.api.Enrollments)
	assert.NotEmpty(t, f.svc.GetLastError())

	rec, err := f.svc.Recording(capture.KindEnrollment)
	require.NoError(t, err)
	assert.Equal(t, blob, rec.Data)
	sess, _ := f.svc.CaptureStatus(capture.KindEnrollment)
	assert.Equal(t, capture.StateReady, sess.State)
}

func TestSubmitChallengeSendsNativeBlob(t *testing.T) {
	f := newFixture(t, capture.MIMEOggOpus)
	ctx := context.Background()

	ch, err := f.svc.RequestChallenge(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "blue river seven", ch.Phrase)
	assert.Equal(t, f.clock.Now().Add(300*time.Second), ch.ExpiresAt)

	f.record(t, capture.KindChallenge, []byte("OggS-first"), []byte("-second"))

	res, err := f.svc.SubmitChallenge(ctx, 42)
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, f.api.Verified, 1)
	a := f.api.Verified[0]
	assert.Equal(t, "challenge_42.ogg", a.Filename)
	assert.Equal(t, capture.MIMEOggOpus, a.MIMEType)
	assert.Equal(t, []byte("OggS-first-second"), a.Data)
	assert.Equal(t, []string{"ch-1"}, f.api.VerifyIDs)

	_, ok := f.svc.ActiveChallenge()
	assert.False(t, ok, "challenge is single use")
	_, err = f.svc.SubmitChallenge(ctx, 42)
	assert.ErrorIs(t, err, service.ErrNoChallenge)
}

func TestSubmitChallengeExpired(t *testing.T) {
	f := newFixture(t, capture.MIMEOggOpus)
	ctx := context.Background()

	_, err := f.svc.RequestChallenge(ctx, 42)
	require.NoError(t, err)
	f.record(t, capture.KindChallenge, []byte("OggS"))

	f.clock.Advance(300*time.Second + time.Millisecond)
	_, err = f.svc.SubmitChallenge(ctx, 42)
	assert.ErrorIs(t, err, service.ErrChallengeExpired)
	assert.Empty(t, f.api.Verified)
}

func TestSubmitChallengeForAnotherUser(t *testing.T) {
	f := newFixture(t, capture.MIMEOggOpus)
	_, err := f.svc.RequestChallenge(context.Background(), 42)
	require.NoError(t, err)

	_, err = f.svc.SubmitChallenge(context.Background(), 7)
	assert.ErrorIs(t, err, service.ErrNoChallenge)
}

func TestMicrophoneIsShared(t *testing.T) {
	f := newFixture(t, capture.MIMEOggOpus)
	ctx := context.Background()

	f.record(t, capture.KindEnrollment, []byte("enrolled-audio"))
	require.NoError(t, f.svc.StartCapture(ctx, capture.KindChallenge))

	err := f.svc.StartCapture(ctx, capture.KindEnrollment)
	require.ErrorIs(t, err, capture.ErrSessionAlreadyActive)
	assert.Contains(t, f.svc.GetLastError(), "enrollment")

	enrollment, _ := f.svc.CaptureStatus(capture.KindEnrollment)
	assert.Equal(t, capture.StateReady, enrollment.State)
	rec, err := f.svc.Recording(capture.KindEnrollment)
	require.NoError(t, err)
	assert.Equal(t, []byte("enrolled-audio"), rec.Data)

	challenge, _ := f.svc.CaptureStatus(capture.KindChallenge)
	assert.Equal(t, capture.StateRecording, challenge.State)

	f.dev.Last().Emit([]byte("OggS"))
	require.NoError(t, f.svc.StopCapture(capture.KindChallenge))
	_, err = f.svc.WaitCapture(ctx, capture.KindChallenge)
	require.NoError(t, err)

	require.NoError(t, f.svc.StartCapture(ctx, capture.KindEnrollment))
	enrollment, _ = f.svc.CaptureStatus(capture.KindEnrollment)
	assert.Equal(t, capture.StateRecording, enrollment.State)
}

func TestCheckEnrollmentQuota(t *testing.T) {
	tests := []struct {
		name    string
		info    upload.EnrollmentInfo
		wantErr bool
	}{
		{"room left", upload.EnrollmentInfo{EnrollmentCount: 2, CanRecordMore: true}, false},
		{"api refuses", upload.EnrollmentInfo{EnrollmentCount: 1, CanRecordMore: false}, true},
		{"local limit", upload.EnrollmentInfo{EnrollmentCount: 5, CanRecordMore: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, transcode.MIMEWAV)
			f.api.Info = tt.info
			_, err := f.svc.CheckEnrollmentQuota(context.Background(), 42)
			if tt.wantErr {
				assert.ErrorIs(t, err, service.ErrEnrollmentLimit)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	f := newFixture(t, transcode.MIMEWAV)
	f.api.InfoErr = &upload.APIError{StatusCode: 500}
	_, err := f.svc.CheckEnrollmentQuota(context.Background(), 42)
	var apiErr *upload.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestTranscodeAll(t *testing.T) {
	f := newFixture(t, transcode.MIMEWAV)
	blob := wavBlob(t)

	out, err := f.svc.TranscodeAll(context.Background(), []service.Input{
		{Name: "sample 1", Data: blob},
		{Name: "sample 2", Data: blob, MIMEType: transcode.MIMEWAV},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "sample_1.wav", out[0].Filename)
	assert.Equal(t, "sample_2.wav", out[1].Filename)

	_, err = f.svc.TranscodeAll(context.Background(), []service.Input{
		{Name: "good", Data: blob},
		{Name: "bad", Data: []byte("not audio")},
	})
	assert.ErrorIs(t, err, transcode.ErrUnsupportedFormat)
	assert.ErrorContains(t, err, "bad")
}

func TestSaveRecordingAndWAV(t *testing.T) {
	f := newFixture(t, transcode.MIMEWAV)
	blob := wavBlob(t)
	f.record(t, capture.KindEnrollment, blob)
	dir := filepath.Join(t.TempDir(), "out")

	path, err := f.svc.SaveRecording(capture.KindEnrollment, dir, "take one")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "take_one.wav"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, blob, data)

	path, err = f.svc.SaveWAV(context.Background(), capture.KindEnrollment, dir, "converted")
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NoError(t, transcode.ValidateWAV(data))

	_, err = f.svc.SaveRecording(capture.KindChallenge, dir, "nothing")
	assert.ErrorIs(t, err, capture.ErrNotReady)
}

func TestUnknownKind(t *testing.T) {
	f := newFixture(t, transcode.MIMEWAV)
	err := f.svc.StartCapture(context.Background(), capture.Kind("karaoke"))
	assert.ErrorIs(t, err, service.ErrUnknownKind)
	_, err = f.svc.CaptureStatus("karaoke")
	assert.ErrorIs(t, err, service.ErrUnknownKind)
}

func TestCloseReleasesMicrophone(t *testing.T) {
	f := newFixture(t, capture.MIMEOggOpus)
	require.NoError(t, f.svc.StartCapture(context.Background(), capture.KindChallenge))
	s := f.dev.Last()

	require.NoError(t, f.svc.Close())
	assert.Equal(t, 1, s.Released())
	assert.ErrorIs(t, f.svc.StartCapture(context.Background(), capture.KindChallenge), capture.ErrDisposed)
}

func TestSessionMetrics(t *testing.T) {
	f := newFixture(t, transcode.MIMEWAV)
	f.record(t, capture.KindEnrollment, wavBlob(t))
	f.record(t, capture.KindEnrollment)

	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))

	outcomes := map[string]int64{}
	var started int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "voicecapture.sessions.started":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					started += dp.Value
				}
			case "voicecapture.sessions.finished":
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					v, _ := dp.Attributes.Value("outcome")
					outcomes[v.AsString()] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), started)
	assert.Equal(t, map[string]int64{observe.OutcomeReady: 1, observe.OutcomeFailed: 1}, outcomes)
}

func TestUploadSampleAndVerifyFile(t *testing.T) {
	f := newFixture(t, transcode.MIMEWAV)
	ctx := context.Background()
	wav := &transcode.Artifact{Data: wavBlob(t), MIMEType: transcode.MIMEWAV, Filename: "voice_sample_5_1.wav"}

	_, err := f.svc.UploadSample(ctx, 5, wav)
	require.NoError(t, err)
	require.Len(t, f.api.Enrollments, 1)
	assert.Same(t, wav, f.api.Enrollments[0])

	native := transcode.Native([]byte("OggS"), capture.MIMEOggOpus, "challenge_5")
	res, err := f.svc.VerifyFile(ctx, "explicit-id", 5, native)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"explicit-id"}, f.api.VerifyIDs)
}
