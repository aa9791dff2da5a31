// Package upload submits recordings to the voice authentication API.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/voicecapture/internal/transcode"
)

// Endpoint paths of the voice authentication API.
const (
	PathUploadEnrollment    = "/audio/upload-enrollment"
	PathCreateUserWithVoice = "/manager/create-user-with-voice"
	PathGenerateChallenge   = "/auth/generate-challenge"
	PathVerifyChallenge     = "/auth/verify-challenge-enhanced"
	pathEnrollmentInfo      = "/user/%d/enrollment-info"
)

// APIError is a non-2xx response. Detail is the API's "detail" message when
// it sent one.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Detail)
}

type EnrollmentResult struct {
	Message         string  `json:"message"`
	AudioID         int     `json:"audio_id"`
	EnrollmentCount int     `json:"enrollment_count"`
	MFCCExtracted   bool    `json:"mfcc_extracted"`
	AudioDuration   float64 `json:"audio_duration,omitempty"`
}

type NewUser struct {
	FullName  string
	Email     string
	CreatedBy int
}

type CreateUserResult struct {
	Success              bool              `json:"success"`
	UserID               int               `json:"user_id"`
	FullName             string            `json:"full_name"`
	Email                string            `json:"email"`
	EnrollmentsProcessed int               `json:"enrollments_processed"`
	TotalEnrollments     int               `json:"total_enrollments"`
	EmailSent            bool              `json:"email_sent"`
	EnrollmentDetails    []json.RawMessage `json:"enrollment_details,omitempty"`
	Message              string            `json:"message"`
}

type Challenge struct {
	ChallengeID string `json:"challenge_id"`
	Phrase      string `json:"phrase"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

type VerifyResult struct {
	Success          bool            `json:"success"`
	FinalDecision    string          `json:"final_decision,omitempty"`
	Message          string          `json:"message"`
	TextVerification json.RawMessage `json:"text_verification,omitempty"`
	AttemptID        int             `json:"attempt_id,omitempty"`
	UserID           int             `json:"user_id,omitempty"`
}

type Enrollment struct {
	AudioID       int     `json:"audio_id"`
	CreatedAt     string  `json:"created_at"`
	HasMFCC       bool    `json:"has_mfcc"`
	AudioDuration float64 `json:"audio_duration"`
	NumFrames     int     `json:"num_frames"`
}

type EnrollmentInfo struct {
	UserID          int          `json:"user_id"`
	EnrollmentCount int          `json:"enrollment_count"`
	MaxEnrollments  int          `json:"max_enrollments"`
	CanRecordMore   bool         `json:"can_record_more"`
	Enrollments     []Enrollment `json:"enrollments"`
}

// Client talks to the API at BaseURL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// OnResponse, when set, is called once per request with the endpoint
	// path and "ok" or "error".
	OnResponse func(endpoint, status string)
}

// New creates a client with the given request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// UploadEnrollment submits one WAV enrollment sample.
func (c *Client) UploadEnrollment(ctx context.Context, userID int, a *transcode.Artifact) (*EnrollmentResult, error) {
	f := newForm()
	f.field("user_id", strconv.Itoa(userID))
	f.file("audio_file", a)

	var res EnrollmentResult
	if err := c.postForm(ctx, PathUploadEnrollment, f, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateUserWithVoice creates a user and enrolls every artifact in one
// request.
func (c *Client) CreateUserWithVoice(ctx context.Context, u NewUser, artifacts []*transcode.Artifact) (*CreateUserResult, error) {
	if len(artifacts) == 0 {
		return nil, errors.New("at least one voice sample is required")
	}
	f := newForm()
	f.field("full_name", u.FullName)
	f.field("email", u.Email)
	f.field("created_by", strconv.Itoa(u.CreatedBy))
	for _, a := range artifacts {
		f.file("audio_files", a)
	}

	var res CreateUserResult
	if err := c.postForm(ctx, PathCreateUserWithVoice, f, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GenerateChallenge asks the API for a phrase to speak.
func (c *Client) GenerateChallenge(ctx context.Context, userID int) (*Challenge, error) {
	body, err := json.Marshal(map[string]int{"user_id": userID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+PathGenerateChallenge, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var res Challenge
	if err := c.do(req, PathGenerateChallenge, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// VerifyChallenge submits the spoken challenge as recorded.
func (c *Client) VerifyChallenge(ctx context.Context, challengeID string, userID int, a *transcode.Artifact) (*VerifyResult, error) {
	f := newForm()
	f.field("challenge_id", challengeID)
	f.field("user_id", strconv.Itoa(userID))
	f.file("audio_file", a)

	var res VerifyResult
	if err := c.postForm(ctx, PathVerifyChallenge, f, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// EnrollmentInfo reports how many samples a user has enrolled.
func (c *Client) EnrollmentInfo(ctx context.Context, userID int) (*EnrollmentInfo, error) {
	path := fmt.Sprintf(pathEnrollmentInfo, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	var res EnrollmentInfo
	if err := c.do(req, "/user/enrollment-info", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) postForm(ctx context.Context, path string, f *form, out any) error {
	if f.err != nil {
		return fmt.Errorf("failed to build form: %w", f.err)
	}
	if err := f.w.Close(); err != nil {
		return fmt.Errorf("failed to build form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &f.buf)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", f.w.FormDataContentType())
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, endpoint string, out any) (err error) {
	defer func() {
		if c.OnResponse == nil {
			return
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.OnResponse(endpoint, status)
	}()

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	slog.Debug("API request", "method", req.Method, "url", req.URL.String())
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var detail struct {
			Detail any `json:"detail"`
		}
		if json.Unmarshal(body, &detail) == nil && detail.Detail != nil {
			if s, ok := detail.Detail.(string); ok {
				apiErr.Detail = s
			} else {
				b, _ := json.Marshal(detail.Detail)
				apiErr.Detail = string(b)
			}
		}
		slog.Debug("API error", "endpoint", endpoint, "status", resp.StatusCode, "detail", apiErr.Detail)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

type form struct {
	buf bytes.Buffer
	w   *multipart.Writer
	err error
}

func newForm() *form {
	f := &form{}
	f.w = multipart.NewWriter(&f.buf)
	return f
}

func (f *form) field(name, value string) {
	if f.err != nil {
		return
	}
	f.err = f.w.WriteField(name, value)
}

// file adds a part carrying the artifact's own MIME type, which the API
// uses to tell WAV uploads from native recordings.
func (f *form) file(name string, a *transcode.Artifact) {
	if f.err != nil {
		return
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, name, a.Filename))
	h.Set("Content-Type", a.MIMEType)
	part, err := f.w.CreatePart(h)
	if err != nil {
		f.err = err
		return
	}
	_, f.err = part.Write(a.Data)
}
