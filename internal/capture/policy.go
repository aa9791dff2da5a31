package capture

import (
	"fmt"
	"time"
)

// Kind identifies the capture surface a session belongs to
type Kind string

const (
	KindEnrollment Kind = "enrollment"
	KindChallenge  Kind = "challenge"
)

// ParseKind converts a user supplied string into a Kind
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindEnrollment, KindChallenge:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown capture kind %q (valid: enrollment, challenge)", s)
}

// MIMEOggOpus is the preferred container for captured audio.
const MIMEOggOpus = "audio/ogg;codecs=opus"

// DefaultMIMEType tags a recording whose stream did not negotiate a type.
const DefaultMIMEType = "application/octet-stream"

// tickInterval drives the elapsed-time counter.
const tickInterval = time.Second

// Policy holds the recording-duration policy of one capture surface.
type Policy struct {
	Kind Kind

	// MaxDuration triggers an automatic stop once the elapsed counter reaches
	// it. Zero means unbounded: the counter is display-only.
	MaxDuration time.Duration

	// ChunkInterval is the slice granularity requested from the stream.
	ChunkInterval time.Duration

	// StopTimeout bounds the wait for the stream to confirm a stop.
	StopTimeout time.Duration
}

// EnrollmentPolicy returns the policy for enrollment capture: a hard stop at
// 30 seconds, one-second slices.
func EnrollmentPolicy() Policy {
	return Policy{
		Kind:          KindEnrollment,
		MaxDuration:   30 * time.Second,
		ChunkInterval: time.Second,
		StopTimeout:   3 * time.Second,
	}
}

// ChallengePolicy returns the policy for challenge capture. There is no
// auto-stop; challenge expiry is enforced by the caller.
func ChallengePolicy() Policy {
	return Policy{
		Kind:          KindChallenge,
		ChunkInterval: 100 * time.Millisecond,
		StopTimeout:   3 * time.Second,
	}
}

// PolicyFor returns the built-in policy of a kind
func PolicyFor(kind Kind) Policy {
	if kind == KindChallenge {
		return ChallengePolicy()
	}
	return EnrollmentPolicy()
}

// Bounded reports whether the policy enforces an automatic stop
func (p Policy) Bounded() bool {
	return p.MaxDuration > 0
}

// maxTicks is the number of elapsed-counter ticks after which a bounded
// session stops itself.
func (p Policy) maxTicks() int {
	return int(p.MaxDuration / tickInterval)
}

// Validate checks the policy for obviously unusable values
func (p Policy) Validate() error {
	if _, err := ParseKind(string(p.Kind)); err != nil {
		return err
	}
	if p.MaxDuration < 0 {
		return fmt.Errorf("max duration must be >= 0, got %s", p.MaxDuration)
	}
	if p.Bounded() && p.MaxDuration < tickInterval {
		return fmt.Errorf("max duration must be at least %s when bounded, got %s", tickInterval, p.MaxDuration)
	}
	if p.ChunkInterval <= 0 {
		return fmt.Errorf("chunk interval must be > 0, got %s", p.ChunkInterval)
	}
	if p.StopTimeout <= 0 {
		return fmt.Errorf("stop timeout must be > 0, got %s", p.StopTimeout)
	}
	return nil
}

// Constraints are the capture hints passed to a device on acquisition.
type Constraints struct {
	SampleRate         int
	Channels           int
	EchoCancellation   bool
	NoiseSuppression   bool
	PreferredContainer string
}

// DefaultConstraints requests mono 16 kHz audio with echo cancellation and
// noise suppression enabled.
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:         16000,
		Channels:           1,
		EchoCancellation:   true,
		NoiseSuppression:   true,
		PreferredContainer: MIMEOggOpus,
	}
}
