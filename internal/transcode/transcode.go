package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// MIMEWAV is the type of transcoded artifacts.
const MIMEWAV = "audio/wav"

// Artifact is a named audio payload ready for upload.
type Artifact struct {
	Data     []byte
	MIMEType string
	Filename string
}

// Transcoder converts captured container blobs into canonical WAV.
type Transcoder struct {
	Decoder *Decoder

	// OnResult, if set, observes every conversion.
	OnResult func(format Format, elapsed time.Duration, err error)
}

// New creates a Transcoder; ffmpeg enables the subprocess decode fallback.
func New(ffmpeg bool) *Transcoder {
	return &Transcoder{Decoder: &Decoder{FFmpeg: ffmpeg}}
}

// ToWAV decodes blob and re-encodes it as 16-bit WAV named <name>.wav.
// blob is never modified, so a failed conversion leaves it usable as is.
func (t *Transcoder) ToWAV(ctx context.Context, blob []byte, mimeType, name string) (*Artifact, error) {
	start := time.Now()
	format := Sniff(blob)

	buf, err := t.Decoder.Decode(ctx, blob, mimeType)
	if t.OnResult != nil {
		t.OnResult(format, time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}

	slog.Debug("Decoded recording",
		"format", format,
		"sample_rate", buf.SampleRate(),
		"channels", buf.NumChannels(),
		"duration", buf.Duration(),
		"elapsed", time.Since(start),
	)

	return &Artifact{
		Data:     EncodeWAV(buf),
		MIMEType: MIMEWAV,
		Filename: SafeName(name) + ".wav",
	}, nil
}

// Native relabels a blob without converting it: the filename extension is
// derived from its MIME type.
func Native(blob []byte, mimeType, name string) *Artifact {
	return &Artifact{
		Data:     blob,
		MIMEType: mimeType,
		Filename: SafeName(name) + "." + ExtensionFor(mimeType),
	}
}

// ExtensionFor maps a container MIME type to a file extension.
func ExtensionFor(mimeType string) string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base = strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	}
	switch base {
	case "audio/ogg", "application/ogg":
		return "ogg"
	case "audio/webm", "video/webm":
		return "webm"
	case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
		return "wav"
	case "audio/mp4", "audio/x-m4a":
		return "m4a"
	case "audio/mpeg":
		return "mp3"
	}
	return "bin"
}

// MIMETypeFor guesses a container MIME type from a blob's leading bytes.
func MIMETypeFor(data []byte) string {
	switch Sniff(data) {
	case FormatOgg:
		return "audio/ogg;codecs=opus"
	case FormatWAV:
		return MIMEWAV
	case FormatWebM:
		return "audio/webm"
	}
	return "application/octet-stream"
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9 _-]`)

// SafeName strips characters that are awkward in file names and replaces
// spaces with underscores.
func SafeName(name string) string {
	cleaned := unsafeChars.ReplaceAllString(name, "")
	cleaned = strings.ReplaceAll(strings.TrimSpace(cleaned), " ", "_")
	if cleaned == "" {
		return "recording"
	}
	return cleaned
}

// Describe formats a one-line summary of an artifact for logs and CLI output
func Describe(a *Artifact) string {
	return fmt.Sprintf("%s (%s, %s)", a.Filename, a.MIMEType, humanize.Bytes(uint64(len(a.Data))))
}
