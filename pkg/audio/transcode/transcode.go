// Package transcode converts canonical 24 kHz mono PCM into downloadable
// container formats. WAV is produced natively; every other container shells
// out to ffmpeg, which is treated as a deterministic pure function from
// (pcm, sample rate, format) to encoded bytes.
package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/voxmill/voxmill/pkg/audio"
)

// Format names a supported output container.
type Format string

const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatOGG  Format = "ogg"
	FormatFLAC Format = "flac"
	FormatM4A  Format = "m4a"
	FormatOpus Format = "opus"
)

// Formats lists all supported output containers in a stable order.
var Formats = []Format{FormatWAV, FormatMP3, FormatOGG, FormatFLAC, FormatM4A, FormatOpus}

// IsValid reports whether f is a supported format.
func (f Format) IsValid() bool {
	for _, v := range Formats {
		if f == v {
			return true
		}
	}
	return false
}

// ContentType returns the MIME type served for downloads in this format.
func (f Format) ContentType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatOGG:
		return "audio/ogg"
	case FormatFLAC:
		return "audio/flac"
	case FormatM4A:
		return "audio/mp4"
	case FormatOpus:
		return "audio/opus"
	default:
		return "application/octet-stream"
	}
}

// Transcoder converts PCM to encoded container bytes and decodes uploads back
// to PCM. Implementations must be safe for concurrent use.
type Transcoder interface {
	// Transcode encodes 16-bit mono PCM at sampleRate into format.
	Transcode(ctx context.Context, pcm []byte, sampleRate int, format Format) ([]byte, error)

	// Decode converts an uploaded audio file into 16-bit PCM, returning the
	// samples together with their native sample rate and channel count.
	Decode(ctx context.Context, data []byte) (pcm []byte, sampleRate, channels int, err error)
}

// FFmpeg is a [Transcoder] backed by the ffmpeg binary. WAV encoding and WAV
// decoding bypass the subprocess entirely.
type FFmpeg struct {
	// Binary is the ffmpeg executable name or path. Defaults to "ffmpeg".
	Binary string

	// Timeout bounds a single subprocess run. Defaults to 60s.
	Timeout time.Duration
}

// NewFFmpeg returns an [*FFmpeg] with defaults applied.
func NewFFmpeg() *FFmpeg {
	return &FFmpeg{Binary: "ffmpeg", Timeout: 60 * time.Second}
}

// codecArgs maps a format to the ffmpeg output arguments that select its codec.
func codecArgs(format Format) []string {
	switch format {
	case FormatMP3:
		return []string{"-f", "mp3", "-codec:a", "libmp3lame", "-q:a", "2"}
	case FormatOGG:
		return []string{"-f", "ogg", "-codec:a", "libvorbis"}
	case FormatFLAC:
		return []string{"-f", "flac", "-codec:a", "flac"}
	case FormatM4A:
		return []string{"-f", "ipod", "-codec:a", "aac"}
	case FormatOpus:
		return []string{"-f", "opus", "-codec:a", "libopus"}
	default:
		return nil
	}
}

// Transcode implements [Transcoder].
func (t *FFmpeg) Transcode(ctx context.Context, pcm []byte, sampleRate int, format Format) ([]byte, error) {
	if !format.IsValid() {
		return nil, fmt.Errorf("transcode: unsupported format %q", format)
	}
	if format == FormatWAV {
		return audio.EncodeWAV(pcm, sampleRate, 1), nil
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le", "-ar", fmt.Sprint(sampleRate), "-ac", "1", "-i", "pipe:0",
	}
	args = append(args, codecArgs(format)...)
	args = append(args, "pipe:1")

	out, err := t.run(ctx, args, pcm)
	if err != nil {
		return nil, fmt.Errorf("transcode: encode %s: %w", format, err)
	}
	return out, nil
}

// Decode implements [Transcoder]. WAV input is parsed natively; everything
// else is piped through ffmpeg to s16le at the source sample rate.
func (t *FFmpeg) Decode(ctx context.Context, data []byte) ([]byte, int, int, error) {
	if info, err := audio.ParseWAV(data); err == nil && info.Bits == 16 {
		pcm := data[info.DataOffset : info.DataOffset+info.DataLen]
		return pcm, info.SampleRate, info.Channels, nil
	}

	// Non-WAV (or non-16-bit WAV): normalise through ffmpeg to 16-bit WAV,
	// then parse that. Letting ffmpeg write a WAV keeps the sample rate and
	// channel count discoverable from the output itself.
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "wav", "-codec:a", "pcm_s16le",
		"pipe:1",
	}
	out, err := t.run(ctx, args, data)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("transcode: decode upload: %w", err)
	}
	info, err := audio.ParseWAV(out)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("transcode: parse decoded wav: %w", err)
	}
	pcm := out[info.DataOffset : info.DataOffset+info.DataLen]
	return pcm, info.SampleRate, info.Channels, nil
}

// run executes the binary with stdin fed from input and returns stdout.
func (t *FFmpeg) run(ctx context.Context, args []string, input []byte) ([]byte, error) {
	bin := t.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("%s: %w (%s)", bin, err, msg)
	}
	return stdout.Bytes(), nil
}
