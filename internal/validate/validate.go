// Package validate holds all inbound parameter validation. The API gateway is
// the only caller; by the time a job record reaches the worker its fields are
// trusted.
package validate

import (
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/voxmill/voxmill/pkg/types"
)

const (
	// MaxTextLen is the post-sanitisation character limit for synthesis text.
	MaxTextLen = 10000

	// MaxUploadBytes caps reference audio uploads at 50 MiB.
	MaxUploadBytes = 50 << 20

	// MinReferenceDuration and MaxReferenceDuration bound reference audio
	// length, inclusive on both ends.
	MinReferenceDuration = 3 * time.Second
	MaxReferenceDuration = 300 * time.Second

	maxVoiceNameLen = 100
)

var languageRe = regexp.MustCompile(`^[a-z]{2}(-[A-Z]{2})?$`)

// acceptedMIMETypes is the upload allow-list.
var acceptedMIMETypes = map[string]bool{
	"audio/wav":  true,
	"audio/mpeg": true,
	"audio/ogg":  true,
	"audio/flac": true,
	"audio/mp4":  true,
}

// SanitizeText strips control characters, collapses runs of whitespace into a
// single space, trims, and enforces the length bounds. \n and \t survive the
// strip as word separators: "a\nb" sanitises to "a b", while "a\x00b" glues
// into "ab".
func SanitizeText(text string) (string, error) {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	clean := strings.Join(strings.Fields(b.String()), " ")

	n := len([]rune(clean))
	if n < 1 {
		return "", types.E(types.KindValidation, "text must not be empty after sanitization")
	}
	if n > MaxTextLen {
		return "", types.E(types.KindValidation, "text exceeds %d characters after sanitization (got %d)", MaxTextLen, n)
	}
	return clean, nil
}

// Language normalises and validates a BCP-47 style code: a lowercase two
// letter language optionally followed by an uppercase two letter region.
func Language(code string) (string, error) {
	code = strings.TrimSpace(code)
	parts := strings.SplitN(code, "-", 2)
	norm := strings.ToLower(parts[0])
	if len(parts) == 2 {
		norm += "-" + strings.ToUpper(parts[1])
	}
	if !languageRe.MatchString(norm) {
		return "", types.E(types.KindValidation, "field language: %q is not a valid language code (expected e.g. \"en\" or \"en-US\")", code)
	}
	return norm, nil
}

// Mode coerces a form-encoded job mode, case-insensitively.
func Mode(raw string) (types.JobMode, error) {
	m := types.JobMode(strings.ToLower(strings.TrimSpace(raw)))
	if !m.IsValid() {
		return "", enumError("mode", raw, []string{string(types.ModePreset), string(types.ModeVoiceClone)})
	}
	return m, nil
}

// Preset coerces a form-encoded voice preset, case-insensitively.
func Preset(raw string) (types.VoicePreset, error) {
	p := types.VoicePreset(strings.ToLower(strings.TrimSpace(raw)))
	if !p.IsValid() {
		accepted := make([]string, len(types.VoicePresets))
		for i, v := range types.VoicePresets {
			accepted[i] = string(v)
		}
		return "", enumError("voice_preset", raw, accepted)
	}
	return p, nil
}

// Engine coerces an engine name, case-insensitively. Only XTTS is supported.
func Engine(raw string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(raw))
	if e != types.EngineXTTS {
		return "", enumError("engine", raw, []string{types.EngineXTTS})
	}
	return e, nil
}

// VoiceName validates a voice profile name: 1-100 printable characters.
// Collisions are permitted; the id is the identity, not the name.
func VoiceName(name string) (string, error) {
	name = strings.TrimSpace(name)
	n := len([]rune(name))
	if n < 1 || n > maxVoiceNameLen {
		return "", types.E(types.KindValidation, "field name: must be 1-%d characters", maxVoiceNameLen)
	}
	for _, r := range name {
		if !unicode.IsPrint(r) {
			return "", types.E(types.KindValidation, "field name: must contain only printable characters")
		}
	}
	return name, nil
}

// Upload checks an inbound reference-audio upload before any decoding work:
// MIME allow-list and size cap. Duration is checked separately once the audio
// has been probed.
func Upload(contentType string, size int64) error {
	// Strip any media-type parameters like "; codecs=...".
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if !acceptedMIMETypes[mime] {
		accepted := make([]string, 0, len(acceptedMIMETypes))
		for m := range acceptedMIMETypes {
			accepted = append(accepted, m)
		}
		sort.Strings(accepted)
		return enumError("content type", contentType, accepted)
	}
	if size > MaxUploadBytes {
		return types.E(types.KindValidation, "upload exceeds %d MiB", MaxUploadBytes>>20)
	}
	return nil
}

// ReferenceDuration checks probed audio duration against the inclusive
// [3 s, 300 s] window.
func ReferenceDuration(d time.Duration) error {
	if d < MinReferenceDuration {
		return types.E(types.KindValidation, "reference audio is %.2fs, must be at least %.0fs",
			d.Seconds(), MinReferenceDuration.Seconds())
	}
	if d > MaxReferenceDuration {
		return types.E(types.KindValidation, "reference audio is %.2fs, must be at most %.0fs",
			d.Seconds(), MaxReferenceDuration.Seconds())
	}
	return nil
}

// enumError builds the structured validation error carrying the offending
// field and the accepted values.
func enumError(field, got string, accepted []string) error {
	return types.E(types.KindValidation, "field %s: unknown value %q (accepted: %s)",
		field, got, strings.Join(accepted, ", "))
}
