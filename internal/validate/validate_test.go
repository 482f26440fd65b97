package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/voxmill/voxmill/pkg/types"
)

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", "Hello, world.", "Hello, world.", false},
		{"strips control chars", "Hel\x00lo\x07 there", "Hello there", false},
		{"keeps newline and tab as whitespace", "a\nb\tc", "a b c", false},
		{"collapses whitespace runs", "a   b \n\n  c", "a b c", false},
		{"trims", "  hi  ", "hi", false},
		{"single char ok", "x", "x", false},
		{"empty rejected", "", "", true},
		{"only control chars rejected", "\x00\x01\x02", "", true},
		{"only whitespace rejected", "   \n\t ", "", true},
		{"max length ok", strings.Repeat("a", MaxTextLen), strings.Repeat("a", MaxTextLen), false},
		{"over max rejected", strings.Repeat("a", MaxTextLen+1), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeText(tt.in)
			if tt.wantErr {
				if types.KindOf(err) != types.KindValidation {
					t.Fatalf("kind = %v, want validation_error", types.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("SanitizeText: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLanguage(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"en", "en", false},
		{"EN", "en", false},
		{"en-US", "en-US", false},
		{"en-us", "en-US", false},
		{"De-de", "de-DE", false},
		{"english", "", true},
		{"e", "", true},
		{"en-USA", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := Language(tt.in)
		if tt.wantErr {
			if types.KindOf(err) != types.KindValidation {
				t.Errorf("Language(%q): kind = %v, want validation_error", tt.in, types.KindOf(err))
			}
			continue
		}
		if err != nil {
			t.Errorf("Language(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Language(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnumCoercion(t *testing.T) {
	if m, err := Mode("PRESET"); err != nil || m != types.ModePreset {
		t.Errorf("Mode(PRESET) = %v, %v", m, err)
	}
	if m, err := Mode("Voice_Clone"); err != nil || m != types.ModeVoiceClone {
		t.Errorf("Mode(Voice_Clone) = %v, %v", m, err)
	}
	_, err := Mode("streaming")
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("Mode(streaming): kind = %v, want validation_error", types.KindOf(err))
	}
	// The error names the field and lists accepted values.
	if msg := types.MessageOf(err); !strings.Contains(msg, "mode") || !strings.Contains(msg, "preset") {
		t.Errorf("error message %q should name the field and accepted values", msg)
	}

	if p, err := Preset("Female_Generic"); err != nil || p != types.PresetFemaleGeneric {
		t.Errorf("Preset(Female_Generic) = %v, %v", p, err)
	}
	if _, err := Preset("robot"); types.KindOf(err) != types.KindValidation {
		t.Errorf("Preset(robot): kind = %v, want validation_error", types.KindOf(err))
	}

	if e, err := Engine("XTTS"); err != nil || e != types.EngineXTTS {
		t.Errorf("Engine(XTTS) = %v, %v", e, err)
	}
	if _, err := Engine("tacotron"); types.KindOf(err) != types.KindValidation {
		t.Errorf("Engine(tacotron): kind = %v, want validation_error", types.KindOf(err))
	}
}

func TestVoiceName(t *testing.T) {
	if got, err := VoiceName("  Alice  "); err != nil || got != "Alice" {
		t.Errorf("VoiceName = %q, %v", got, err)
	}
	if _, err := VoiceName(""); types.KindOf(err) != types.KindValidation {
		t.Errorf("empty name: kind = %v", types.KindOf(err))
	}
	if _, err := VoiceName(strings.Repeat("x", 101)); types.KindOf(err) != types.KindValidation {
		t.Errorf("101 chars: kind = %v", types.KindOf(err))
	}
	if got, err := VoiceName(strings.Repeat("x", 100)); err != nil || len(got) != 100 {
		t.Errorf("100 chars: %q, %v", got, err)
	}
	if _, err := VoiceName("bad\x00name"); types.KindOf(err) != types.KindValidation {
		t.Errorf("control char: kind = %v", types.KindOf(err))
	}
}

func TestUpload(t *testing.T) {
	for _, ct := range []string{"audio/wav", "audio/mpeg", "audio/ogg", "audio/flac", "audio/mp4"} {
		if err := Upload(ct, 1024); err != nil {
			t.Errorf("Upload(%s): %v", ct, err)
		}
	}
	if err := Upload("audio/ogg; codecs=opus", 1024); err != nil {
		t.Errorf("Upload with parameters: %v", err)
	}
	if err := Upload("AUDIO/WAV", 1024); err != nil {
		t.Errorf("Upload case-insensitive: %v", err)
	}
	if err := Upload("video/mp4", 1024); types.KindOf(err) != types.KindValidation {
		t.Errorf("bad mime: kind = %v", types.KindOf(err))
	}
	if err := Upload("audio/wav", MaxUploadBytes); err != nil {
		t.Errorf("exact cap: %v", err)
	}
	if err := Upload("audio/wav", MaxUploadBytes+1); types.KindOf(err) != types.KindValidation {
		t.Errorf("over cap: kind = %v", types.KindOf(err))
	}
}

func TestReferenceDuration(t *testing.T) {
	tests := []struct {
		d       time.Duration
		wantErr bool
	}{
		{3 * time.Second, false},
		{2990 * time.Millisecond, true},
		{300 * time.Second, false},
		{300*time.Second + 10*time.Millisecond, true},
		{10 * time.Second, false},
	}
	for _, tt := range tests {
		err := ReferenceDuration(tt.d)
		if tt.wantErr && types.KindOf(err) != types.KindValidation {
			t.Errorf("ReferenceDuration(%v): kind = %v, want validation_error", tt.d, types.KindOf(err))
		}
		if !tt.wantErr && err != nil {
			t.Errorf("ReferenceDuration(%v): %v", tt.d, err)
		}
	}
}
