package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voxmill/voxmill/pkg/types"
)

func testLayout(t *testing.T) Layout {
	t.Helper()
	base := t.TempDir()
	l := Layout{
		ArtifactDir: filepath.Join(base, "artifacts"),
		VoiceDir:    filepath.Join(base, "voices"),
		PresetDir:   filepath.Join(base, "presets"),
	}
	if err := l.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return l
}

func TestPaths(t *testing.T) {
	l := testLayout(t)

	if got := l.ArtifactPath("j1"); !strings.HasSuffix(got, filepath.Join("artifacts", "j1.pcm24k")) {
		t.Errorf("ArtifactPath = %s", got)
	}
	if got := l.VoicePath("v1"); !strings.HasSuffix(got, filepath.Join("voices", "v1.pcm24k")) {
		t.Errorf("VoicePath = %s", got)
	}
	if got := l.PresetPath(types.PresetMaleDeep); !strings.HasSuffix(got, filepath.Join("presets", "male_deep.pcm24k")) {
		t.Errorf("PresetPath = %s", got)
	}
}

func TestWriteAtomic(t *testing.T) {
	l := testLayout(t)
	path := l.ArtifactPath("j1")

	if err := WriteAtomic(path, []byte("first")); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if err := WriteAtomic(path, []byte("second")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("content = %q, want second", got)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(l.ArtifactDir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("dir entries = %d, want 1", len(entries))
	}
}

func TestCloneStaging(t *testing.T) {
	l := testLayout(t)

	meta := CloneMeta{Name: "Alice", Language: "en", Description: "d", RefText: "hello"}
	audio := []byte{1, 2, 3, 4}
	if err := l.StageClone("j1", meta, audio); err != nil {
		t.Fatalf("StageClone: %v", err)
	}

	gotMeta, gotAudio, err := l.LoadClone("j1")
	if err != nil {
		t.Fatalf("LoadClone: %v", err)
	}
	if gotMeta != meta {
		t.Errorf("meta = %+v, want %+v", gotMeta, meta)
	}
	if string(gotAudio) != string(audio) {
		t.Errorf("audio = %v, want %v", gotAudio, audio)
	}

	l.RemoveClone("j1")
	if _, _, err := l.LoadClone("j1"); err == nil {
		t.Error("LoadClone after remove succeeded, want error")
	}
	// Removing twice is harmless.
	l.RemoveClone("j1")
}
