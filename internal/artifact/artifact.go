// Package artifact manages the on-disk layout of everything the service
// persists outside the record store: synthesis artifacts, voice reference
// audio, pre-baked preset references, and staged clone uploads.
//
// Layout:
//
//	{artifact_dir}/{job_id}.pcm24k        completed synthesis output
//	{voice_dir}/{voice_id}.pcm24k         canonical voice reference audio
//	{voice_dir}/staging/{job_id}.audio    clone upload awaiting processing
//	{voice_dir}/staging/{job_id}.json     clone request metadata
//	{preset_dir}/{preset}.pcm24k          pre-baked preset references
//
// All files are written with [WriteAtomic] so concurrent readers never see a
// torn file.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/voxmill/voxmill/pkg/types"
)

// Layout holds the three configured directories.
type Layout struct {
	ArtifactDir string
	VoiceDir    string
	PresetDir   string
}

// EnsureDirs creates all managed directories.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.ArtifactDir, l.VoiceDir, l.stagingDir(), l.PresetDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("artifact: create %s: %w", dir, err)
		}
	}
	return nil
}

// ArtifactPath returns the canonical artifact path for a job.
func (l Layout) ArtifactPath(jobID string) string {
	return filepath.Join(l.ArtifactDir, jobID+".pcm24k")
}

// VoicePath returns the reference audio path for a voice profile.
func (l Layout) VoicePath(voiceID string) string {
	return filepath.Join(l.VoiceDir, voiceID+".pcm24k")
}

// PresetPath returns the reference audio path for a pre-baked preset.
func (l Layout) PresetPath(preset types.VoicePreset) string {
	return filepath.Join(l.PresetDir, string(preset)+".pcm24k")
}

func (l Layout) stagingDir() string {
	return filepath.Join(l.VoiceDir, "staging")
}

// CloneMeta is the clone request metadata staged next to the uploaded audio.
type CloneMeta struct {
	Name        string `json:"name"`
	Language    string `json:"language"`
	Description string `json:"description,omitempty"`
	RefText     string `json:"ref_text,omitempty"`
}

// StageClone persists an accepted clone upload for the worker to pick up.
func (l Layout) StageClone(jobID string, meta CloneMeta, audio []byte) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("artifact: marshal clone meta: %w", err)
	}
	if err := WriteAtomic(l.cloneAudioPath(jobID), audio); err != nil {
		return err
	}
	return WriteAtomic(l.cloneMetaPath(jobID), metaBytes)
}

// LoadClone reads back a staged clone upload.
func (l Layout) LoadClone(jobID string) (CloneMeta, []byte, error) {
	var meta CloneMeta
	metaBytes, err := os.ReadFile(l.cloneMetaPath(jobID))
	if err != nil {
		return meta, nil, fmt.Errorf("artifact: read clone meta: %w", err)
	}
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return meta, nil, fmt.Errorf("artifact: decode clone meta: %w", err)
	}
	audio, err := os.ReadFile(l.cloneAudioPath(jobID))
	if err != nil {
		return meta, nil, fmt.Errorf("artifact: read clone audio: %w", err)
	}
	return meta, audio, nil
}

// RemoveClone deletes a staged clone upload. Missing files are ignored.
func (l Layout) RemoveClone(jobID string) {
	os.Remove(l.cloneAudioPath(jobID))
	os.Remove(l.cloneMetaPath(jobID))
}

func (l Layout) cloneAudioPath(jobID string) string {
	return filepath.Join(l.stagingDir(), jobID+".audio")
}

func (l Layout) cloneMetaPath(jobID string) string {
	return filepath.Join(l.stagingDir(), jobID+".json")
}

// WriteAtomic writes data to path via a temp file in the same directory,
// fsyncs, then renames into place. A concurrent reader sees either the old
// file or the complete new one.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("artifact: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifact: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("artifact: rename into %s: %w", path, err)
	}
	return nil
}
