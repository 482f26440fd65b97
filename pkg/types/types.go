// Package types defines the shared records and enumerations used across all
// voxmill packages: jobs, voice profiles, quality profiles, and the error
// taxonomy. They form the lingua franca between the API gateway, the job
// store, the queue adapter, and the worker — cross-cutting data structures
// live here to avoid circular imports.
package types

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus is the durable lifecycle state of a [Job].
//
// The transition graph is linear and monotonic:
//
//	queued → processing → {completed, failed}
//
// with queued → failed additionally allowed (validation at dequeue time).
// Terminal states are only ever left by deletion of the whole record.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsValid reports whether s is a recognised job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether the transition s → next is permitted by the
// job state machine.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// JobMode selects how a synthesis job resolves its voice.
type JobMode string

const (
	// ModePreset uses one of the enumerated pre-baked voice presets.
	ModePreset JobMode = "preset"

	// ModeVoiceClone uses a user-created [VoiceProfile] as the cloning reference.
	ModeVoiceClone JobMode = "voice_clone"
)

// IsValid reports whether m is a recognised job mode.
func (m JobMode) IsValid() bool {
	return m == ModePreset || m == ModeVoiceClone
}

// JobKind distinguishes what a job produces.
type JobKind string

const (
	// KindSynthesize jobs produce an audio artifact on disk.
	KindSynthesize JobKind = "synthesize"

	// KindClone jobs produce a [VoiceProfile] instead of audio.
	KindClone JobKind = "clone"
)

// IsValid reports whether k is a recognised job kind.
func (k JobKind) IsValid() bool {
	return k == KindSynthesize || k == KindClone
}

// VoicePreset names one of the pre-baked reference voices that ship with the
// service. Each preset resolves to a canonical 24 kHz mono PCM file in the
// preset directory.
type VoicePreset string

const (
	PresetFemaleGeneric VoicePreset = "female_generic"
	PresetMaleGeneric   VoicePreset = "male_generic"
	PresetFemaleYoung   VoicePreset = "female_young"
	PresetMaleDeep      VoicePreset = "male_deep"
	PresetFemaleWarm    VoicePreset = "female_warm"
	PresetMaleWarm      VoicePreset = "male_warm"
	PresetFemaleSoft    VoicePreset = "female_soft"
	PresetMaleSoft      VoicePreset = "male_soft"
)

// VoicePresets lists all valid presets in a stable order. Used for API error
// messages and preset directory provisioning.
var VoicePresets = []VoicePreset{
	PresetFemaleGeneric, PresetMaleGeneric,
	PresetFemaleYoung, PresetMaleDeep,
	PresetFemaleWarm, PresetMaleWarm,
	PresetFemaleSoft, PresetMaleSoft,
}

// IsValid reports whether p is a recognised voice preset.
func (p VoicePreset) IsValid() bool {
	for _, v := range VoicePresets {
		if p == v {
			return true
		}
	}
	return false
}

// SampleRate is the canonical sample rate of all synthesis output and all
// stored voice reference audio, in Hz.
const SampleRate = 24000

// Job is a unit of work owned by the job store. A synthesize job produces an
// audio artifact; a clone job produces a voice profile.
type Job struct {
	// ID is an opaque, globally unique handle, stable for the life of the job.
	ID string `json:"id"`

	Kind JobKind `json:"kind"`
	Mode JobMode `json:"mode,omitempty"`

	// Text is the sanitised input text (synthesize jobs only).
	Text string `json:"text,omitempty"`

	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`

	// VoicePreset is set when Mode is preset.
	VoicePreset VoicePreset `json:"voice_preset,omitempty"`

	// VoiceProfileID is set when Mode is voice_clone and must reference an
	// existing [VoiceProfile].
	VoiceProfileID string `json:"voice_profile_id,omitempty"`

	// QualityProfileID selects the quality profile; empty means the engine's
	// current default.
	QualityProfileID string `json:"quality_profile_id,omitempty"`

	Status   JobStatus `json:"status"`
	Progress float64   `json:"progress"`

	// ArtifactPath is set iff Status is completed and Kind is synthesize.
	ArtifactPath string `json:"artifact_path,omitempty"`

	// VoiceID is set iff Status is completed and Kind is clone; it identifies
	// the voice profile the job created.
	VoiceID string `json:"voice_id,omitempty"`

	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// CancelRequested is the cooperative-cancellation tombstone set by DELETE
	// on a processing job. The worker honours it at progress checkpoints.
	CancelRequested bool `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// RequestID is the correlation handle propagated from the inbound HTTP
	// request that created the job.
	RequestID string `json:"request_id,omitempty"`
}

// VoiceProfile is a persisted, canonicalised reference-audio recording used to
// parameterise voice cloning at inference time.
type VoiceProfile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language"`

	// ReferenceAudioPath points at the canonical 24 kHz mono PCM file.
	ReferenceAudioPath string `json:"-"`

	// RefText is an optional transcript of the reference audio. Advisory;
	// unused by XTTS, reserved for engines that condition on it.
	RefText string `json:"ref_text,omitempty"`

	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate"`

	UsageCount int64     `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// EngineXTTS is the identifier of the single synthesis engine this service
// supports. Quality profiles are partitioned per engine.
const EngineXTTS = "xtts"

// QualityProfile is a named bundle of synthesis knobs. Exactly one profile per
// engine is the default at any instant; built-in profiles are immutable.
type QualityProfile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Engine      string `json:"engine"`

	Parameters QualityParameters `json:"parameters"`

	IsDefault bool `json:"is_default"`
	IsBuiltin bool `json:"is_builtin"`

	CreatedAt time.Time `json:"created_at"`
}

// QualityParameters holds the bounded synthesis knobs passed verbatim to the
// engine. Bounds are enforced by [QualityParameters.Validate].
type QualityParameters struct {
	Temperature       float64 `json:"temperature" yaml:"temperature"`
	TopP              float64 `json:"top_p" yaml:"top_p"`
	TopK              int     `json:"top_k" yaml:"top_k"`
	RepetitionPenalty float64 `json:"repetition_penalty" yaml:"repetition_penalty"`
	LengthPenalty     float64 `json:"length_penalty" yaml:"length_penalty"`
	Speed             float64 `json:"speed" yaml:"speed"`

	EnableTextSplitting bool `json:"enable_text_splitting" yaml:"enable_text_splitting"`

	// Denoise applies spectral-gating noise reduction after synthesis.
	Denoise bool `json:"denoise" yaml:"denoise"`
}

// Validate checks every knob against its permitted range. All violations are
// reported together as a single [KindValidation] error.
func (p QualityParameters) Validate() error {
	var errs []error
	if p.Temperature < 0.1 || p.Temperature > 1.5 {
		errs = append(errs, fmt.Errorf("temperature must be in [0.1, 1.5], got %g", p.Temperature))
	}
	if p.TopP < 0.0 || p.TopP > 1.0 {
		errs = append(errs, fmt.Errorf("top_p must be in [0.0, 1.0], got %g", p.TopP))
	}
	if p.TopK < 1 || p.TopK > 200 {
		errs = append(errs, fmt.Errorf("top_k must be in [1, 200], got %d", p.TopK))
	}
	if p.RepetitionPenalty < 1.0 || p.RepetitionPenalty > 5.0 {
		errs = append(errs, fmt.Errorf("repetition_penalty must be in [1.0, 5.0], got %g", p.RepetitionPenalty))
	}
	if p.LengthPenalty < 0.5 || p.LengthPenalty > 2.0 {
		errs = append(errs, fmt.Errorf("length_penalty must be in [0.5, 2.0], got %g", p.LengthPenalty))
	}
	if p.Speed < 0.5 || p.Speed > 2.0 {
		errs = append(errs, fmt.Errorf("speed must be in [0.5, 2.0], got %g", p.Speed))
	}
	if err := errors.Join(errs...); err != nil {
		return E(KindValidation, "invalid quality parameters: %v", err)
	}
	return nil
}

// JobPage is one page of a job listing.
type JobPage struct {
	Jobs     []Job `json:"jobs"`
	Page     int   `json:"page"`
	PageSize int   `json:"page_size"`
	Total    int   `json:"total"`
}

// VoiceProfilePage is one page of a voice-profile listing.
type VoiceProfilePage struct {
	Voices   []VoiceProfile `json:"voices"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Total    int            `json:"total"`
}
