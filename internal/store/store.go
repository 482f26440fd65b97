// Package store defines the durable record store contract for jobs, voice
// profiles, and quality profiles, plus the shared filter and patch types.
//
// Two implementations exist: [github.com/voxmill/voxmill/internal/store/postgres]
// for production and [github.com/voxmill/voxmill/internal/store/memstore] for
// tests. Both guarantee atomic per-record updates: a concurrent reader sees
// either the pre-update or the post-update record, never a torn state.
package store

import (
	"context"
	"time"

	"github.com/voxmill/voxmill/pkg/types"
)

// MaxPageSize caps listing page sizes.
const MaxPageSize = 100

// JobFilter selects and paginates a job listing.
type JobFilter struct {
	// Status filters by job status when non-empty.
	Status types.JobStatus

	// Page is 1-based. Zero means page 1.
	Page int

	// PageSize is clamped to [1, MaxPageSize]. Zero means 20.
	PageSize int
}

// Normalize applies the documented defaults and clamps.
func (f *JobFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

// VoiceFilter selects and paginates a voice-profile listing.
type VoiceFilter struct {
	// Language filters by BCP-47 code when non-empty.
	Language string

	Page     int
	PageSize int
}

// Normalize applies the documented defaults and clamps.
func (f *VoiceFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

// JobPatch carries the optional fields applied alongside a status transition.
// Nil fields are left untouched.
type JobPatch struct {
	Progress     *float64
	ArtifactPath *string
	VoiceID      *string
	ErrorKind    *types.ErrorKind
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Store is the durable record store. All methods are safe for concurrent use.
//
// Status updates enforce the job state machine: an illegal transition returns
// a [types.KindConflict] error and leaves the record untouched, so repeated
// broker deliveries for an already-terminal job are rejected cleanly.
type Store interface {
	// --- jobs ---

	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ListJobs(ctx context.Context, f JobFilter) (*types.JobPage, error)
	DeleteJob(ctx context.Context, id string) error

	// UpdateJobStatus transitions the job to next and applies patch in a
	// single atomic write.
	UpdateJobStatus(ctx context.Context, id string, next types.JobStatus, patch JobPatch) error

	// SetJobProgress records progress for a processing job. Progress is
	// monotonic non-decreasing; a lower value than the stored one is ignored.
	SetJobProgress(ctx context.Context, id string, progress float64) error

	// RequestCancel sets the cooperative-cancellation tombstone on a
	// processing job.
	RequestCancel(ctx context.Context, id string) error

	// CancelRequested reports whether the tombstone is set.
	CancelRequested(ctx context.Context, id string) (bool, error)

	// ReconcileOrphans transitions processing jobs older than grace with no
	// matching in-flight task to failed/abandoned. inflight reports whether a
	// job id currently has a live task. Returns the number of jobs recovered.
	ReconcileOrphans(ctx context.Context, grace time.Duration, inflight func(id string) bool) (int, error)

	// --- voice profiles ---

	CreateVoiceProfile(ctx context.Context, vp *types.VoiceProfile) error
	GetVoiceProfile(ctx context.Context, id string) (*types.VoiceProfile, error)
	ListVoiceProfiles(ctx context.Context, f VoiceFilter) (*types.VoiceProfilePage, error)
	DeleteVoiceProfile(ctx context.Context, id string) error
	IncrementVoiceUsage(ctx context.Context, id string) error

	// VoiceInUse reports whether any live (queued or processing) job
	// references the voice profile.
	VoiceInUse(ctx context.Context, id string) (bool, error)

	// --- quality profiles ---

	CreateQualityProfile(ctx context.Context, qp *types.QualityProfile) error
	GetQualityProfile(ctx context.Context, id string) (*types.QualityProfile, error)
	ListQualityProfiles(ctx context.Context, engine string) ([]types.QualityProfile, error)
	UpdateQualityProfile(ctx context.Context, qp *types.QualityProfile) error
	DeleteQualityProfile(ctx context.Context, id string) error

	// DefaultQualityProfile returns the profile with is_default = true for
	// the engine.
	DefaultQualityProfile(ctx context.Context, engine string) (*types.QualityProfile, error)

	// SetDefaultQualityProfile atomically clears is_default on every profile
	// of the engine and sets it on id, within one critical section.
	SetDefaultQualityProfile(ctx context.Context, engine, id string) error

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	Close()
}
