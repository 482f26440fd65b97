package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxmill/voxmill/internal/store"
	"github.com/voxmill/voxmill/pkg/types"
)

const jobColumns = `
	id, kind, mode, text, source_language, target_language,
	voice_preset, voice_profile_id, quality_profile_id,
	status, progress, artifact_path, voice_id,
	error_kind, error_message, cancel_requested,
	created_at, started_at, completed_at, request_id`

// CreateJob implements [store.Store].
func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	const q = `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err := s.pool.Exec(ctx, q,
		job.ID, job.Kind, job.Mode, job.Text,
		job.SourceLanguage, job.TargetLanguage,
		job.VoicePreset, job.VoiceProfileID, job.QualityProfileID,
		job.Status, job.Progress, job.ArtifactPath, job.VoiceID,
		job.ErrorKind, job.ErrorMessage, job.CancelRequested,
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.RequestID,
	)
	if err != nil {
		return fmt.Errorf("job store: create %s: %w", job.ID, err)
	}
	return nil
}

// GetJob implements [store.Store].
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("job store: get %s: %w", id, err)
	}
	job, err := pgx.CollectOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "job %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("job store: scan %s: %w", id, err)
	}
	return &job, nil
}

// ListJobs implements [store.Store]. Results are ordered newest first.
func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) (*types.JobPage, error) {
	f.Normalize()

	where := ""
	args := []any{}
	if f.Status != "" {
		where = "WHERE status = $1"
		args = append(args, f.Status)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM jobs "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("job store: count: %w", err)
	}

	q := fmt.Sprintf(
		"SELECT "+jobColumns+" FROM jobs %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		where, len(args)+1, len(args)+2,
	)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("job store: list: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("job store: scan list: %w", err)
	}
	if jobs == nil {
		jobs = []types.Job{}
	}
	return &types.JobPage{Jobs: jobs, Page: f.Page, PageSize: f.PageSize, Total: total}, nil
}

// DeleteJob implements [store.Store].
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("job store: delete %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.KindNotFound, "job %q not found", id)
	}
	return nil
}

// allowedPrev returns the statuses a job may be in for a transition to next.
func allowedPrev(next types.JobStatus) []types.JobStatus {
	switch next {
	case types.StatusProcessing:
		return []types.JobStatus{types.StatusQueued}
	case types.StatusCompleted:
		return []types.JobStatus{types.StatusProcessing}
	case types.StatusFailed:
		return []types.JobStatus{types.StatusQueued, types.StatusProcessing}
	}
	return nil
}

// UpdateJobStatus implements [store.Store]. The transition guard lives in the
// WHERE clause so the check-and-set is a single atomic statement.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, next types.JobStatus, patch store.JobPatch) error {
	prev := allowedPrev(next)
	if prev == nil {
		return types.E(types.KindConflict, "invalid target status %q", next)
	}

	const q = `
		UPDATE jobs SET
		    status        = $2,
		    progress      = COALESCE($3, progress),
		    artifact_path = COALESCE($4, artifact_path),
		    voice_id      = COALESCE($5, voice_id),
		    error_kind    = COALESCE($6, error_kind),
		    error_message = COALESCE($7, error_message),
		    started_at    = COALESCE($8, started_at),
		    completed_at  = COALESCE($9, completed_at)
		WHERE id = $1 AND status = ANY($10)`

	var errKind *string
	if patch.ErrorKind != nil {
		k := string(*patch.ErrorKind)
		errKind = &k
	}
	prevStrs := make([]string, len(prev))
	for i, p := range prev {
		prevStrs[i] = string(p)
	}

	tag, err := s.pool.Exec(ctx, q,
		id, next,
		patch.Progress, patch.ArtifactPath, patch.VoiceID,
		errKind, patch.ErrorMessage,
		patch.StartedAt, patch.CompletedAt,
		prevStrs,
	)
	if err != nil {
		return fmt.Errorf("job store: update status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing record from an illegal transition.
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return types.E(types.KindConflict, "job %q: illegal transition to %s", id, next)
	}
	return nil
}

// SetJobProgress implements [store.Store]. The monotonicity guard sits in the
// WHERE clause; regressions and updates to non-processing jobs are no-ops.
func (s *Store) SetJobProgress(ctx context.Context, id string, progress float64) error {
	const q = `
		UPDATE jobs SET progress = $2
		WHERE id = $1 AND status = 'processing' AND progress <= $2`

	if _, err := s.pool.Exec(ctx, q, id, progress); err != nil {
		return fmt.Errorf("job store: set progress %s: %w", id, err)
	}
	return nil
}

// RequestCancel implements [store.Store].
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	const q = `UPDATE jobs SET cancel_requested = TRUE WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("job store: request cancel %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.KindNotFound, "job %q not found", id)
	}
	return nil
}

// CancelRequested implements [store.Store].
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		// A deleted job behaves like a set tombstone: the worker must abandon it.
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("job store: cancel requested %s: %w", id, err)
	}
	return cancelled, nil
}

// ReconcileOrphans implements [store.Store].
func (s *Store) ReconcileOrphans(ctx context.Context, grace time.Duration, inflight func(id string) bool) (int, error) {
	const q = `
		SELECT id FROM jobs
		WHERE status = 'processing'
		  AND COALESCE(started_at, created_at) < now() - ($1::bigint * interval '1 microsecond')`

	rows, err := s.pool.Query(ctx, q, grace.Microseconds())
	if err != nil {
		return 0, fmt.Errorf("job store: find orphans: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return 0, fmt.Errorf("job store: scan orphans: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		if inflight != nil && inflight(id) {
			continue
		}
		kind := types.KindAbandoned
		msg := "job abandoned by a previous process instance"
		now := time.Now()
		err := s.UpdateJobStatus(ctx, id, types.StatusFailed, store.JobPatch{
			ErrorKind:    &kind,
			ErrorMessage: &msg,
			CompletedAt:  &now,
		})
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// scanJob scans one jobs row into a [types.Job].
func scanJob(row pgx.CollectableRow) (types.Job, error) {
	var j types.Job
	err := row.Scan(
		&j.ID, &j.Kind, &j.Mode, &j.Text,
		&j.SourceLanguage, &j.TargetLanguage,
		&j.VoicePreset, &j.VoiceProfileID, &j.QualityProfileID,
		&j.Status, &j.Progress, &j.ArtifactPath, &j.VoiceID,
		&j.ErrorKind, &j.ErrorMessage, &j.CancelRequested,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.RequestID,
	)
	return j, err
}
