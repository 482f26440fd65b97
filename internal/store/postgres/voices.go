package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/voxmill/voxmill/internal/store"
	"github.com/voxmill/voxmill/pkg/types"
)

const voiceColumns = `
	id, name, description, language, reference_audio_path, ref_text,
	duration_seconds, sample_rate, usage_count, created_at`

// CreateVoiceProfile implements [store.Store].
func (s *Store) CreateVoiceProfile(ctx context.Context, vp *types.VoiceProfile) error {
	const q = `
		INSERT INTO voice_profiles (` + voiceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, q,
		vp.ID, vp.Name, vp.Description, vp.Language,
		vp.ReferenceAudioPath, vp.RefText,
		vp.DurationSeconds, vp.SampleRate, vp.UsageCount, vp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("voice store: create %s: %w", vp.ID, err)
	}
	return nil
}

// GetVoiceProfile implements [store.Store].
func (s *Store) GetVoiceProfile(ctx context.Context, id string) (*types.VoiceProfile, error) {
	const q = `SELECT ` + voiceColumns + ` FROM voice_profiles WHERE id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("voice store: get %s: %w", id, err)
	}
	vp, err := pgx.CollectOneRow(rows, scanVoiceProfile)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "voice profile %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("voice store: scan %s: %w", id, err)
	}
	return &vp, nil
}

// ListVoiceProfiles implements [store.Store]. Results are ordered newest first.
func (s *Store) ListVoiceProfiles(ctx context.Context, f store.VoiceFilter) (*types.VoiceProfilePage, error) {
	f.Normalize()

	where := ""
	args := []any{}
	if f.Language != "" {
		where = "WHERE language = $1"
		args = append(args, f.Language)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM voice_profiles "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("voice store: count: %w", err)
	}

	q := fmt.Sprintf(
		"SELECT "+voiceColumns+" FROM voice_profiles %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		where, len(args)+1, len(args)+2,
	)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("voice store: list: %w", err)
	}
	voices, err := pgx.CollectRows(rows, scanVoiceProfile)
	if err != nil {
		return nil, fmt.Errorf("voice store: scan list: %w", err)
	}
	if voices == nil {
		voices = []types.VoiceProfile{}
	}
	return &types.VoiceProfilePage{Voices: voices, Page: f.Page, PageSize: f.PageSize, Total: total}, nil
}

// DeleteVoiceProfile implements [store.Store]. Referential integrity with live
// jobs is the catalog's responsibility; this is a plain delete.
func (s *Store) DeleteVoiceProfile(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM voice_profiles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("voice store: delete %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.KindNotFound, "voice profile %q not found", id)
	}
	return nil
}

// IncrementVoiceUsage implements [store.Store].
func (s *Store) IncrementVoiceUsage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_profiles SET usage_count = usage_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("voice store: increment usage %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.KindNotFound, "voice profile %q not found", id)
	}
	return nil
}

// VoiceInUse implements [store.Store].
func (s *Store) VoiceInUse(ctx context.Context, id string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE voice_profile_id = $1
			  AND status IN ('queued', 'processing')
		)`

	var inUse bool
	if err := s.pool.QueryRow(ctx, q, id).Scan(&inUse); err != nil {
		return false, fmt.Errorf("voice store: in use %s: %w", id, err)
	}
	return inUse, nil
}

// scanVoiceProfile scans one voice_profiles row into a [types.VoiceProfile].
func scanVoiceProfile(row pgx.CollectableRow) (types.VoiceProfile, error) {
	var vp types.VoiceProfile
	err := row.Scan(
		&vp.ID, &vp.Name, &vp.Description, &vp.Language,
		&vp.ReferenceAudioPath, &vp.RefText,
		&vp.DurationSeconds, &vp.SampleRate, &vp.UsageCount, &vp.CreatedAt,
	)
	return vp, err
}
