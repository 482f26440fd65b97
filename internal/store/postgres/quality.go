package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/voxmill/voxmill/pkg/types"
)

const qualityColumns = `
	id, name, description, engine, parameters, is_default, is_builtin, created_at`

// CreateQualityProfile implements [store.Store]. A unique-violation on the
// partial default index surfaces as a conflict.
func (s *Store) CreateQualityProfile(ctx context.Context, qp *types.QualityProfile) error {
	params, err := json.Marshal(qp.Parameters)
	if err != nil {
		return fmt.Errorf("quality store: marshal parameters: %w", err)
	}

	const q = `
		INSERT INTO quality_profiles (` + qualityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.pool.Exec(ctx, q,
		qp.ID, qp.Name, qp.Description, qp.Engine,
		params, qp.IsDefault, qp.IsBuiltin, qp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("quality store: create %s: %w", qp.ID, err)
	}
	return nil
}

// GetQualityProfile implements [store.Store].
func (s *Store) GetQualityProfile(ctx context.Context, id string) (*types.QualityProfile, error) {
	const q = `SELECT ` + qualityColumns + ` FROM quality_profiles WHERE id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("quality store: get %s: %w", id, err)
	}
	qp, err := pgx.CollectOneRow(rows, scanQualityProfile)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "quality profile %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("quality store: scan %s: %w", id, err)
	}
	return &qp, nil
}

// ListQualityProfiles implements [store.Store]. An empty engine lists all.
func (s *Store) ListQualityProfiles(ctx context.Context, engine string) ([]types.QualityProfile, error) {
	q := `SELECT ` + qualityColumns + ` FROM quality_profiles ORDER BY engine, id`
	args := []any{}
	if engine != "" {
		q = `SELECT ` + qualityColumns + ` FROM quality_profiles WHERE engine = $1 ORDER BY id`
		args = append(args, engine)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("quality store: list: %w", err)
	}
	profiles, err := pgx.CollectRows(rows, scanQualityProfile)
	if err != nil {
		return nil, fmt.Errorf("quality store: scan list: %w", err)
	}
	if profiles == nil {
		profiles = []types.QualityProfile{}
	}
	return profiles, nil
}

// UpdateQualityProfile implements [store.Store]. The id, engine, and builtin
// flag are immutable; only the mutable fields are written.
func (s *Store) UpdateQualityProfile(ctx context.Context, qp *types.QualityProfile) error {
	params, err := json.Marshal(qp.Parameters)
	if err != nil {
		return fmt.Errorf("quality store: marshal parameters: %w", err)
	}

	const q = `
		UPDATE quality_profiles SET
		    name        = $2,
		    description = $3,
		    parameters  = $4
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, qp.ID, qp.Name, qp.Description, params)
	if err != nil {
		return fmt.Errorf("quality store: update %s: %w", qp.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.KindNotFound, "quality profile %q not found", qp.ID)
	}
	return nil
}

// DeleteQualityProfile implements [store.Store]. Default and builtin guards
// live in the catalog layer.
func (s *Store) DeleteQualityProfile(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM quality_profiles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("quality store: delete %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.KindNotFound, "quality profile %q not found", id)
	}
	return nil
}

// DefaultQualityProfile implements [store.Store].
func (s *Store) DefaultQualityProfile(ctx context.Context, engine string) (*types.QualityProfile, error) {
	const q = `SELECT ` + qualityColumns + ` FROM quality_profiles WHERE engine = $1 AND is_default`

	rows, err := s.pool.Query(ctx, q, engine)
	if err != nil {
		return nil, fmt.Errorf("quality store: default for %s: %w", engine, err)
	}
	qp, err := pgx.CollectOneRow(rows, scanQualityProfile)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "no default quality profile for engine %q", engine)
	}
	if err != nil {
		return nil, fmt.Errorf("quality store: scan default for %s: %w", engine, err)
	}
	return &qp, nil
}

// SetDefaultQualityProfile implements [store.Store]. Clear-then-set runs in
// one transaction so the partial unique index never observes two defaults and
// readers never observe zero.
func (s *Store) SetDefaultQualityProfile(ctx context.Context, engine, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("quality store: begin set default: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE quality_profiles SET is_default = FALSE WHERE engine = $1 AND is_default AND id <> $2`,
		engine, id,
	); err != nil {
		return fmt.Errorf("quality store: clear default for %s: %w", engine, err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE quality_profiles SET is_default = TRUE WHERE id = $1 AND engine = $2`,
		id, engine,
	)
	if err != nil {
		return fmt.Errorf("quality store: set default %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return types.E(types.KindNotFound, "quality profile %q not found for engine %q", id, engine)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("quality store: commit set default: %w", err)
	}
	return nil
}

// scanQualityProfile scans one quality_profiles row, decoding the JSONB
// parameter blob.
func scanQualityProfile(row pgx.CollectableRow) (types.QualityProfile, error) {
	var (
		qp     types.QualityProfile
		params []byte
	)
	err := row.Scan(
		&qp.ID, &qp.Name, &qp.Description, &qp.Engine,
		&params, &qp.IsDefault, &qp.IsBuiltin, &qp.CreatedAt,
	)
	if err != nil {
		return qp, err
	}
	if err := json.Unmarshal(params, &qp.Parameters); err != nil {
		return qp, fmt.Errorf("decode parameters for %s: %w", qp.ID, err)
	}
	return qp, nil
}
