package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — jobs
// ─────────────────────────────────────────────────────────────────────────────

const ddlJobs = `
CREATE TABLE IF NOT EXISTS jobs (
    id                 TEXT              PRIMARY KEY,
    kind               TEXT              NOT NULL,
    mode               TEXT              NOT NULL DEFAULT '',
    text               TEXT              NOT NULL DEFAULT '',
    source_language    TEXT              NOT NULL DEFAULT '',
    target_language    TEXT              NOT NULL DEFAULT '',
    voice_preset       TEXT              NOT NULL DEFAULT '',
    voice_profile_id   TEXT              NOT NULL DEFAULT '',
    quality_profile_id TEXT              NOT NULL DEFAULT '',
    status             TEXT              NOT NULL,
    progress           DOUBLE PRECISION  NOT NULL DEFAULT 0,
    artifact_path      TEXT              NOT NULL DEFAULT '',
    voice_id           TEXT              NOT NULL DEFAULT '',
    error_kind         TEXT              NOT NULL DEFAULT '',
    error_message      TEXT              NOT NULL DEFAULT '',
    cancel_requested   BOOLEAN           NOT NULL DEFAULT FALSE,
    created_at         TIMESTAMPTZ       NOT NULL DEFAULT now(),
    started_at         TIMESTAMPTZ,
    completed_at       TIMESTAMPTZ,
    request_id         TEXT              NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_jobs_status
    ON jobs (status);

CREATE INDEX IF NOT EXISTS idx_jobs_created_at
    ON jobs (created_at);

CREATE INDEX IF NOT EXISTS idx_jobs_voice_profile_id
    ON jobs (voice_profile_id)
    WHERE voice_profile_id <> '';
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — voice profiles
// ─────────────────────────────────────────────────────────────────────────────

const ddlVoiceProfiles = `
CREATE TABLE IF NOT EXISTS voice_profiles (
    id                   TEXT              PRIMARY KEY,
    name                 TEXT              NOT NULL,
    description          TEXT              NOT NULL DEFAULT '',
    language             TEXT              NOT NULL,
    reference_audio_path TEXT              NOT NULL,
    ref_text             TEXT              NOT NULL DEFAULT '',
    duration_seconds     DOUBLE PRECISION  NOT NULL DEFAULT 0,
    sample_rate          INTEGER           NOT NULL DEFAULT 24000,
    usage_count          BIGINT            NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_profiles_language
    ON voice_profiles (language);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — quality profiles
// ─────────────────────────────────────────────────────────────────────────────

// The partial unique index is the database-level guarantee behind the
// "exactly one default per engine" invariant.
const ddlQualityProfiles = `
CREATE TABLE IF NOT EXISTS quality_profiles (
    id          TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL,
    description TEXT         NOT NULL DEFAULT '',
    engine      TEXT         NOT NULL,
    parameters  JSONB        NOT NULL DEFAULT '{}',
    is_default  BOOLEAN      NOT NULL DEFAULT FALSE,
    is_builtin  BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_quality_profiles_engine
    ON quality_profiles (engine);

CREATE UNIQUE INDEX IF NOT EXISTS idx_quality_profiles_default
    ON quality_profiles (engine)
    WHERE is_default;
`

// Migrate creates or ensures all required database tables exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlJobs,
		ddlVoiceProfiles,
		ddlQualityProfiles,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
