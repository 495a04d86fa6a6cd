package db

import (
	"context"

	"appserver/internal/types"
)

// schemaDDL is the idempotent bootstrap schema. Every statement uses
// IF NOT EXISTS so EnsureSchema can run on every startup.
//
// scheduler_jobs is the Timer Store's durable registry: one row per pending
// delivery, keyed by the deterministic job name. The version column guards
// reschedule-vs-fire races: completion deletes a row only when the version
// it was claimed at is still current.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS users (
    id          BIGSERIAL PRIMARY KEY,
    project_id  TEXT NOT NULL,
    subject_id  TEXT NOT NULL,
    fcm_token   TEXT,
    email       TEXT,
    language    TEXT,
    timezone    TEXT,
    UNIQUE (project_id, subject_id)
);

CREATE TABLE IF NOT EXISTS notifications (
    id                 BIGSERIAL PRIMARY KEY,
    project_id         TEXT NOT NULL,
    subject_id         TEXT NOT NULL,
    source_id          TEXT,
    scheduled_time     TIMESTAMPTZ NOT NULL,
    ttl_seconds        INT NOT NULL DEFAULT 0,
    fcm_message_id     TEXT,
    fcm_topic          TEXT,
    fcm_condition      TEXT,
    priority           TEXT,
    mutable_content    BOOLEAN NOT NULL DEFAULT FALSE,
    delivery_state     TEXT NOT NULL DEFAULT 'pending',
    title              TEXT,
    body               TEXT,
    sound              TEXT,
    badge              TEXT,
    click_action       TEXT,
    subtitle           TEXT,
    icon_name          TEXT,
    tag                TEXT,
    color              TEXT,
    body_loc_key       TEXT,
    body_loc_args      TEXT,
    title_loc_key      TEXT,
    title_loc_args     TEXT,
    android_channel_id TEXT,
    email_enabled      BOOLEAN NOT NULL DEFAULT FALSE,
    email_title        TEXT,
    email_body         TEXT,
    additional_data    JSONB,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_notifications_lookup
    ON notifications (project_id, subject_id, id);

CREATE TABLE IF NOT EXISTS data_messages (
    id              BIGSERIAL PRIMARY KEY,
    project_id      TEXT NOT NULL,
    subject_id      TEXT NOT NULL,
    source_id       TEXT,
    scheduled_time  TIMESTAMPTZ NOT NULL,
    ttl_seconds     INT NOT NULL DEFAULT 0,
    fcm_message_id  TEXT,
    fcm_topic       TEXT,
    fcm_condition   TEXT,
    priority        TEXT,
    mutable_content BOOLEAN NOT NULL DEFAULT FALSE,
    delivery_state  TEXT NOT NULL DEFAULT 'pending',
    data_map        JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_data_messages_lookup
    ON data_messages (project_id, subject_id, id);

CREATE TABLE IF NOT EXISTS scheduler_jobs (
    job_name     TEXT PRIMARY KEY,
    trigger_name TEXT NOT NULL,
    fire_at      TIMESTAMPTZ NOT NULL,
    payload      JSONB NOT NULL,
    subject_id   TEXT NOT NULL,
    message_type TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    version      BIGINT NOT NULL DEFAULT 1,
    locked_by    TEXT,
    locked_at    TIMESTAMPTZ,
    last_error   TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_scheduler_jobs_due
    ON scheduler_jobs (fire_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_scheduler_jobs_subject
    ON scheduler_jobs (subject_id);

CREATE TABLE IF NOT EXISTS message_state_events (
    id           BIGSERIAL PRIMARY KEY,
    message_type TEXT NOT NULL,
    project_id   TEXT NOT NULL,
    subject_id   TEXT NOT NULL,
    message_id   BIGINT NOT NULL,
    state        TEXT NOT NULL,
    info         JSONB,
    time         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_events_message
    ON message_state_events (message_type, subject_id, message_id);
`

// EnsureSchema applies the bootstrap DDL. Safe to call on every startup.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaDDL); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply schema", err)
	}
	return nil
}
