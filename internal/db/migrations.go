package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_secrets (
	user_id TEXT PRIMARY KEY,
	participant_salt TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS canonical_events (
	canonical_event_id TEXT PRIMARY KEY,
	origin_account_id TEXT NOT NULL,
	origin_event_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	start_ts TEXT NOT NULL,
	end_ts TEXT NOT NULL,
	timezone TEXT NOT NULL,
	all_day INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK(status IN ('confirmed','tentative','cancelled')),
	visibility TEXT NOT NULL DEFAULT 'default',
	transparency TEXT NOT NULL CHECK(transparency IN ('opaque','transparent')),
	recurrence_rule TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL CHECK(source IN ('provider','system','ics')),
	version INTEGER NOT NULL DEFAULT 1,
	constraint_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(origin_account_id, origin_event_id),
	FOREIGN KEY(constraint_id) REFERENCES constraints(constraint_id)
);

CREATE INDEX IF NOT EXISTS canonical_events_window
ON canonical_events(start_ts, end_ts);

CREATE INDEX IF NOT EXISTS canonical_events_updated_at
ON canonical_events(updated_at DESC);

CREATE TABLE IF NOT EXISTS constraints (
	constraint_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL CHECK(kind IN ('trip','working_hours','buffer','no_meetings_after','override')),
	config_json TEXT NOT NULL DEFAULT '{}',
	active_from TEXT,
	active_to TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_edges (
	edge_id TEXT PRIMARY KEY,
	source_account_id TEXT NOT NULL,
	target_account_id TEXT NOT NULL,
	target_calendar_id TEXT NOT NULL,
	detail_level TEXT NOT NULL CHECK(detail_level IN ('BUSY','TITLE','FULL')),
	active_from TEXT,
	active_to TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(source_account_id, target_account_id, target_calendar_id)
);

CREATE INDEX IF NOT EXISTS policy_edges_source
ON policy_edges(source_account_id);

CREATE TABLE IF NOT EXISTS event_mirrors (
	canonical_event_id TEXT NOT NULL,
	target_account_id TEXT NOT NULL,
	target_calendar_id TEXT NOT NULL,
	provider_event_id TEXT,
	last_projected_hash TEXT,
	last_write_ts TEXT,
	state TEXT NOT NULL CHECK(state IN ('PENDING_CREATE','PENDING_UPDATE','WRITING','LIVE','DELETING','DELETED','TOMBSTONED','FAILED')),
	error TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY(canonical_event_id, target_account_id, target_calendar_id),
	FOREIGN KEY(canonical_event_id) REFERENCES canonical_events(canonical_event_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS event_mirrors_due
ON event_mirrors(state, next_retry_at);

CREATE TABLE IF NOT EXISTS journal (
	journal_id TEXT PRIMARY KEY,
	canonical_event_id TEXT NOT NULL,
	change_type TEXT NOT NULL CHECK(change_type IN ('created','updated','deleted')),
	actor TEXT NOT NULL DEFAULT '',
	patch TEXT NOT NULL DEFAULT '{}',
	ts TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS journal_event_ts
ON journal(canonical_event_id, ts);

CREATE TABLE IF NOT EXISTS relationships (
	relationship_id TEXT PRIMARY KEY,
	participant_hash TEXT NOT NULL UNIQUE,
	display_label TEXT NOT NULL DEFAULT '',
	last_interaction_ts TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	ledger_id TEXT PRIMARY KEY,
	participant_hash TEXT NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	occurred_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	FOREIGN KEY(participant_hash) REFERENCES relationships(participant_hash) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS ledger_entries_participant_occurred
ON ledger_entries(participant_hash, occurred_at DESC);

CREATE TABLE IF NOT EXISTS milestones (
	milestone_id TEXT PRIMARY KEY,
	label TEXT NOT NULL,
	month_day TEXT NOT NULL,
	recurring INTEGER NOT NULL DEFAULT 1,
	year INTEGER,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduling_sessions (
	session_id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK(status IN ('proposed','committed','cancelled','expired')),
	duration_minutes INTEGER NOT NULL,
	selected_candidate_id TEXT,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS scheduling_sessions_status_expires
ON scheduling_sessions(status, expires_at);

CREATE TABLE IF NOT EXISTS holds (
	hold_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	candidate_index INTEGER NOT NULL,
	target_account_id TEXT NOT NULL,
	target_calendar_id TEXT NOT NULL,
	start_ts TEXT NOT NULL,
	end_ts TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('pending','confirmed','committed','released','expired')),
	provider_event_id TEXT,
	expires_at TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(session_id) REFERENCES scheduling_sessions(session_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS holds_account_window
ON holds(target_account_id, start_ts, end_ts);

CREATE INDEX IF NOT EXISTS holds_status_expires
ON holds(status, expires_at);

CREATE TABLE IF NOT EXISTS delegation_grants (
	grant_id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	delegated_account_id TEXT NOT NULL,
	scopes TEXT NOT NULL DEFAULT '[]',
	granted_by TEXT NOT NULL,
	granted_at TEXT NOT NULL,
	revoked_at TEXT,
	UNIQUE(org_id, delegated_account_id)
);

CREATE TABLE IF NOT EXISTS mirror_dead_letters (
	dead_letter_id TEXT PRIMARY KEY,
	canonical_event_id TEXT NOT NULL,
	target_account_id TEXT NOT NULL,
	target_calendar_id TEXT NOT NULL,
	last_error TEXT NOT NULL,
	attempt_count INTEGER NOT NULL,
	failed_at TEXT NOT NULL
);
`,
		DownSQL: `
DROP TABLE IF EXISTS mirror_dead_letters;
DROP TABLE IF EXISTS delegation_grants;
DROP TABLE IF EXISTS holds;
DROP TABLE IF EXISTS scheduling_sessions;
DROP TABLE IF EXISTS milestones;
DROP TABLE IF EXISTS ledger_entries;
DROP TABLE IF EXISTS relationships;
DROP TABLE IF EXISTS journal;
DROP TABLE IF EXISTS event_mirrors;
DROP TABLE IF EXISTS policy_edges;
DROP TABLE IF EXISTS canonical_events;
DROP TABLE IF EXISTS constraints;
DROP TABLE IF EXISTS user_secrets;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE IF NOT EXISTS reconnection_suggestions (
	participant_hash TEXT PRIMARY KEY,
	reason TEXT NOT NULL,
	computed_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	FOREIGN KEY(participant_hash) REFERENCES relationships(participant_hash) ON DELETE CASCADE
);
`,
		DownSQL: `
DROP TABLE IF EXISTS reconnection_suggestions;
`,
	},
	{
		Version: 3,
		UpSQL: `
ALTER TABLE holds ADD COLUMN title TEXT NOT NULL DEFAULT '';
ALTER TABLE holds ADD COLUMN description TEXT NOT NULL DEFAULT '';
`,
		DownSQL: `
ALTER TABLE holds DROP COLUMN title;
ALTER TABLE holds DROP COLUMN description;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
