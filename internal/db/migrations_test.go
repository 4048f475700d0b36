package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	mustExist := []string{
		"canonical_events", "constraints", "policy_edges", "event_mirrors",
		"journal", "relationships", "ledger_entries", "milestones",
		"scheduling_sessions", "holds", "delegation_grants", "mirror_dead_letters",
	}
	for _, table := range mustExist {
		var name string
		if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("expected table %s to exist: %v", table, err)
		}
	}

	if err := RollbackAll(ctx, db); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}
	for _, table := range mustExist {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count); err != nil {
			t.Fatalf("count table %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("table %s still exists after rollback", table)
		}
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Fatalf("expected %d applied migrations, got %d", len(migrations), count)
	}
}

func TestHoldsTitleColumnsFromV3(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.ExecContext(ctx, `
INSERT INTO scheduling_sessions(session_id, status, duration_minutes, created_at, expires_at)
VALUES('ses_1','proposed',30,?,?)`, now, now)
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO holds(hold_id, session_id, candidate_index, target_account_id, target_calendar_id, title, description, start_ts, end_ts, status, expires_at, created_at, updated_at)
VALUES('hold_1','ses_1',0,'acct-a','primary','Standup','daily sync',?,?,'pending',?,?,?)`, now, now, now, now, now)
	if err != nil {
		t.Fatalf("insert hold with title/description: %v", err)
	}
	var title, description string
	if err := db.QueryRowContext(ctx, `SELECT title, description FROM holds WHERE hold_id = 'hold_1'`).Scan(&title, &description); err != nil {
		t.Fatalf("select hold: %v", err)
	}
	if title != "Standup" || description != "daily sync" {
		t.Fatalf("unexpected hold title/description: %q %q", title, description)
	}
}
