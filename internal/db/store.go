// Package db is the per-user durable store: one SQLite file per user,
// opened with a single connection (SQLite's writer-serialization story
// is simplest when there's exactly one), WAL journaling, and foreign
// keys on. All tables the engine needs live in one file so a user's
// entire state is one portable artifact.
package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/calendarfed/tminus/internal/model"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// --- user_secrets -----------------------------------------------------

// ParticipantSalt returns the per-user salt used to hash participant
// emails into relationship keys, minting one on first use.
func (s *Store) ParticipantSalt(ctx context.Context, userID string) (string, error) {
	var salt string
	err := s.db.QueryRowContext(ctx, `SELECT participant_salt FROM user_secrets WHERE user_id = ?`, userID).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("read participant salt: %w", err)
	}
	salt = newSaltHex()
	_, err = s.db.ExecContext(ctx, `INSERT INTO user_secrets(user_id, participant_salt, created_at) VALUES (?, ?, ?)
ON CONFLICT(user_id) DO NOTHING`, userID, salt, ts(time.Now()))
	if err != nil {
		return "", fmt.Errorf("mint participant salt: %w", err)
	}
	return salt, nil
}

// --- canonical_events ---------------------------------------------------

// UpsertCanonicalEvent inserts or updates an event keyed by
// (origin_account_id, origin_event_id), returning ErrOutOfOrder if the
// stored version is newer than the caller's; a write carrying the same
// version as the stored row changes nothing and returns nil.
func (s *Store) UpsertCanonicalEvent(ctx context.Context, ev model.CanonicalEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = ev.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO canonical_events(
	canonical_event_id, origin_account_id, origin_event_id, title, description, location,
	start_ts, end_ts, timezone, all_day, status, visibility, transparency, recurrence_rule,
	source, version, constraint_id, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(origin_account_id, origin_event_id) DO UPDATE SET
	title=excluded.title,
	description=excluded.description,
	location=excluded.location,
	start_ts=excluded.start_ts,
	end_ts=excluded.end_ts,
	timezone=excluded.timezone,
	all_day=excluded.all_day,
	status=excluded.status,
	visibility=excluded.visibility,
	transparency=excluded.transparency,
	recurrence_rule=excluded.recurrence_rule,
	version=excluded.version,
	constraint_id=excluded.constraint_id,
	updated_at=excluded.updated_at
WHERE excluded.version > canonical_events.version
`, ev.CanonicalEventID, ev.OriginAccountID, ev.OriginEventID, ev.Title, ev.Description, ev.Location,
		ts(ev.StartTS), ts(ev.EndTS), ev.Timezone, boolToInt(ev.AllDay), string(ev.Status), ev.Visibility,
		string(ev.Transparency), ev.RecurrenceRule, string(ev.Source), ev.Version, nullableStr(ev.ConstraintID),
		ts(ev.CreatedAt), ts(ev.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert canonical event: %w", err)
	}
	current, err := s.GetCanonicalEventByOrigin(ctx, ev.OriginAccountID, ev.OriginEventID)
	if err != nil {
		return err
	}
	if current.CanonicalEventID == ev.CanonicalEventID && current.Version > ev.Version {
		return model.ErrOutOfOrder
	}
	return nil
}

func (s *Store) GetCanonicalEvent(ctx context.Context, canonicalEventID string) (model.CanonicalEvent, error) {
	row := s.db.QueryRowContext(ctx, canonicalEventSelect+` WHERE canonical_event_id = ?`, canonicalEventID)
	ev, err := scanCanonicalEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CanonicalEvent{}, model.ErrNotFound
	}
	return ev, err
}

func (s *Store) GetCanonicalEventByOrigin(ctx context.Context, originAccountID, originEventID string) (model.CanonicalEvent, error) {
	row := s.db.QueryRowContext(ctx, canonicalEventSelect+` WHERE origin_account_id = ? AND origin_event_id = ?`, originAccountID, originEventID)
	ev, err := scanCanonicalEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CanonicalEvent{}, model.ErrNotFound
	}
	return ev, err
}

// ListCanonicalEventsInWindow returns non-cancelled events whose
// [start,end) interval overlaps [from,to), earliest start first.
func (s *Store) ListCanonicalEventsInWindow(ctx context.Context, from, to time.Time) ([]model.CanonicalEvent, error) {
	rows, err := s.db.QueryContext(ctx, canonicalEventSelect+`
WHERE start_ts < ? AND end_ts > ? AND status != 'cancelled'
ORDER BY start_ts ASC`, ts(to), ts(from))
	if err != nil {
		return nil, fmt.Errorf("list canonical events: %w", err)
	}
	defer rows.Close()
	var out []model.CanonicalEvent
	for rows.Next() {
		ev, err := scanCanonicalEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan canonical event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const canonicalEventSelect = `
SELECT canonical_event_id, origin_account_id, origin_event_id, title, description, location,
	start_ts, end_ts, timezone, all_day, status, visibility, transparency, recurrence_rule,
	source, version, constraint_id, created_at, updated_at
FROM canonical_events`

func scanCanonicalEvent(scanner interface{ Scan(dest ...any) error }) (model.CanonicalEvent, error) {
	var ev model.CanonicalEvent
	var startTS, endTS, createdAt, updatedAt string
	var allDay int
	var constraintID sql.NullString
	err := scanner.Scan(&ev.CanonicalEventID, &ev.OriginAccountID, &ev.OriginEventID, &ev.Title, &ev.Description,
		&ev.Location, &startTS, &endTS, &ev.Timezone, &allDay, &ev.Status, &ev.Visibility, &ev.Transparency,
		&ev.RecurrenceRule, &ev.Source, &ev.Version, &constraintID, &createdAt, &updatedAt)
	if err != nil {
		return model.CanonicalEvent{}, err
	}
	ev.AllDay = allDay != 0
	if constraintID.Valid {
		v := constraintID.String
		ev.ConstraintID = &v
	}
	if ev.StartTS, err = parseTS(startTS); err != nil {
		return model.CanonicalEvent{}, fmt.Errorf("parse start_ts: %w", err)
	}
	if ev.EndTS, err = parseTS(endTS); err != nil {
		return model.CanonicalEvent{}, fmt.Errorf("parse end_ts: %w", err)
	}
	if ev.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.CanonicalEvent{}, fmt.Errorf("parse created_at: %w", err)
	}
	if ev.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.CanonicalEvent{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return ev, nil
}

// --- event_mirrors ------------------------------------------------------

func (s *Store) UpsertEventMirror(ctx context.Context, m model.EventMirror) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO event_mirrors(
	canonical_event_id, target_account_id, target_calendar_id, provider_event_id,
	last_projected_hash, last_write_ts, state, error, attempt_count, next_retry_at,
	created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(canonical_event_id, target_account_id, target_calendar_id) DO UPDATE SET
	provider_event_id=excluded.provider_event_id,
	last_projected_hash=excluded.last_projected_hash,
	last_write_ts=excluded.last_write_ts,
	state=excluded.state,
	error=excluded.error,
	attempt_count=excluded.attempt_count,
	next_retry_at=excluded.next_retry_at,
	updated_at=excluded.updated_at
`, m.CanonicalEventID, m.TargetAccountID, m.TargetCalendarID, nullableStr(m.ProviderEventID),
		nullableStr(m.LastProjectedHash), nullableTS(m.LastWriteTS), string(m.State), nullableStr(m.Error),
		m.AttemptCount, nullableTS(m.NextRetryAt), ts(m.CreatedAt), ts(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert event mirror: %w", err)
	}
	return nil
}

// CompareAndSwapMirrorState moves a mirror row from expected to next
// only if its current state still matches expected, guarding against a
// redelivered write job racing a concurrent writer (or being replayed
// against a row another attempt already moved past). Returns
// model.ErrConflict if the row's state no longer matches expected.
func (s *Store) CompareAndSwapMirrorState(ctx context.Context, key model.MirrorKey, expected, next model.MirrorState, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE event_mirrors SET state = ?, updated_at = ?
WHERE canonical_event_id = ? AND target_account_id = ? AND target_calendar_id = ? AND state = ?`,
		string(next), ts(now), key.CanonicalEventID, key.TargetAccountID, key.TargetCalendarID, string(expected))
	if err != nil {
		return fmt.Errorf("cas mirror state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas mirror state rows affected: %w", err)
	}
	if n == 0 {
		return model.ErrConflict
	}
	return nil
}

func (s *Store) GetEventMirror(ctx context.Context, key model.MirrorKey) (model.EventMirror, error) {
	row := s.db.QueryRowContext(ctx, eventMirrorSelect+`
WHERE canonical_event_id = ? AND target_account_id = ? AND target_calendar_id = ?`,
		key.CanonicalEventID, key.TargetAccountID, key.TargetCalendarID)
	m, err := scanEventMirror(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.EventMirror{}, model.ErrNotFound
	}
	return m, err
}

// ListMirrorsForEvent returns every mirror row a canonical event
// currently projects to, including ones pending deletion.
func (s *Store) ListMirrorsForEvent(ctx context.Context, canonicalEventID string) ([]model.EventMirror, error) {
	rows, err := s.db.QueryContext(ctx, eventMirrorSelect+` WHERE canonical_event_id = ?`, canonicalEventID)
	if err != nil {
		return nil, fmt.Errorf("list mirrors for event: %w", err)
	}
	defer rows.Close()
	return scanEventMirrorRows(rows)
}

// ListDueMirrors returns non-terminal mirrors ready for writer
// attention: never attempted, or whose backoff has elapsed.
func (s *Store) ListDueMirrors(ctx context.Context, now time.Time, limit int) ([]model.EventMirror, error) {
	rows, err := s.db.QueryContext(ctx, eventMirrorSelect+`
WHERE state IN ('PENDING_CREATE','PENDING_UPDATE','DELETING')
  AND (next_retry_at IS NULL OR next_retry_at <= ?)
ORDER BY updated_at ASC
LIMIT ?`, ts(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due mirrors: %w", err)
	}
	defer rows.Close()
	return scanEventMirrorRows(rows)
}

// CountNonTerminalMirrors backs the high-water backpressure check.
func (s *Store) CountNonTerminalMirrors(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM event_mirrors
WHERE state NOT IN ('DELETED','TOMBSTONED','FAILED')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count non-terminal mirrors: %w", err)
	}
	return n, nil
}

const eventMirrorSelect = `
SELECT canonical_event_id, target_account_id, target_calendar_id, provider_event_id,
	last_projected_hash, last_write_ts, state, error, attempt_count, next_retry_at,
	created_at, updated_at
FROM event_mirrors`

func scanEventMirrorRows(rows *sql.Rows) ([]model.EventMirror, error) {
	var out []model.EventMirror
	for rows.Next() {
		m, err := scanEventMirror(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event mirror: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanEventMirror(scanner interface{ Scan(dest ...any) error }) (model.EventMirror, error) {
	var m model.EventMirror
	var providerEventID, lastHash, lastWriteTS, mirrorErr, nextRetryAt sql.NullString
	var createdAt, updatedAt string
	err := scanner.Scan(&m.CanonicalEventID, &m.TargetAccountID, &m.TargetCalendarID, &providerEventID,
		&lastHash, &lastWriteTS, &m.State, &mirrorErr, &m.AttemptCount, &nextRetryAt, &createdAt, &updatedAt)
	if err != nil {
		return model.EventMirror{}, err
	}
	if providerEventID.Valid {
		v := providerEventID.String
		m.ProviderEventID = &v
	}
	if lastHash.Valid {
		v := lastHash.String
		m.LastProjectedHash = &v
	}
	if mirrorErr.Valid {
		v := mirrorErr.String
		m.Error = &v
	}
	if lastWriteTS.Valid {
		v, err := parseTS(lastWriteTS.String)
		if err != nil {
			return model.EventMirror{}, fmt.Errorf("parse last_write_ts: %w", err)
		}
		m.LastWriteTS = &v
	}
	if nextRetryAt.Valid {
		v, err := parseTS(nextRetryAt.String)
		if err != nil {
			return model.EventMirror{}, fmt.Errorf("parse next_retry_at: %w", err)
		}
		m.NextRetryAt = &v
	}
	if m.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.EventMirror{}, fmt.Errorf("parse created_at: %w", err)
	}
	if m.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.EventMirror{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return m, nil
}

// --- policy_edges ---------------------------------------------------------

func (s *Store) UpsertPolicyEdge(ctx context.Context, e model.PolicyEdge) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO policy_edges(edge_id, source_account_id, target_account_id, target_calendar_id, detail_level, active_from, active_to, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source_account_id, target_account_id, target_calendar_id) DO UPDATE SET
	detail_level=excluded.detail_level,
	active_from=excluded.active_from,
	active_to=excluded.active_to,
	updated_at=excluded.updated_at
`, e.EdgeID, e.SourceAccountID, e.TargetAccountID, e.TargetCalendarID, string(e.DetailLevel),
		nullableTS(e.ActiveFrom), nullableTS(e.ActiveTo), ts(e.CreatedAt), ts(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert policy edge: %w", err)
	}
	return nil
}

// ListPolicyEdgesFromAccount returns every edge with the given source
// account, i.e. every place events owned by that account may mirror to.
func (s *Store) ListPolicyEdgesFromAccount(ctx context.Context, sourceAccountID string) ([]model.PolicyEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT edge_id, source_account_id, target_account_id, target_calendar_id, detail_level, active_from, active_to, created_at, updated_at
FROM policy_edges WHERE source_account_id = ?`, sourceAccountID)
	if err != nil {
		return nil, fmt.Errorf("list policy edges: %w", err)
	}
	defer rows.Close()
	var out []model.PolicyEdge
	for rows.Next() {
		e, err := scanPolicyEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) DeletePolicyEdge(ctx context.Context, edgeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM policy_edges WHERE edge_id = ?`, edgeID)
	if err != nil {
		return fmt.Errorf("delete policy edge: %w", err)
	}
	return nil
}

func scanPolicyEdge(scanner interface{ Scan(dest ...any) error }) (model.PolicyEdge, error) {
	var e model.PolicyEdge
	var activeFrom, activeTo sql.NullString
	var createdAt, updatedAt string
	err := scanner.Scan(&e.EdgeID, &e.SourceAccountID, &e.TargetAccountID, &e.TargetCalendarID, &e.DetailLevel,
		&activeFrom, &activeTo, &createdAt, &updatedAt)
	if err != nil {
		return model.PolicyEdge{}, err
	}
	if activeFrom.Valid {
		v, err := parseTS(activeFrom.String)
		if err != nil {
			return model.PolicyEdge{}, fmt.Errorf("parse active_from: %w", err)
		}
		e.ActiveFrom = &v
	}
	if activeTo.Valid {
		v, err := parseTS(activeTo.String)
		if err != nil {
			return model.PolicyEdge{}, fmt.Errorf("parse active_to: %w", err)
		}
		e.ActiveTo = &v
	}
	if e.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.PolicyEdge{}, fmt.Errorf("parse created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.PolicyEdge{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return e, nil
}

// --- constraints ------------------------------------------------------

func (s *Store) UpsertConstraint(ctx context.Context, c model.Constraint) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO constraints(constraint_id, kind, config_json, active_from, active_to, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(constraint_id) DO UPDATE SET
	kind=excluded.kind,
	config_json=excluded.config_json,
	active_from=excluded.active_from,
	active_to=excluded.active_to,
	updated_at=excluded.updated_at
`, c.ConstraintID, string(c.Kind), c.ConfigJSON, nullableTS(c.ActiveFrom), nullableTS(c.ActiveTo), ts(c.CreatedAt), ts(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert constraint: %w", err)
	}
	return nil
}

func (s *Store) GetConstraint(ctx context.Context, constraintID string) (model.Constraint, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT constraint_id, kind, config_json, active_from, active_to, created_at, updated_at
FROM constraints WHERE constraint_id = ?`, constraintID)
	var c model.Constraint
	var activeFrom, activeTo sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&c.ConstraintID, &c.Kind, &c.ConfigJSON, &activeFrom, &activeTo, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Constraint{}, model.ErrNotFound
	}
	if err != nil {
		return model.Constraint{}, err
	}
	if activeFrom.Valid {
		v, err := parseTS(activeFrom.String)
		if err != nil {
			return model.Constraint{}, err
		}
		c.ActiveFrom = &v
	}
	if activeTo.Valid {
		v, err := parseTS(activeTo.String)
		if err != nil {
			return model.Constraint{}, err
		}
		c.ActiveTo = &v
	}
	if c.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Constraint{}, err
	}
	if c.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Constraint{}, err
	}
	return c, nil
}

// ListActiveConstraints returns every constraint active at instant t.
func (s *Store) ListActiveConstraints(ctx context.Context, t time.Time) ([]model.Constraint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT constraint_id, kind, config_json, active_from, active_to, created_at, updated_at
FROM constraints
WHERE (active_from IS NULL OR active_from <= ?) AND (active_to IS NULL OR active_to >= ?)`, ts(t), ts(t))
	if err != nil {
		return nil, fmt.Errorf("list active constraints: %w", err)
	}
	defer rows.Close()
	var out []model.Constraint
	for rows.Next() {
		var c model.Constraint
		var activeFrom, activeTo sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ConstraintID, &c.Kind, &c.ConfigJSON, &activeFrom, &activeTo, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan constraint: %w", err)
		}
		if activeFrom.Valid {
			v, err := parseTS(activeFrom.String)
			if err != nil {
				return nil, err
			}
			c.ActiveFrom = &v
		}
		if activeTo.Valid {
			v, err := parseTS(activeTo.String)
			if err != nil {
				return nil, err
			}
			c.ActiveTo = &v
		}
		if c.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListConstraints returns every constraint regardless of active window.
func (s *Store) ListConstraints(ctx context.Context) ([]model.Constraint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT constraint_id, kind, config_json, active_from, active_to, created_at, updated_at
FROM constraints ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list constraints: %w", err)
	}
	defer rows.Close()
	var out []model.Constraint
	for rows.Next() {
		var c model.Constraint
		var activeFrom, activeTo sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ConstraintID, &c.Kind, &c.ConfigJSON, &activeFrom, &activeTo, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan constraint: %w", err)
		}
		if activeFrom.Valid {
			v, err := parseTS(activeFrom.String)
			if err != nil {
				return nil, err
			}
			c.ActiveFrom = &v
		}
		if activeTo.Valid {
			v, err := parseTS(activeTo.String)
			if err != nil {
				return nil, err
			}
			c.ActiveTo = &v
		}
		if c.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConstraint removes a constraint by id. Idempotent: deleting an
// already-absent constraint is not an error.
func (s *Store) DeleteConstraint(ctx context.Context, constraintID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM constraints WHERE constraint_id = ?`, constraintID); err != nil {
		return fmt.Errorf("delete constraint: %w", err)
	}
	return nil
}

// --- journal --------------------------------------------------------------

// AppendJournal writes one append-only change record. Never updated,
// never deleted outside retention purge.
func (s *Store) AppendJournal(ctx context.Context, j model.JournalEntry) error {
	if j.TS.IsZero() {
		j.TS = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO journal(journal_id, canonical_event_id, change_type, actor, patch, ts)
VALUES (?, ?, ?, ?, ?, ?)`, j.JournalID, j.CanonicalEventID, string(j.ChangeType), j.Actor, j.Patch, ts(j.TS))
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (s *Store) ListJournalForEvent(ctx context.Context, canonicalEventID string) ([]model.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT journal_id, canonical_event_id, change_type, actor, patch, ts
FROM journal WHERE canonical_event_id = ? ORDER BY ts ASC`, canonicalEventID)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}
	defer rows.Close()
	var out []model.JournalEntry
	for rows.Next() {
		var j model.JournalEntry
		var tsStr string
		if err := rows.Scan(&j.JournalID, &j.CanonicalEventID, &j.ChangeType, &j.Actor, &j.Patch, &tsStr); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		if j.TS, err = parseTS(tsStr); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- relationships / ledger / milestones -----------------------------------

func (s *Store) UpsertRelationship(ctx context.Context, r model.Relationship) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO relationships(relationship_id, participant_hash, display_label, last_interaction_ts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(participant_hash) DO UPDATE SET
	display_label=excluded.display_label,
	last_interaction_ts=excluded.last_interaction_ts,
	updated_at=excluded.updated_at
`, r.RelationshipID, r.ParticipantHash, r.DisplayLabel, nullableTS(r.LastInteractionTS), ts(r.CreatedAt), ts(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

func (s *Store) GetRelationshipByHash(ctx context.Context, participantHash string) (model.Relationship, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT relationship_id, participant_hash, display_label, last_interaction_ts, created_at, updated_at
FROM relationships WHERE participant_hash = ?`, participantHash)
	var r model.Relationship
	var lastInteraction sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&r.RelationshipID, &r.ParticipantHash, &r.DisplayLabel, &lastInteraction, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Relationship{}, model.ErrNotFound
	}
	if err != nil {
		return model.Relationship{}, err
	}
	if lastInteraction.Valid {
		v, err := parseTS(lastInteraction.String)
		if err != nil {
			return model.Relationship{}, err
		}
		r.LastInteractionTS = &v
	}
	if r.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Relationship{}, err
	}
	if r.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Relationship{}, err
	}
	return r, nil
}

func (s *Store) InsertLedgerEntry(ctx context.Context, l model.LedgerEntry) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ledger_entries(ledger_id, participant_hash, outcome, detail, occurred_at, created_at)
VALUES (?, ?, ?, ?, ?, ?)`, l.LedgerID, l.ParticipantHash, l.Outcome, l.Detail, ts(l.OccurredAt), ts(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *Store) ListLedgerForParticipant(ctx context.Context, participantHash string) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT ledger_id, participant_hash, outcome, detail, occurred_at, created_at
FROM ledger_entries WHERE participant_hash = ? ORDER BY occurred_at DESC`, participantHash)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()
	var out []model.LedgerEntry
	for rows.Next() {
		var l model.LedgerEntry
		var occurredAt, createdAt string
		if err := rows.Scan(&l.LedgerID, &l.ParticipantHash, &l.Outcome, &l.Detail, &occurredAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if l.OccurredAt, err = parseTS(occurredAt); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) UpsertMilestone(ctx context.Context, m model.Milestone) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO milestones(milestone_id, label, month_day, recurring, year, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(milestone_id) DO UPDATE SET
	label=excluded.label,
	month_day=excluded.month_day,
	recurring=excluded.recurring,
	year=excluded.year,
	updated_at=excluded.updated_at
`, m.MilestoneID, m.Label, m.MonthDay, boolToInt(m.Recurring), nullableI(m.Year), ts(m.CreatedAt), ts(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert milestone: %w", err)
	}
	return nil
}

func (s *Store) ListMilestones(ctx context.Context) ([]model.Milestone, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT milestone_id, label, month_day, recurring, year, created_at, updated_at FROM milestones`)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()
	var out []model.Milestone
	for rows.Next() {
		var m model.Milestone
		var recurring int
		var year sql.NullInt64
		var createdAt, updatedAt string
		if err := rows.Scan(&m.MilestoneID, &m.Label, &m.MonthDay, &recurring, &year, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		m.Recurring = recurring != 0
		if year.Valid {
			v := int(year.Int64)
			m.Year = &v
		}
		if m.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		if m.UpdatedAt, err = parseTS(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- reconnection suggestion cache -----------------------------------------

// UpsertReconnectionSuggestion caches one computed suggestion, keyed
// by participant, until ExpiresAt.
func (s *Store) UpsertReconnectionSuggestion(ctx context.Context, r model.ReconnectionSuggestion) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reconnection_suggestions(participant_hash, reason, computed_at, expires_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(participant_hash) DO UPDATE SET
	reason=excluded.reason,
	computed_at=excluded.computed_at,
	expires_at=excluded.expires_at
`, r.ParticipantHash, r.Reason, ts(r.ComputedAt), ts(r.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert reconnection suggestion: %w", err)
	}
	return nil
}

// ListReconnectionSuggestions returns every cached suggestion not yet
// expired at now.
func (s *Store) ListReconnectionSuggestions(ctx context.Context, now time.Time) ([]model.ReconnectionSuggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT participant_hash, reason, computed_at, expires_at
FROM reconnection_suggestions WHERE expires_at > ?
ORDER BY computed_at DESC`, ts(now))
	if err != nil {
		return nil, fmt.Errorf("list reconnection suggestions: %w", err)
	}
	defer rows.Close()
	var out []model.ReconnectionSuggestion
	for rows.Next() {
		var r model.ReconnectionSuggestion
		var computedAt, expiresAt string
		if err := rows.Scan(&r.ParticipantHash, &r.Reason, &computedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan reconnection suggestion: %w", err)
		}
		if r.ComputedAt, err = parseTS(computedAt); err != nil {
			return nil, err
		}
		if r.ExpiresAt, err = parseTS(expiresAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- scheduling_sessions / holds --------------------------------------------

func (s *Store) InsertSchedulingSession(ctx context.Context, sess model.SchedulingSession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scheduling_sessions(session_id, status, duration_minutes, selected_candidate_id, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)`, sess.SessionID, string(sess.Status), sess.DurationMinutes,
		nullableStr(sess.SelectedCandidateID), ts(sess.CreatedAt), ts(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert scheduling session: %w", err)
	}
	return nil
}

func (s *Store) GetSchedulingSession(ctx context.Context, sessionID string) (model.SchedulingSession, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT session_id, status, duration_minutes, selected_candidate_id, created_at, expires_at
FROM scheduling_sessions WHERE session_id = ?`, sessionID)
	var sess model.SchedulingSession
	var selectedCandidate sql.NullString
	var createdAt, expiresAt string
	err := row.Scan(&sess.SessionID, &sess.Status, &sess.DurationMinutes, &selectedCandidate, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SchedulingSession{}, model.ErrNotFound
	}
	if err != nil {
		return model.SchedulingSession{}, err
	}
	if selectedCandidate.Valid {
		v := selectedCandidate.String
		sess.SelectedCandidateID = &v
	}
	if sess.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.SchedulingSession{}, err
	}
	if sess.ExpiresAt, err = parseTS(expiresAt); err != nil {
		return model.SchedulingSession{}, err
	}
	return sess, nil
}

// UpdateSchedulingSessionStatus transitions a session's status and,
// when committing, records the selected candidate.
func (s *Store) UpdateSchedulingSessionStatus(ctx context.Context, sessionID string, status model.SchedulingSessionStatus, selectedCandidateID *string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE scheduling_sessions SET status = ?, selected_candidate_id = COALESCE(?, selected_candidate_id)
WHERE session_id = ?`, string(status), nullableStr(selectedCandidateID), sessionID)
	if err != nil {
		return fmt.Errorf("update scheduling session status: %w", err)
	}
	return nil
}

// ListExpiredSchedulingSessions backs the session-expiry sweeper.
func (s *Store) ListExpiredSchedulingSessions(ctx context.Context, now time.Time) ([]model.SchedulingSession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, status, duration_minutes, selected_candidate_id, created_at, expires_at
FROM scheduling_sessions WHERE status = 'proposed' AND expires_at <= ?`, ts(now))
	if err != nil {
		return nil, fmt.Errorf("list expired scheduling sessions: %w", err)
	}
	defer rows.Close()
	var out []model.SchedulingSession
	for rows.Next() {
		var sess model.SchedulingSession
		var selectedCandidate sql.NullString
		var createdAt, expiresAt string
		if err := rows.Scan(&sess.SessionID, &sess.Status, &sess.DurationMinutes, &selectedCandidate, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan scheduling session: %w", err)
		}
		if selectedCandidate.Valid {
			v := selectedCandidate.String
			sess.SelectedCandidateID = &v
		}
		if sess.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		if sess.ExpiresAt, err = parseTS(expiresAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListSchedulingSessions returns every scheduling session, most
// recently created first.
func (s *Store) ListSchedulingSessions(ctx context.Context) ([]model.SchedulingSession, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, status, duration_minutes, selected_candidate_id, created_at, expires_at
FROM scheduling_sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list scheduling sessions: %w", err)
	}
	defer rows.Close()
	var out []model.SchedulingSession
	for rows.Next() {
		var sess model.SchedulingSession
		var selectedCandidate sql.NullString
		var createdAt, expiresAt string
		if err := rows.Scan(&sess.SessionID, &sess.Status, &sess.DurationMinutes, &selectedCandidate, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan scheduling session: %w", err)
		}
		if selectedCandidate.Valid {
			v := selectedCandidate.String
			sess.SelectedCandidateID = &v
		}
		if sess.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, err
		}
		if sess.ExpiresAt, err = parseTS(expiresAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) InsertHold(ctx context.Context, h model.Hold) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = h.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO holds(hold_id, session_id, candidate_index, target_account_id, target_calendar_id, title, description, start_ts, end_ts, status, provider_event_id, expires_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.HoldID, h.SessionID, h.CandidateIndex, h.TargetAccountID, h.TargetCalendarID, h.Title, h.Description, ts(h.StartTS), ts(h.EndTS),
		string(h.Status), nullableStr(h.ProviderEventID), ts(h.ExpiresAt), ts(h.CreatedAt), ts(h.UpdatedAt))
	if err != nil {
		if isUniqueErr(err) {
			return model.ErrDuplicate
		}
		return fmt.Errorf("insert hold: %w", err)
	}
	return nil
}

// ListOverlappingHolds backs availability/conflict checks: holds that
// are pending, confirmed or committed and overlap [start,end) on an
// account.
func (s *Store) ListOverlappingHolds(ctx context.Context, targetAccountID string, start, end time.Time) ([]model.Hold, error) {
	rows, err := s.db.QueryContext(ctx, holdSelect+`
WHERE target_account_id = ? AND status IN ('pending','confirmed','committed')
  AND start_ts < ? AND end_ts > ?`, targetAccountID, ts(end), ts(start))
	if err != nil {
		return nil, fmt.Errorf("list overlapping holds: %w", err)
	}
	defer rows.Close()
	return scanHoldRows(rows)
}

func (s *Store) ListHoldsForSession(ctx context.Context, sessionID string) ([]model.Hold, error) {
	rows, err := s.db.QueryContext(ctx, holdSelect+` WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list holds for session: %w", err)
	}
	defer rows.Close()
	return scanHoldRows(rows)
}

func (s *Store) ListExpiredHolds(ctx context.Context, now time.Time) ([]model.Hold, error) {
	rows, err := s.db.QueryContext(ctx, holdSelect+`
WHERE status IN ('pending','confirmed') AND expires_at <= ?`, ts(now))
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	defer rows.Close()
	return scanHoldRows(rows)
}

func (s *Store) UpdateHoldStatus(ctx context.Context, holdID string, status model.HoldStatus, providerEventID *string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE holds SET status = ?, provider_event_id = COALESCE(?, provider_event_id), updated_at = ?
WHERE hold_id = ?`, string(status), nullableStr(providerEventID), ts(time.Now()), holdID)
	if err != nil {
		return fmt.Errorf("update hold status: %w", err)
	}
	return nil
}

const holdSelect = `
SELECT hold_id, session_id, candidate_index, target_account_id, target_calendar_id, title, description, start_ts, end_ts, status, provider_event_id, expires_at, created_at, updated_at
FROM holds`

func scanHoldRows(rows *sql.Rows) ([]model.Hold, error) {
	var out []model.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHold(scanner interface{ Scan(dest ...any) error }) (model.Hold, error) {
	var h model.Hold
	var providerEventID sql.NullString
	var startTS, endTS, expiresAt, createdAt, updatedAt string
	err := scanner.Scan(&h.HoldID, &h.SessionID, &h.CandidateIndex, &h.TargetAccountID, &h.TargetCalendarID,
		&h.Title, &h.Description, &startTS, &endTS, &h.Status, &providerEventID, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return model.Hold{}, err
	}
	if providerEventID.Valid {
		v := providerEventID.String
		h.ProviderEventID = &v
	}
	if h.StartTS, err = parseTS(startTS); err != nil {
		return model.Hold{}, err
	}
	if h.EndTS, err = parseTS(endTS); err != nil {
		return model.Hold{}, err
	}
	if h.ExpiresAt, err = parseTS(expiresAt); err != nil {
		return model.Hold{}, err
	}
	if h.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Hold{}, err
	}
	if h.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Hold{}, err
	}
	return h, nil
}

// --- delegation_grants ------------------------------------------------------

func (s *Store) UpsertDelegationGrant(ctx context.Context, g model.DelegationGrant) error {
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now().UTC()
	}
	scopesJSON, err := json.Marshal(g.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO delegation_grants(grant_id, org_id, delegated_account_id, scopes, granted_by, granted_at, revoked_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(org_id, delegated_account_id) DO UPDATE SET
	scopes=excluded.scopes,
	granted_by=excluded.granted_by,
	granted_at=excluded.granted_at,
	revoked_at=excluded.revoked_at
`, g.GrantID, g.OrgID, g.DelegatedAccountID, string(scopesJSON), g.GrantedBy, ts(g.GrantedAt), nullableTS(g.RevokedAt))
	if err != nil {
		return fmt.Errorf("upsert delegation grant: %w", err)
	}
	return nil
}

func (s *Store) RevokeDelegationGrant(ctx context.Context, grantID string, revokedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE delegation_grants SET revoked_at = ? WHERE grant_id = ? AND revoked_at IS NULL`, ts(revokedAt), grantID)
	if err != nil {
		return fmt.Errorf("revoke delegation grant: %w", err)
	}
	return nil
}

func (s *Store) ListDelegationGrants(ctx context.Context, orgID string) ([]model.DelegationGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT grant_id, org_id, delegated_account_id, scopes, granted_by, granted_at, revoked_at
FROM delegation_grants WHERE org_id = ?`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list delegation grants: %w", err)
	}
	defer rows.Close()
	var out []model.DelegationGrant
	for rows.Next() {
		var g model.DelegationGrant
		var scopesJSON string
		var revokedAt sql.NullString
		var grantedAt string
		if err := rows.Scan(&g.GrantID, &g.OrgID, &g.DelegatedAccountID, &scopesJSON, &g.GrantedBy, &grantedAt, &revokedAt); err != nil {
			return nil, fmt.Errorf("scan delegation grant: %w", err)
		}
		if err := json.Unmarshal([]byte(scopesJSON), &g.Scopes); err != nil {
			return nil, fmt.Errorf("unmarshal scopes: %w", err)
		}
		if g.GrantedAt, err = parseTS(grantedAt); err != nil {
			return nil, err
		}
		if revokedAt.Valid {
			v, err := parseTS(revokedAt.String)
			if err != nil {
				return nil, err
			}
			g.RevokedAt = &v
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- mirror_dead_letters -----------------------------------------------------

func (s *Store) InsertMirrorDeadLetter(ctx context.Context, deadLetterID string, key model.MirrorKey, lastError string, attemptCount int, failedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO mirror_dead_letters(dead_letter_id, canonical_event_id, target_account_id, target_calendar_id, last_error, attempt_count, failed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, deadLetterID, key.CanonicalEventID, key.TargetAccountID, key.TargetCalendarID, lastError, attemptCount, ts(failedAt))
	if err != nil {
		return fmt.Errorf("insert mirror dead letter: %w", err)
	}
	return nil
}

// MirrorDeadLetter is an operator-facing view of a permanently failed
// mirror write, for inspection via tminusctl.
type MirrorDeadLetter struct {
	DeadLetterID     string
	CanonicalEventID string
	TargetAccountID  string
	TargetCalendarID string
	LastError        string
	AttemptCount     int
	FailedAt         time.Time
}

func (s *Store) ListMirrorDeadLetters(ctx context.Context, limit int) ([]MirrorDeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT dead_letter_id, canonical_event_id, target_account_id, target_calendar_id, last_error, attempt_count, failed_at
FROM mirror_dead_letters ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list mirror dead letters: %w", err)
	}
	defer rows.Close()

	var out []MirrorDeadLetter
	for rows.Next() {
		var d MirrorDeadLetter
		var failedAt string
		if err := rows.Scan(&d.DeadLetterID, &d.CanonicalEventID, &d.TargetAccountID, &d.TargetCalendarID, &d.LastError, &d.AttemptCount, &failedAt); err != nil {
			return nil, fmt.Errorf("scan mirror dead letter: %w", err)
		}
		t, err := parseTS(failedAt)
		if err != nil {
			return nil, err
		}
		d.FailedAt = t
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- misc -------------------------------------------------------------------

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", table, err)
	}
	return n, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableI(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "UNIQUE constraint failed", "constraint failed: UNIQUE")
}

func isForeignKeyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg, "FOREIGN KEY constraint failed", "constraint failed: FOREIGN KEY")
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func newSaltHex() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the OS entropy source is broken;
		// fall back to a uuid body rather than panic.
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}
