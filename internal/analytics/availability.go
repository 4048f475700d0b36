// Package analytics answers read-only questions over a user's
// canonical store: free/busy windows, relationship drift, and
// upcoming milestones. It never mutates state, so it reads through
// sqlx directly against the same SQLite file rather than going
// through db.Store's narrower API.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Busy is one opaque interval on a user's merged calendar.
type Busy struct {
	StartTS time.Time `db:"start_ts"`
	EndTS   time.Time `db:"end_ts"`
}

type busyRow struct {
	StartTS string `db:"start_ts"`
	EndTS   string `db:"end_ts"`
}

type Facade struct {
	db *sqlx.DB
}

// NewFromSQLX builds a Facade directly from an *sqlx.DB, typically
// sqlx.NewDb(store.DB(), "sqlite").
func NewFromSQLX(db *sqlx.DB) *Facade {
	return &Facade{db: db}
}

// FreeBusy returns the merged, non-overlapping busy intervals within
// [from, to) across every opaque, non-cancelled canonical event. Two
// adjacent or overlapping busy events merge into one interval so a
// caller never has to reason about double-booked-but-still-free gaps.
func (f *Facade) FreeBusy(ctx context.Context, from, to time.Time) ([]Busy, error) {
	var rows []busyRow
	err := f.db.SelectContext(ctx, &rows, `
SELECT start_ts, end_ts FROM canonical_events
WHERE status != 'cancelled' AND transparency = 'opaque'
  AND start_ts < ? AND end_ts > ?
ORDER BY start_ts ASC`, to.UTC().Format(time.RFC3339Nano), from.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query busy intervals: %w", err)
	}
	busy := make([]Busy, 0, len(rows))
	for _, r := range rows {
		start, err := time.Parse(time.RFC3339Nano, r.StartTS)
		if err != nil {
			return nil, fmt.Errorf("parse start_ts: %w", err)
		}
		end, err := time.Parse(time.RFC3339Nano, r.EndTS)
		if err != nil {
			return nil, fmt.Errorf("parse end_ts: %w", err)
		}
		busy = append(busy, Busy{StartTS: start, EndTS: end})
	}
	return mergeBusy(busy), nil
}

// FreeSlots inverts FreeBusy within [from, to): it returns the gaps
// between merged busy intervals, so a scheduling caller can intersect
// these across several accounts to find a mutually free window.
func (f *Facade) FreeSlots(ctx context.Context, from, to time.Time) ([]Busy, error) {
	busy, err := f.FreeBusy(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var free []Busy
	cursor := from
	for _, b := range busy {
		if b.StartTS.After(cursor) {
			free = append(free, Busy{StartTS: cursor, EndTS: b.StartTS})
		}
		if b.EndTS.After(cursor) {
			cursor = b.EndTS
		}
	}
	if cursor.Before(to) {
		free = append(free, Busy{StartTS: cursor, EndTS: to})
	}
	return free, nil
}

func mergeBusy(in []Busy) []Busy {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool { return in[i].StartTS.Before(in[j].StartTS) })
	out := []Busy{in[0]}
	for _, b := range in[1:] {
		last := &out[len(out)-1]
		if !b.StartTS.After(last.EndTS) {
			if b.EndTS.After(last.EndTS) {
				last.EndTS = b.EndTS
			}
			continue
		}
		out = append(out, b)
	}
	return out
}
