package analytics

import (
	"context"
	"fmt"
	"time"
)

// Drift is a participant whose relationship has gone quiet — no
// interaction recorded since the staleness threshold — surfaced as a
// reconnection suggestion candidate.
type Drift struct {
	ParticipantHash   string     `db:"participant_hash"`
	DisplayLabel      string     `db:"display_label"`
	LastInteractionTS *time.Time `db:"-"`
}

type driftRow struct {
	ParticipantHash   string  `db:"participant_hash"`
	DisplayLabel      string  `db:"display_label"`
	LastInteractionTS *string `db:"last_interaction_ts"`
}

// Drifted returns relationships with no interaction in the last
// staleThreshold, oldest-contact-first, so a caller can surface the
// most overdue reconnections first.
func (f *Facade) Drifted(ctx context.Context, now time.Time, staleThreshold time.Duration) ([]Drift, error) {
	cutoff := now.Add(-staleThreshold).UTC().Format(time.RFC3339Nano)
	var rows []driftRow
	err := f.db.SelectContext(ctx, &rows, `
SELECT participant_hash, display_label, last_interaction_ts FROM relationships
WHERE last_interaction_ts IS NULL OR last_interaction_ts <= ?
ORDER BY last_interaction_ts ASC NULLS FIRST`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query drifted relationships: %w", err)
	}
	out := make([]Drift, 0, len(rows))
	for _, r := range rows {
		d := Drift{ParticipantHash: r.ParticipantHash, DisplayLabel: r.DisplayLabel}
		if r.LastInteractionTS != nil {
			v, err := time.Parse(time.RFC3339Nano, *r.LastInteractionTS)
			if err != nil {
				return nil, fmt.Errorf("parse last_interaction_ts: %w", err)
			}
			d.LastInteractionTS = &v
		}
		out = append(out, d)
	}
	return out, nil
}

// GetReconnectionSuggestions wraps Drifted, capped to limit, for
// callers that want the n most-overdue reconnections rather than the
// full drift set.
func (f *Facade) GetReconnectionSuggestions(ctx context.Context, now time.Time, staleThreshold time.Duration, limit int) ([]Drift, error) {
	drifted, err := f.Drifted(ctx, now, staleThreshold)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(drifted) > limit {
		drifted = drifted[:limit]
	}
	return drifted, nil
}

// UpcomingMilestone is a milestone whose next occurrence falls within
// a lookahead window from now.
type UpcomingMilestone struct {
	MilestoneID string    `db:"milestone_id"`
	Label       string    `db:"label"`
	OccursOn    time.Time `db:"-"`
}

type milestoneRow struct {
	MilestoneID string `db:"milestone_id"`
	Label       string `db:"label"`
	MonthDay    string `db:"month_day"`
	Recurring   int    `db:"recurring"`
	Year        *int   `db:"year"`
}

// UpcomingMilestones returns milestones occurring within lookahead of
// now. A non-recurring milestone whose Year doesn't match the
// relevant year is skipped; a recurring one always qualifies once its
// month-day falls in the window.
func (f *Facade) UpcomingMilestones(ctx context.Context, now time.Time, lookahead time.Duration) ([]UpcomingMilestone, error) {
	var rows []milestoneRow
	if err := f.db.SelectContext(ctx, &rows, `SELECT milestone_id, label, month_day, recurring, year FROM milestones`); err != nil {
		return nil, fmt.Errorf("query milestones: %w", err)
	}
	horizon := now.Add(lookahead)
	var out []UpcomingMilestone
	for _, r := range rows {
		occursOn, err := nextOccurrence(r.MonthDay, r.Recurring != 0, r.Year, now)
		if err != nil || occursOn.IsZero() {
			continue
		}
		if !occursOn.Before(now) && !occursOn.After(horizon) {
			out = append(out, UpcomingMilestone{MilestoneID: r.MilestoneID, Label: r.Label, OccursOn: occursOn})
		}
	}
	return out, nil
}

func nextOccurrence(monthDay string, recurring bool, year *int, now time.Time) (time.Time, error) {
	var month, day int
	if _, err := fmt.Sscanf(monthDay, "%02d-%02d", &month, &day); err != nil {
		return time.Time{}, fmt.Errorf("parse month_day %q: %w", monthDay, err)
	}
	if !recurring {
		if year == nil {
			return time.Time{}, nil
		}
		return time.Date(*year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
	}
	candidate := time.Date(now.Year(), time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if candidate.Before(timeDateOnly(now)) {
		candidate = time.Date(now.Year()+1, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	}
	return candidate, nil
}

func timeDateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
