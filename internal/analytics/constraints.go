package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// WorkingHoursWindow is one weekly recurring open window, Weekday per
// time.Weekday (0=Sunday), StartMinute/EndMinute as minutes since local
// midnight.
type WorkingHoursWindow struct {
	Weekday     int `json:"weekday"`
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

// WorkingHoursConfig is the config_json shape for a working_hours
// constraint: time outside every window is busy.
type WorkingHoursConfig struct {
	IANA    string               `json:"iana"`
	Windows []WorkingHoursWindow `json:"windows"`
}

// NoMeetingsAfterConfig is the config_json shape for a
// no_meetings_after constraint: everything from CutoffMinute to
// midnight, every day, is busy.
type NoMeetingsAfterConfig struct {
	IANA         string `json:"iana"`
	CutoffMinute int    `json:"cutoff_minute"`
}

// BufferConfig is the config_json shape for a buffer constraint: every
// opaque event gets BeforeMinutes/AfterMinutes of adjacent busy time.
type BufferConfig struct {
	BeforeMinutes int `json:"before_minutes"`
	AfterMinutes  int `json:"after_minutes"`
}

type constraintRow struct {
	ConstraintID string  `db:"constraint_id"`
	Kind         string  `db:"kind"`
	ConfigJSON   string  `db:"config_json"`
	ActiveFrom   *string `db:"active_from"`
	ActiveTo     *string `db:"active_to"`
}

func (f *Facade) activeConstraints(ctx context.Context, kind string, from, to time.Time) ([]constraintRow, error) {
	var rows []constraintRow
	err := f.db.SelectContext(ctx, &rows, `
SELECT constraint_id, kind, config_json, active_from, active_to FROM constraints
WHERE kind = ?
  AND (active_from IS NULL OR active_from < ?)
  AND (active_to IS NULL OR active_to > ?)`,
		kind, to.UTC().Format(time.RFC3339Nano), from.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query %s constraints: %w", kind, err)
	}
	return rows, nil
}

// workingHoursBusy returns the "outside working hours" busy blocks for
// every day touching [from, to).
func workingHoursBusy(cfg WorkingHoursConfig, from, to time.Time) ([]Busy, error) {
	loc, err := loadLocation(cfg.IANA)
	if err != nil {
		return nil, err
	}
	byWeekday := map[int][]WorkingHoursWindow{}
	for _, w := range cfg.Windows {
		byWeekday[w.Weekday] = append(byWeekday[w.Weekday], w)
	}
	var out []Busy
	for day := dayStart(from, loc); day.Before(to); day = day.AddDate(0, 0, 1) {
		windows := byWeekday[int(day.Weekday())]
		dayEnd := day.AddDate(0, 0, 1)
		if len(windows) == 0 {
			out = append(out, Busy{StartTS: day, EndTS: dayEnd})
			continue
		}
		sort.Slice(windows, func(i, j int) bool { return windows[i].StartMinute < windows[j].StartMinute })
		cursor := day
		for _, w := range windows {
			wStart := day.Add(time.Duration(w.StartMinute) * time.Minute)
			wEnd := day.Add(time.Duration(w.EndMinute) * time.Minute)
			if wStart.After(cursor) {
				out = append(out, Busy{StartTS: cursor, EndTS: wStart})
			}
			if wEnd.After(cursor) {
				cursor = wEnd
			}
		}
		if cursor.Before(dayEnd) {
			out = append(out, Busy{StartTS: cursor, EndTS: dayEnd})
		}
	}
	return out, nil
}

// noMeetingsAfterBusy returns the daily cutoff-to-midnight busy blocks
// for every day touching [from, to). When more than one constraint
// applies to the same day, the earliest cutoff wins.
func noMeetingsAfterBusy(cfgs []NoMeetingsAfterConfig, from, to time.Time) ([]Busy, error) {
	type dayKey struct {
		y, m, d int
	}
	cutoffs := map[dayKey]time.Time{}
	for _, cfg := range cfgs {
		loc, err := loadLocation(cfg.IANA)
		if err != nil {
			return nil, err
		}
		for day := dayStart(from, loc); day.Before(to); day = day.AddDate(0, 0, 1) {
			cutoff := day.Add(time.Duration(cfg.CutoffMinute) * time.Minute)
			y, m, d := day.Date()
			key := dayKey{y, int(m), d}
			if existing, ok := cutoffs[key]; !ok || cutoff.Before(existing) {
				cutoffs[key] = cutoff
			}
		}
	}
	var out []Busy
	for key, cutoff := range cutoffs {
		dayEnd := time.Date(key.y, time.Month(key.m), key.d+1, 0, 0, 0, 0, cutoff.Location())
		out = append(out, Busy{StartTS: cutoff, EndTS: dayEnd})
	}
	return out, nil
}

// bufferedBusy expands every busy interval by the configured
// before/after minutes, grounded in the teacher's no-back-to-back
// buffer pass generalized from "tmux windows" to calendar events.
func bufferedBusy(events []Busy, cfg BufferConfig) []Busy {
	out := make([]Busy, 0, len(events))
	before := time.Duration(cfg.BeforeMinutes) * time.Minute
	after := time.Duration(cfg.AfterMinutes) * time.Minute
	for _, b := range events {
		out = append(out, Busy{StartTS: b.StartTS.Add(-before), EndTS: b.EndTS.Add(after)})
	}
	return out
}

// ComputeAvailability folds raw busy events, working-hours exclusions,
// no-meetings-after cutoffs, travel/prep/cooldown buffers, and
// milestone all-day blocks into one merged busy set, then returns the
// free gaps between them within [from, to).
func (f *Facade) ComputeAvailability(ctx context.Context, from, to time.Time) (busy []Busy, free []Busy, err error) {
	base, err := f.FreeBusy(ctx, from, to)
	if err != nil {
		return nil, nil, err
	}
	all := append([]Busy{}, base...)

	whRows, err := f.activeConstraints(ctx, "working_hours", from, to)
	if err != nil {
		return nil, nil, err
	}
	for _, row := range whRows {
		var cfg WorkingHoursConfig
		if err := json.Unmarshal([]byte(row.ConfigJSON), &cfg); err != nil {
			return nil, nil, fmt.Errorf("parse working_hours constraint %s: %w", row.ConstraintID, err)
		}
		blocks, err := workingHoursBusy(cfg, from, to)
		if err != nil {
			return nil, nil, fmt.Errorf("working_hours constraint %s: %w", row.ConstraintID, err)
		}
		all = append(all, blocks...)
	}

	nmaRows, err := f.activeConstraints(ctx, "no_meetings_after", from, to)
	if err != nil {
		return nil, nil, err
	}
	var nmaConfigs []NoMeetingsAfterConfig
	for _, row := range nmaRows {
		var cfg NoMeetingsAfterConfig
		if err := json.Unmarshal([]byte(row.ConfigJSON), &cfg); err != nil {
			return nil, nil, fmt.Errorf("parse no_meetings_after constraint %s: %w", row.ConstraintID, err)
		}
		nmaConfigs = append(nmaConfigs, cfg)
	}
	if len(nmaConfigs) > 0 {
		blocks, err := noMeetingsAfterBusy(nmaConfigs, from, to)
		if err != nil {
			return nil, nil, err
		}
		all = append(all, blocks...)
	}

	bufferRows, err := f.activeConstraints(ctx, "buffer", from, to)
	if err != nil {
		return nil, nil, err
	}
	for _, row := range bufferRows {
		var cfg BufferConfig
		if err := json.Unmarshal([]byte(row.ConfigJSON), &cfg); err != nil {
			return nil, nil, fmt.Errorf("parse buffer constraint %s: %w", row.ConstraintID, err)
		}
		all = append(all, bufferedBusy(base, cfg)...)
	}

	milestones, err := f.UpcomingMilestones(ctx, from, to.Sub(from))
	if err != nil {
		return nil, nil, err
	}
	for _, m := range milestones {
		all = append(all, Busy{StartTS: m.OccursOn, EndTS: m.OccursOn.AddDate(0, 0, 1)})
	}

	busy = mergeBusy(all)
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
	return busy, free, nil
}

func loadLocation(iana string) (*time.Location, error) {
	if iana == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(iana)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", iana, err)
	}
	return loc, nil
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
