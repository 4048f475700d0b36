package analytics

import (
	"context"
	"fmt"
	"time"
)

// CognitiveLoad summarizes how packed a day range is: the fraction of
// the whole requested range covered by busy intervals, and how many
// distinct busy blocks contribute to it.
type CognitiveLoad struct {
	Score        float64 // 0 (empty) .. 1+ (fully booked or over-booked)
	BusyMinutes  int
	TotalMinutes int
	MeetingCount int
}

// GetCognitiveLoad computes load over [from, to) from the same merged
// busy set computeAvailability produces, so load and availability can
// never disagree about what counts as busy.
func (f *Facade) GetCognitiveLoad(ctx context.Context, from, to time.Time) (CognitiveLoad, error) {
	busy, _, err := f.ComputeAvailability(ctx, from, to)
	if err != nil {
		return CognitiveLoad{}, err
	}
	total := int(to.Sub(from).Minutes())
	var busyMin int
	for _, b := range busy {
		busyMin += int(b.EndTS.Sub(b.StartTS).Minutes())
	}
	load := CognitiveLoad{BusyMinutes: busyMin, TotalMinutes: total, MeetingCount: len(busy)}
	if total > 0 {
		load.Score = float64(busyMin) / float64(total)
	}
	return load, nil
}

// ContextSwitch is a transition between two busy blocks separated by
// less than the switch threshold — too little recovery time between
// meetings to count as a clean break.
type ContextSwitch struct {
	PrevEnd   time.Time
	NextStart time.Time
	Gap       time.Duration
}

// GetContextSwitches returns every tight transition between adjacent
// busy blocks in [from, to) whose gap is under threshold.
func (f *Facade) GetContextSwitches(ctx context.Context, from, to time.Time, threshold time.Duration) ([]ContextSwitch, error) {
	busy, err := f.FreeBusy(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var out []ContextSwitch
	for i := 1; i < len(busy); i++ {
		gap := busy[i].StartTS.Sub(busy[i-1].EndTS)
		if gap >= 0 && gap < threshold {
			out = append(out, ContextSwitch{PrevEnd: busy[i-1].EndTS, NextStart: busy[i].StartTS, Gap: gap})
		}
	}
	return out, nil
}

// GetDeepWork returns every free gap in [from, to) at least minDuration
// long — the candidates for uninterrupted focus time.
func (f *Facade) GetDeepWork(ctx context.Context, from, to time.Time, minDuration time.Duration) ([]Busy, error) {
	_, free, err := f.ComputeAvailability(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var out []Busy
	for _, g := range free {
		if g.EndTS.Sub(g.StartTS) >= minDuration {
			out = append(out, g)
		}
	}
	return out, nil
}

// RiskScore flags a busy interval whose gap to the next one is tight
// enough that a provider delay or run-over risks a missed transition.
type RiskScore struct {
	Busy  Busy
	Score float64 // 0 (safe) .. 1 (back-to-back or overlapping)
}

// GetRiskScores scores every busy interval in [from, to) by how little
// slack follows it before the next one starts, capped to cushion.
func (f *Facade) GetRiskScores(ctx context.Context, from, to time.Time, cushion time.Duration) ([]RiskScore, error) {
	busy, err := f.FreeBusy(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]RiskScore, 0, len(busy))
	for i, b := range busy {
		score := 0.0
		if i+1 < len(busy) {
			gap := busy[i+1].StartTS.Sub(b.EndTS)
			if gap <= 0 {
				score = 1
			} else if gap < cushion {
				score = 1 - float64(gap)/float64(cushion)
			}
		}
		out = append(out, RiskScore{Busy: b, Score: score})
	}
	return out, nil
}

// GetProbabilisticAvailability estimates, for each candidate slot, the
// probability it is actually free: 1 for slots outside any busy block,
// 0 for slots fully inside one, and a linear partial-overlap fraction
// otherwise — deterministic given the same Store snapshot, per the
// analytics façade's no-hidden-state contract.
func (f *Facade) GetProbabilisticAvailability(ctx context.Context, slots []Busy) ([]float64, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	from, to := slots[0].StartTS, slots[0].EndTS
	for _, s := range slots[1:] {
		if s.StartTS.Before(from) {
			from = s.StartTS
		}
		if s.EndTS.After(to) {
			to = s.EndTS
		}
	}
	busy, err := f.FreeBusy(ctx, from, to)
	if err != nil {
		return nil, err
	}
	probs := make([]float64, len(slots))
	for i, slot := range slots {
		total := slot.EndTS.Sub(slot.StartTS)
		if total <= 0 {
			probs[i] = 1
			continue
		}
		var overlapped time.Duration
		for _, b := range busy {
			start := maxTime(slot.StartTS, b.StartTS)
			end := minTime(slot.EndTS, b.EndTS)
			if end.After(start) {
				overlapped += end.Sub(start)
			}
		}
		probs[i] = 1 - float64(overlapped)/float64(total)
	}
	return probs, nil
}

// EventBriefing bundles an event with its surrounding scheduling
// context: the free gap before and after it, and how loaded the rest
// of its day is.
type EventBriefing struct {
	Title     string
	StartTS   time.Time
	EndTS     time.Time
	GapBefore time.Duration
	GapAfter  time.Duration
	DayLoad   CognitiveLoad
}

// GetEventBriefing assembles a briefing for one canonical event id.
func (f *Facade) GetEventBriefing(ctx context.Context, canonicalEventID string) (EventBriefing, error) {
	var row struct {
		Title   string `db:"title"`
		StartTS string `db:"start_ts"`
		EndTS   string `db:"end_ts"`
	}
	err := f.db.GetContext(ctx, &row, `
SELECT title, start_ts, end_ts FROM canonical_events WHERE canonical_event_id = ?`, canonicalEventID)
	if err != nil {
		return EventBriefing{}, fmt.Errorf("load event %s: %w", canonicalEventID, err)
	}
	start, err := time.Parse(time.RFC3339Nano, row.StartTS)
	if err != nil {
		return EventBriefing{}, fmt.Errorf("parse start_ts: %w", err)
	}
	end, err := time.Parse(time.RFC3339Nano, row.EndTS)
	if err != nil {
		return EventBriefing{}, fmt.Errorf("parse end_ts: %w", err)
	}

	dayStartTS := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	dayEndTS := dayStartTS.AddDate(0, 0, 1)
	busy, err := f.FreeBusy(ctx, dayStartTS, dayEndTS)
	if err != nil {
		return EventBriefing{}, err
	}
	var gapBefore, gapAfter time.Duration
	for i, b := range busy {
		if b.StartTS.Equal(start) || (!b.StartTS.After(start) && b.EndTS.After(start)) {
			if i > 0 {
				gapBefore = start.Sub(busy[i-1].EndTS)
			} else {
				gapBefore = start.Sub(dayStartTS)
			}
			if i+1 < len(busy) {
				gapAfter = busy[i+1].StartTS.Sub(end)
			} else {
				gapAfter = dayEndTS.Sub(end)
			}
			break
		}
	}
	load, err := f.GetCognitiveLoad(ctx, dayStartTS, dayEndTS)
	if err != nil {
		return EventBriefing{}, err
	}
	return EventBriefing{Title: row.Title, StartTS: start, EndTS: end, GapBefore: gapBefore, GapAfter: gapAfter, DayLoad: load}, nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
