package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/calendarfed/tminus/internal/analytics"
	"github.com/calendarfed/tminus/internal/idgen"
	"github.com/calendarfed/tminus/internal/model"
)

// --- constraints ------------------------------------------------------

// CreateConstraint inserts a new constraint and returns it with its id
// minted.
func (u *User) CreateConstraint(ctx context.Context, kind model.ConstraintKind, configJSON string, activeFrom, activeTo *time.Time) (model.Constraint, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		now := time.Now().UTC()
		c := model.Constraint{
			ConstraintID: idgen.New(idgen.PrefixConstraint),
			Kind:         kind,
			ConfigJSON:   configJSON,
			ActiveFrom:   activeFrom,
			ActiveTo:     activeTo,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := u.store.UpsertConstraint(ctx, c); err != nil {
			return model.Constraint{}, fmt.Errorf("create constraint: %w", err)
		}
		return c, nil
	})
	if err != nil {
		return model.Constraint{}, err
	}
	return val.(model.Constraint), nil
}

// UpdateConstraint overwrites an existing constraint's fields in
// place; the constraint id is preserved.
func (u *User) UpdateConstraint(ctx context.Context, c model.Constraint) error {
	_, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return nil, u.store.UpsertConstraint(ctx, c)
	})
	return err
}

func (u *User) DeleteConstraint(ctx context.Context, constraintID string) error {
	_, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return nil, u.store.DeleteConstraint(ctx, constraintID)
	})
	return err
}

// ListConstraints returns every constraint, optionally filtered to one
// kind.
func (u *User) ListConstraints(ctx context.Context, kind *model.ConstraintKind) ([]model.Constraint, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		all, err := u.store.ListConstraints(ctx)
		if err != nil {
			return nil, err
		}
		if kind == nil {
			return all, nil
		}
		var filtered []model.Constraint
		for _, c := range all {
			if c.Kind == *kind {
				filtered = append(filtered, c)
			}
		}
		return filtered, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]model.Constraint), nil
}

// --- relationships / ledger -------------------------------------------

// UpsertRelationship creates or updates the relationship record for a
// hashed participant.
func (u *User) UpsertRelationship(ctx context.Context, participantHash, displayLabel string) (model.Relationship, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		existing, err := u.store.GetRelationshipByHash(ctx, participantHash)
		now := time.Now().UTC()
		r := model.Relationship{
			RelationshipID:  idgen.New(idgen.PrefixRelationship),
			ParticipantHash: participantHash,
			DisplayLabel:    displayLabel,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err == nil {
			r.RelationshipID = existing.RelationshipID
			r.LastInteractionTS = existing.LastInteractionTS
			r.CreatedAt = existing.CreatedAt
		} else if err != model.ErrNotFound {
			return model.Relationship{}, fmt.Errorf("load relationship: %w", err)
		}
		if err := u.store.UpsertRelationship(ctx, r); err != nil {
			return model.Relationship{}, fmt.Errorf("upsert relationship: %w", err)
		}
		return r, nil
	})
	if err != nil {
		return model.Relationship{}, err
	}
	return val.(model.Relationship), nil
}

// MarkOutcome records one interaction outcome against a participant
// and bumps the relationship's last-interaction timestamp forward if
// this outcome is the most recent seen.
func (u *User) MarkOutcome(ctx context.Context, participantHash, outcome, detail string, occurredAt time.Time) (model.LedgerEntry, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		l := model.LedgerEntry{
			LedgerID:        idgen.New(idgen.PrefixLedger),
			ParticipantHash: participantHash,
			Outcome:         outcome,
			Detail:          detail,
			OccurredAt:      occurredAt,
			CreatedAt:       time.Now().UTC(),
		}
		if err := u.store.InsertLedgerEntry(ctx, l); err != nil {
			return model.LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
		}
		r, err := u.store.GetRelationshipByHash(ctx, participantHash)
		if err != nil {
			if err == model.ErrNotFound {
				return l, nil
			}
			return model.LedgerEntry{}, fmt.Errorf("load relationship: %w", err)
		}
		if r.LastInteractionTS == nil || occurredAt.After(*r.LastInteractionTS) {
			r.LastInteractionTS = &occurredAt
			r.UpdatedAt = time.Now().UTC()
			if err := u.store.UpsertRelationship(ctx, r); err != nil {
				return model.LedgerEntry{}, fmt.Errorf("bump last interaction: %w", err)
			}
		}
		return l, nil
	})
	if err != nil {
		return model.LedgerEntry{}, err
	}
	return val.(model.LedgerEntry), nil
}

func (u *User) ListOutcomes(ctx context.Context, participantHash string) ([]model.LedgerEntry, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return u.store.ListLedgerForParticipant(ctx, participantHash)
	})
	if err != nil {
		return nil, err
	}
	return val.([]model.LedgerEntry), nil
}

// Timeline pairs a relationship with its full outcome history,
// newest first.
type Timeline struct {
	Relationship model.Relationship
	Outcomes     []model.LedgerEntry
}

func (u *User) GetTimeline(ctx context.Context, participantHash string) (Timeline, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		r, err := u.store.GetRelationshipByHash(ctx, participantHash)
		if err != nil {
			return Timeline{}, fmt.Errorf("load relationship: %w", err)
		}
		outcomes, err := u.store.ListLedgerForParticipant(ctx, participantHash)
		if err != nil {
			return Timeline{}, fmt.Errorf("list outcomes: %w", err)
		}
		return Timeline{Relationship: r, Outcomes: outcomes}, nil
	})
	if err != nil {
		return Timeline{}, err
	}
	return val.(Timeline), nil
}

// Reputation summarizes a participant's outcome history as a score in
// [0,1]; positiveOutcomes/negativeOutcomes counted by the
// outcome labels a caller has chosen to treat as such.
type Reputation struct {
	Score    float64
	Positive int
	Negative int
	Total    int
}

var positiveOutcomes = map[string]bool{"attended": true, "completed": true, "accepted": true}
var negativeOutcomes = map[string]bool{"no_show": true, "declined": true, "cancelled_late": true}

// GetReputation scores a participant by the share of their recorded
// outcomes that are positive; a participant with no negative-or-
// positive-labeled outcomes yet scores neutral (0.5) rather than 0, so
// a brand-new relationship isn't penalized for lack of history.
func (u *User) GetReputation(ctx context.Context, participantHash string) (Reputation, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		outcomes, err := u.store.ListLedgerForParticipant(ctx, participantHash)
		if err != nil {
			return Reputation{}, err
		}
		rep := Reputation{Total: len(outcomes)}
		for _, o := range outcomes {
			switch {
			case positiveOutcomes[o.Outcome]:
				rep.Positive++
			case negativeOutcomes[o.Outcome]:
				rep.Negative++
			}
		}
		scored := rep.Positive + rep.Negative
		if scored == 0 {
			rep.Score = 0.5
		} else {
			rep.Score = float64(rep.Positive) / float64(scored)
		}
		return rep, nil
	})
	if err != nil {
		return Reputation{}, err
	}
	return val.(Reputation), nil
}

func (u *User) GetDriftReport(ctx context.Context, now time.Time, staleThreshold time.Duration) ([]analytics.Drift, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return u.analytics.Drifted(ctx, now, staleThreshold)
	})
	if err != nil {
		return nil, err
	}
	return val.([]analytics.Drift), nil
}

// reconnectionCacheTTL bounds how long a computed reconnection
// suggestion is trusted before the next call re-derives it.
const reconnectionCacheTTL = 6 * time.Hour

// GetReconnectionSuggestions computes the n most-overdue reconnections
// and caches each in reconnection_suggestions so a cheap cache read
// (ListReconnectionSuggestions) can serve repeat callers without
// walking the full ledger again before the cache entry expires.
func (u *User) GetReconnectionSuggestions(ctx context.Context, now time.Time, staleThreshold time.Duration, limit int) ([]analytics.Drift, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		drifted, err := u.analytics.GetReconnectionSuggestions(ctx, now, staleThreshold, limit)
		if err != nil {
			return nil, err
		}
		for _, d := range drifted {
			reason := "no interaction recorded"
			if d.LastInteractionTS != nil {
				reason = fmt.Sprintf("last interaction %s", d.LastInteractionTS.Format(time.RFC3339))
			}
			suggestion := model.ReconnectionSuggestion{
				ParticipantHash: d.ParticipantHash,
				Reason:          reason,
				ComputedAt:      now,
				ExpiresAt:       now.Add(reconnectionCacheTTL),
			}
			if err := u.store.UpsertReconnectionSuggestion(ctx, suggestion); err != nil {
				return nil, fmt.Errorf("cache reconnection suggestion: %w", err)
			}
		}
		return drifted, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]analytics.Drift), nil
}

// ListCachedReconnectionSuggestions returns cached suggestions not yet
// expired, without recomputing anything.
func (u *User) ListCachedReconnectionSuggestions(ctx context.Context, now time.Time) ([]model.ReconnectionSuggestion, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return u.store.ListReconnectionSuggestions(ctx, now)
	})
	if err != nil {
		return nil, err
	}
	return val.([]model.ReconnectionSuggestion), nil
}

// --- milestones ---------------------------------------------------------

func (u *User) CreateMilestone(ctx context.Context, label, monthDay string, recurring bool, year *int) (model.Milestone, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		now := time.Now().UTC()
		m := model.Milestone{
			MilestoneID: idgen.New(idgen.PrefixMilestone),
			Label:       label,
			MonthDay:    monthDay,
			Recurring:   recurring,
			Year:        year,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := u.store.UpsertMilestone(ctx, m); err != nil {
			return model.Milestone{}, fmt.Errorf("create milestone: %w", err)
		}
		return m, nil
	})
	if err != nil {
		return model.Milestone{}, err
	}
	return val.(model.Milestone), nil
}

func (u *User) UpdateMilestone(ctx context.Context, m model.Milestone) error {
	_, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return nil, u.store.UpsertMilestone(ctx, m)
	})
	return err
}

func (u *User) ListMilestones(ctx context.Context) ([]model.Milestone, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return u.store.ListMilestones(ctx)
	})
	if err != nil {
		return nil, err
	}
	return val.([]model.Milestone), nil
}

// ListUpcomingMilestones returns milestones occurring within maxDays
// of now.
func (u *User) ListUpcomingMilestones(ctx context.Context, now time.Time, maxDays int) ([]analytics.UpcomingMilestone, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return u.analytics.UpcomingMilestones(ctx, now, time.Duration(maxDays)*24*time.Hour)
	})
	if err != nil {
		return nil, err
	}
	return val.([]analytics.UpcomingMilestone), nil
}

// --- scheduling session listing ------------------------------------------

func (u *User) ListSchedulingSessions(ctx context.Context) ([]model.SchedulingSession, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return u.store.ListSchedulingSessions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return val.([]model.SchedulingSession), nil
}

// --- analytics pass-throughs ----------------------------------------------

func (u *User) ComputeAvailability(ctx context.Context, from, to time.Time) (busy []analytics.Busy, free []analytics.Busy, err error) {
	type availResult struct {
		busy []analytics.Busy
		free []analytics.Busy
	}
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		busy, free, err := u.analytics.ComputeAvailability(ctx, from, to)
		return availResult{busy: busy, free: free}, err
	})
	if err != nil {
		return nil, nil, err
	}
	r := val.(availResult)
	return r.busy, r.free, nil
}

func (u *User) GetCognitiveLoad(ctx context.Context, from, to time.Time) (analytics.CognitiveLoad, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return u.analytics.GetCognitiveLoad(ctx, from, to)
	})
	if err != nil {
		return analytics.CognitiveLoad{}, err
	}
	return val.(analytics.CognitiveLoad), nil
}

func (u *User) GetContextSwitches(ctx context.Context, from, to time.Time, threshold time.Duration) ([]analytics.ContextSwitch, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return u.analytics.GetContextSwitches(ctx, from, to, threshold)
	})
	if err != nil {
		return nil, err
	}
	return val.([]analytics.ContextSwitch), nil
}

func (u *User) GetDeepWork(ctx context.Context, from, to time.Time, minDuration time.Duration) ([]analytics.Busy, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return u.analytics.GetDeepWork(ctx, from, to, minDuration)
	})
	if err != nil {
		return nil, err
	}
	return val.([]analytics.Busy), nil
}

func (u *User) GetRiskScores(ctx context.Context, from, to time.Time, cushion time.Duration) ([]analytics.RiskScore, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return u.analytics.GetRiskScores(ctx, from, to, cushion)
	})
	if err != nil {
		return nil, err
	}
	return val.([]analytics.RiskScore), nil
}

func (u *User) GetProbabilisticAvailability(ctx context.Context, slots []analytics.Busy) ([]float64, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return u.analytics.GetProbabilisticAvailability(ctx, slots)
	})
	if err != nil {
		return nil, err
	}
	return val.([]float64), nil
}

func (u *User) GetEventBriefing(ctx context.Context, canonicalEventID string) (analytics.EventBriefing, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return u.analytics.GetEventBriefing(ctx, canonicalEventID)
	})
	if err != nil {
		return analytics.EventBriefing{}, err
	}
	return val.(analytics.EventBriefing), nil
}

// --- simulation snapshot ---------------------------------------------------

// SimulationSnapshot is a read-only bundle of the state a what-if
// engine needs without touching the store directly: active
// constraints, active policy edges grouped by source account, pending
// scheduling sessions, non-terminal mirror count, and near-term
// milestones.
type SimulationSnapshot struct {
	TakenAt            time.Time
	ActiveConstraints  []model.Constraint
	PolicyEdges        map[string][]model.PolicyEdge
	OpenSessions       []model.SchedulingSession
	NonTerminalMirrors int64
	UpcomingMilestones []analytics.UpcomingMilestone
}

// BuildSimulationSnapshot assembles a SimulationSnapshot as of now.
func (u *User) BuildSimulationSnapshot(ctx context.Context, now time.Time) (SimulationSnapshot, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		constraints, err := u.store.ListActiveConstraints(ctx, now)
		if err != nil {
			return SimulationSnapshot{}, fmt.Errorf("list active constraints: %w", err)
		}
		events, err := u.store.ListCanonicalEventsInWindow(ctx, now, now.Add(reconcileWindow))
		if err != nil {
			return SimulationSnapshot{}, fmt.Errorf("list windowed events: %w", err)
		}
		edges := map[string][]model.PolicyEdge{}
		for _, ev := range events {
			if _, ok := edges[ev.OriginAccountID]; ok {
				continue
			}
			accountEdges, err := u.store.ListPolicyEdgesFromAccount(ctx, ev.OriginAccountID)
			if err != nil {
				return SimulationSnapshot{}, fmt.Errorf("list policy edges for %s: %w", ev.OriginAccountID, err)
			}
			edges[ev.OriginAccountID] = accountEdges
		}
		sessions, err := u.store.ListSchedulingSessions(ctx)
		if err != nil {
			return SimulationSnapshot{}, fmt.Errorf("list scheduling sessions: %w", err)
		}
		var openSessions []model.SchedulingSession
		for _, s := range sessions {
			if s.Status == model.SessionProposed {
				openSessions = append(openSessions, s)
			}
		}
		nonTerminal, err := u.store.CountNonTerminalMirrors(ctx)
		if err != nil {
			return SimulationSnapshot{}, fmt.Errorf("count non-terminal mirrors: %w", err)
		}
		milestones, err := u.analytics.UpcomingMilestones(ctx, now, 30*24*time.Hour)
		if err != nil {
			return SimulationSnapshot{}, fmt.Errorf("upcoming milestones: %w", err)
		}
		return SimulationSnapshot{
			TakenAt:            now,
			ActiveConstraints:  constraints,
			PolicyEdges:        edges,
			OpenSessions:       openSessions,
			NonTerminalMirrors: nonTerminal,
			UpcomingMilestones: milestones,
		}, nil
	})
	if err != nil {
		return SimulationSnapshot{}, err
	}
	return val.(SimulationSnapshot), nil
}
