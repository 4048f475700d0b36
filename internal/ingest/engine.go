// Package ingest applies inbound provider deltas to the canonical
// store: classify, then create/update/delete the origin event,
// journal the change, and reconcile its mirror set. This is the
// single entry point a provider-sync worker calls per delta; it never
// talks to a provider itself.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/calendarfed/tminus/internal/classify"
	"github.com/calendarfed/tminus/internal/db"
	"github.com/calendarfed/tminus/internal/idgen"
	"github.com/calendarfed/tminus/internal/mirror"
	"github.com/calendarfed/tminus/internal/model"
	"github.com/calendarfed/tminus/internal/projection"
)

// Engine applies deltas for a single user's store.
type Engine struct {
	store *db.Store
}

func New(store *db.Store) *Engine {
	return &Engine{store: store}
}

// ApplyDelta processes one inbound change from a provider-sync
// worker. Only origin events are ingested: a delta for a managed
// mirror is silently dropped — it is this engine's own write echoing
// back, and re-ingesting it would create a sync loop — and a delta for
// an external mirror is dropped as well. An origin delta is journaled
// and its mirror set reconciled against current policy edges.
func (e *Engine) ApplyDelta(ctx context.Context, originAccountID string, delta model.Delta) (model.IngestSummary, error) {
	var summary model.IngestSummary
	now := time.Now().UTC()

	if delta.Event != nil {
		class := classify.Classify(*delta.Event)
		if class != model.ClassOrigin {
			return summary, nil
		}
	}

	existing, err := e.store.GetCanonicalEventByOrigin(ctx, originAccountID, delta.OriginEventID)
	found := err == nil
	if err != nil && err != model.ErrNotFound {
		return summary, fmt.Errorf("lookup origin event: %w", err)
	}

	switch delta.Type {
	case model.ChangeDeleted:
		if !found {
			return summary, nil
		}
		existing.Status = model.EventCancelled
		existing.Version++
		existing.UpdatedAt = now
		if err := e.store.UpsertCanonicalEvent(ctx, existing); err != nil {
			return summary, fmt.Errorf("mark event cancelled: %w", err)
		}
		if err := e.journal(ctx, existing.CanonicalEventID, model.ChangeDeleted, existing); err != nil {
			return summary, err
		}
		summary.Deleted++
		if err := e.reconcileAndCount(ctx, existing, now, &summary); err != nil {
			return summary, err
		}
		return summary, nil

	case model.ChangeCreated, model.ChangeUpdated:
		if delta.Event == nil {
			return summary, fmt.Errorf("delta type %s requires an event payload", delta.Type)
		}
		ev := fromProviderEvent(originAccountID, delta.OriginEventID, *delta.Event, now)
		if found {
			ev.CanonicalEventID = existing.CanonicalEventID
			ev.CreatedAt = existing.CreatedAt
			if hashUnchanged(existing, ev) {
				return summary, nil
			}
			ev.Version = existing.Version + 1
		} else {
			ev.CanonicalEventID = idgen.New(idgen.PrefixEvent)
			ev.Version = 1
		}
		if err := e.store.UpsertCanonicalEvent(ctx, ev); err != nil {
			if err == model.ErrOutOfOrder {
				return summary, nil
			}
			return summary, fmt.Errorf("upsert canonical event: %w", err)
		}
		changeType := model.ChangeCreated
		if found {
			changeType = model.ChangeUpdated
			summary.Updated++
		} else {
			summary.Created++
		}
		if err := e.journal(ctx, ev.CanonicalEventID, changeType, ev); err != nil {
			return summary, err
		}
		if err := e.reconcileAndCount(ctx, ev, now, &summary); err != nil {
			return summary, err
		}
		return summary, nil

	default:
		return summary, fmt.Errorf("unknown delta type %q", delta.Type)
	}
}

func (e *Engine) reconcileAndCount(ctx context.Context, ev model.CanonicalEvent, now time.Time, summary *model.IngestSummary) error {
	edges, err := e.store.ListPolicyEdgesFromAccount(ctx, ev.OriginAccountID)
	if err != nil {
		return fmt.Errorf("list policy edges: %w", err)
	}
	jobs, err := mirror.Reconcile(ctx, e.store, ev, edges, now)
	if err != nil {
		return fmt.Errorf("reconcile mirrors: %w", err)
	}
	summary.MirrorsEnqueued += len(jobs)
	return nil
}

func (e *Engine) journal(ctx context.Context, canonicalEventID string, changeType model.ChangeType, ev model.CanonicalEvent) error {
	patch, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal journal patch: %w", err)
	}
	entry := model.JournalEntry{
		JournalID:        idgen.New(idgen.PrefixJournal),
		CanonicalEventID: canonicalEventID,
		ChangeType:       changeType,
		Actor:            string(ev.Source),
		Patch:            string(patch),
		TS:               time.Now().UTC(),
	}
	if err := e.store.AppendJournal(ctx, entry); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func fromProviderEvent(originAccountID, originEventID string, pe model.ProviderEvent, now time.Time) model.CanonicalEvent {
	return model.CanonicalEvent{
		OriginAccountID: originAccountID,
		OriginEventID:   originEventID,
		Title:           pe.Title,
		Description:     pe.Description,
		Location:        pe.Location,
		StartTS:         pe.StartTS,
		EndTS:           pe.EndTS,
		Timezone:        pe.Timezone,
		AllDay:          pe.AllDay,
		Status:          pe.Status,
		Visibility:      pe.Visibility,
		Transparency:    pe.Transparency,
		RecurrenceRule:  pe.RecurrenceRule,
		Source:          model.SourceProvider,
		UpdatedAt:       now,
	}
}

// hashUnchanged reports whether the provider-visible fields of next
// are identical to current, so a delta that's a pure re-delivery
// (same title/time/etc., no real change) doesn't advance the version
// or generate journal/mirror churn.
func hashUnchanged(current, next model.CanonicalEvent) bool {
	return current.Title == next.Title &&
		current.Description == next.Description &&
		current.Location == next.Location &&
		current.StartTS.Equal(next.StartTS) &&
		current.EndTS.Equal(next.EndTS) &&
		current.Status == next.Status &&
		current.Transparency == next.Transparency &&
		current.RecurrenceRule == next.RecurrenceRule
}
