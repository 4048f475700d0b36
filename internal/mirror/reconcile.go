package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/calendarfed/tminus/internal/db"
	"github.com/calendarfed/tminus/internal/model"
	"github.com/calendarfed/tminus/internal/projection"
)

// Reconcile computes the mirror set an event should have right now,
// diffs it against the event_mirrors rows already on file, and
// returns the jobs needed to close the gap: CREATE for a desired
// target with no row, UPDATE for a LIVE row whose projected hash
// changed, DELETE for a row with no matching desired target.
//
// It does not call a provider itself — it only persists the
// PENDING_* rows and returns jobs for a Writer to execute later. This
// split is what lets ingestion stay fast: Reconcile runs inline in
// the ingest path, the provider call happens asynchronously off a
// queue.
func Reconcile(ctx context.Context, store *db.Store, ev model.CanonicalEvent, edges []model.PolicyEdge, now time.Time) ([]model.MirrorJob, error) {
	existing, err := store.ListMirrorsForEvent(ctx, ev.CanonicalEventID)
	if err != nil {
		return nil, fmt.Errorf("list existing mirrors: %w", err)
	}
	existingByKey := make(map[model.MirrorKey]model.EventMirror, len(existing))
	for _, m := range existing {
		existingByKey[m.Key()] = m
	}

	desired := projection.Desired(ev, edges, now)
	desiredKeys := make(map[model.MirrorKey]bool, len(desired))
	var jobs []model.MirrorJob

	for _, target := range desired {
		key := model.MirrorKey{
			CanonicalEventID: ev.CanonicalEventID,
			TargetAccountID:  target.TargetAccountID,
			TargetCalendarID: target.TargetCalendarID,
		}
		desiredKeys[key] = true
		payload := projection.Payload(ev, target.DetailLevel)
		hash := projection.Hash(payload)

		current, ok := existingByKey[key]
		switch {
		case !ok:
			m := model.EventMirror{
				CanonicalEventID: ev.CanonicalEventID,
				TargetAccountID:  target.TargetAccountID,
				TargetCalendarID: target.TargetCalendarID,
				State:            model.MirrorPendingCreate,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := store.UpsertEventMirror(ctx, m); err != nil {
				return nil, fmt.Errorf("create pending mirror row: %w", err)
			}
			jobs = append(jobs, model.MirrorJob{
				Type: model.JobCreateMirror, CanonicalEventID: ev.CanonicalEventID,
				TargetAccountID: target.TargetAccountID, TargetCalendarID: target.TargetCalendarID,
				Payload: &payload, ProjectedHash: hash, EnqueuedState: model.MirrorPendingCreate,
			})
		case current.State == model.MirrorLive && (current.LastProjectedHash == nil || *current.LastProjectedHash != hash):
			current.State = model.MirrorPendingUpdate
			current.UpdatedAt = now
			if err := store.UpsertEventMirror(ctx, current); err != nil {
				return nil, fmt.Errorf("mark mirror pending update: %w", err)
			}
			jobs = append(jobs, model.MirrorJob{
				Type: model.JobUpdateMirror, CanonicalEventID: ev.CanonicalEventID,
				TargetAccountID: target.TargetAccountID, TargetCalendarID: target.TargetCalendarID,
				ProviderEventID: current.ProviderEventID, Payload: &payload, ProjectedHash: hash,
				EnqueuedState: model.MirrorPendingUpdate,
			})
		case current.State == model.MirrorFailed:
			// A previously abandoned mirror whose policy edge is still
			// active gets one more chance rather than staying stuck.
			current.State = model.MirrorPendingUpdate
			current.AttemptCount = 0
			current.UpdatedAt = now
			if err := store.UpsertEventMirror(ctx, current); err != nil {
				return nil, fmt.Errorf("reset failed mirror: %w", err)
			}
			jobs = append(jobs, model.MirrorJob{
				Type: model.JobUpdateMirror, CanonicalEventID: ev.CanonicalEventID,
				TargetAccountID: target.TargetAccountID, TargetCalendarID: target.TargetCalendarID,
				ProviderEventID: current.ProviderEventID, Payload: &payload, ProjectedHash: hash,
				EnqueuedState: model.MirrorPendingUpdate,
			})
		}
	}

	for key, current := range existingByKey {
		if desiredKeys[key] {
			continue
		}
		if !current.State.NonTerminal() && current.State != model.MirrorLive {
			continue
		}
		current.State = model.MirrorDeleting
		current.UpdatedAt = now
		if err := store.UpsertEventMirror(ctx, current); err != nil {
			return nil, fmt.Errorf("mark mirror deleting: %w", err)
		}
		jobs = append(jobs, model.MirrorJob{
			Type: model.JobDeleteMirror, CanonicalEventID: ev.CanonicalEventID,
			TargetAccountID: key.TargetAccountID, TargetCalendarID: key.TargetCalendarID,
			ProviderEventID: current.ProviderEventID, EnqueuedState: model.MirrorDeleting,
		})
	}
	return jobs, nil
}
