// Package scheduling implements propose/select/commit/cancel/expire
// for tentative meeting scheduling: a SchedulingSession proposes
// candidate times, each candidate gets a short-lived Hold so two
// concurrent proposals can't double-book the same slot, and exactly
// one candidate is promoted to a real event on commit.
package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/calendarfed/tminus/internal/db"
	"github.com/calendarfed/tminus/internal/idgen"
	"github.com/calendarfed/tminus/internal/ingest"
	"github.com/calendarfed/tminus/internal/model"
	"github.com/calendarfed/tminus/internal/providerio"
)

// Candidate is one proposed time window on one target calendar.
type Candidate struct {
	TargetAccountID  string
	TargetCalendarID string
	Title            string
	Description      string
	StartTS          time.Time
	EndTS            time.Time
}

// Coordinator proposes, commits, cancels, and expires scheduling
// sessions. Propose and Commit call through to a provider via adapter
// to create and tear down the tentative events a Hold represents;
// adapter/tokens/ingestEngine may be nil for a Coordinator that only
// ever calls Cancel/SweepExpired (e.g. an operator CLI that doesn't
// need to reach the provider).
type Coordinator struct {
	store      *db.Store
	holdTTL    time.Duration
	adapter    providerio.WriteAdapter
	tokens     providerio.TokenSource
	classifier providerio.ErrorClassifier
	ingest     *ingest.Engine
}

func New(store *db.Store, holdTTL time.Duration, adapter providerio.WriteAdapter, tokens providerio.TokenSource, classifier providerio.ErrorClassifier, ingestEngine *ingest.Engine) *Coordinator {
	if classifier == nil {
		classifier = providerio.DefaultErrorClassifier{}
	}
	return &Coordinator{store: store, holdTTL: holdTTL, adapter: adapter, tokens: tokens, classifier: classifier, ingest: ingestEngine}
}

// Propose opens a session in status "proposed" and, for each candidate
// whose window doesn't already overlap a non-terminal hold on that
// account, creates a tentative provider event and a confirmed Hold
// recording its provider id. A candidate that overlaps an existing
// hold is skipped outright, and so is one whose tentative-create call
// fails transiently. A permanent failure of that call ends the
// proposal: the holds already confirmed earlier in this same call are
// released, their tentative events deleted, and the error returned.
func (c *Coordinator) Propose(ctx context.Context, durationMinutes int, candidates []Candidate) (model.SchedulingSession, []model.Hold, error) {
	now := time.Now().UTC()
	sess := model.SchedulingSession{
		SessionID:       idgen.New(idgen.PrefixSession),
		Status:          model.SessionProposed,
		DurationMinutes: durationMinutes,
		CreatedAt:       now,
		ExpiresAt:       now.Add(c.holdTTL),
	}
	if err := c.store.InsertSchedulingSession(ctx, sess); err != nil {
		return model.SchedulingSession{}, nil, fmt.Errorf("insert scheduling session: %w", err)
	}

	var holds []model.Hold
	for i, cand := range candidates {
		overlapping, err := c.store.ListOverlappingHolds(ctx, cand.TargetAccountID, cand.StartTS, cand.EndTS)
		if err != nil {
			return sess, holds, fmt.Errorf("check overlapping holds: %w", err)
		}
		if len(overlapping) > 0 {
			continue
		}

		status := model.HoldPending
		var providerEventID *string
		if c.adapter != nil {
			id, err := c.createTentativeEvent(ctx, cand)
			if err != nil {
				if !model.IsRetryable(c.classifier.Classify(err)) {
					if releaseErr := c.releaseHolds(ctx, holds); releaseErr != nil {
						return sess, holds, fmt.Errorf("release holds after permanent propose failure: %w", releaseErr)
					}
					return sess, nil, fmt.Errorf("create tentative event for candidate %d: %w", i, err)
				}
				continue
			}
			status = model.HoldConfirmed
			providerEventID = &id
		}

		h := model.Hold{
			HoldID:           idgen.New(idgen.PrefixHold),
			SessionID:        sess.SessionID,
			CandidateIndex:   i,
			TargetAccountID:  cand.TargetAccountID,
			TargetCalendarID: cand.TargetCalendarID,
			Title:            cand.Title,
			Description:      cand.Description,
			StartTS:          cand.StartTS,
			EndTS:            cand.EndTS,
			Status:           status,
			ProviderEventID:  providerEventID,
			ExpiresAt:        now.Add(c.holdTTL),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := c.store.InsertHold(ctx, h); err != nil {
			if err == model.ErrDuplicate {
				continue
			}
			return sess, holds, fmt.Errorf("insert hold: %w", err)
		}
		holds = append(holds, h)
	}
	return sess, holds, nil
}

func (c *Coordinator) createTentativeEvent(ctx context.Context, cand Candidate) (string, error) {
	if _, err := c.tokens.Token(ctx, cand.TargetAccountID); err != nil {
		return "", fmt.Errorf("acquire token: %w", err)
	}
	payload := model.MirrorPayload{
		Title:       cand.Title,
		Description: cand.Description,
		StartTS:     cand.StartTS,
		EndTS:       cand.EndTS,
		Tags:        map[string]string{},
	}
	return c.adapter.CreateEvent(ctx, cand.TargetAccountID, cand.TargetCalendarID, payload)
}

// releaseHolds marks already-inserted holds released, best-effort
// rollback for a Propose call that aborts partway through.
func (c *Coordinator) releaseHolds(ctx context.Context, holds []model.Hold) error {
	for _, h := range holds {
		if err := c.store.UpdateHoldStatus(ctx, h.HoldID, model.HoldReleased, nil); err != nil {
			return err
		}
		if h.ProviderEventID != nil {
			_ = c.adapter.DeleteEvent(ctx, h.TargetAccountID, h.TargetCalendarID, *h.ProviderEventID)
		}
	}
	return nil
}

// Commit selects one hold's candidate, promotes it to committed,
// materializes its tentative provider event into a real canonical
// event (as if it were an origin-created delta, so it projects to
// whatever mirrors that account's policy edges call for), releases
// every sibling hold in the session and tears down their tentative
// provider events, and marks the session committed.
func (c *Coordinator) Commit(ctx context.Context, sessionID, holdID string) (model.Hold, error) {
	sess, err := c.store.GetSchedulingSession(ctx, sessionID)
	if err != nil {
		return model.Hold{}, fmt.Errorf("load session: %w", err)
	}
	if sess.Status != model.SessionProposed {
		return model.Hold{}, &model.ConflictError{Message: fmt.Sprintf("session %s is %s, not proposed", sessionID, sess.Status)}
	}
	holds, err := c.store.ListHoldsForSession(ctx, sessionID)
	if err != nil {
		return model.Hold{}, fmt.Errorf("list holds: %w", err)
	}
	var winner *model.Hold
	for i := range holds {
		if holds[i].HoldID == holdID {
			winner = &holds[i]
			break
		}
	}
	if winner == nil {
		return model.Hold{}, &model.NotFoundError{Entity: "hold", ID: holdID}
	}
	if !winner.NonTerminal() {
		return model.Hold{}, &model.ConflictError{Message: fmt.Sprintf("hold %s is %s, not available", holdID, winner.Status)}
	}

	if err := c.store.UpdateHoldStatus(ctx, holdID, model.HoldCommitted, nil); err != nil {
		return model.Hold{}, fmt.Errorf("commit hold: %w", err)
	}
	if err := c.materialize(ctx, *winner); err != nil {
		return model.Hold{}, fmt.Errorf("materialize committed hold: %w", err)
	}
	for _, h := range holds {
		if h.HoldID == holdID {
			continue
		}
		if h.NonTerminal() {
			if err := c.store.UpdateHoldStatus(ctx, h.HoldID, model.HoldReleased, nil); err != nil {
				return model.Hold{}, fmt.Errorf("release sibling hold: %w", err)
			}
			if h.ProviderEventID != nil && c.adapter != nil {
				if err := c.adapter.DeleteEvent(ctx, h.TargetAccountID, h.TargetCalendarID, *h.ProviderEventID); err != nil {
					return model.Hold{}, fmt.Errorf("delete sibling tentative event: %w", err)
				}
			}
		}
	}
	candidateID := holdID
	if err := c.store.UpdateSchedulingSessionStatus(ctx, sessionID, model.SessionCommitted, &candidateID); err != nil {
		return model.Hold{}, fmt.Errorf("commit session: %w", err)
	}
	winner.Status = model.HoldCommitted
	return *winner, nil
}

// materialize turns a committed hold's tentative provider event into a
// real canonical event by handing ingestion a synthetic created delta,
// the same path a genuine provider-sync worker would use. A
// Coordinator with no ingestEngine wired (e.g. one built only to drive
// Cancel/SweepExpired) skips this step.
func (c *Coordinator) materialize(ctx context.Context, winner model.Hold) error {
	if c.ingest == nil || winner.ProviderEventID == nil {
		return nil
	}
	delta := model.Delta{
		Type:          model.ChangeCreated,
		OriginEventID: *winner.ProviderEventID,
		Event: &model.ProviderEvent{
			Title:       winner.Title,
			Description: winner.Description,
			StartTS:     winner.StartTS,
			EndTS:       winner.EndTS,
			Status:      model.EventConfirmed,
			UpdatedAt:   time.Now().UTC(),
		},
	}
	if _, err := c.ingest.ApplyDelta(ctx, winner.TargetAccountID, delta); err != nil {
		return err
	}
	return nil
}

// Cancel releases every non-terminal hold in a session and marks it
// cancelled. Idempotent: cancelling an already-terminal session is a
// no-op, not an error, since a cancel racing an expiry sweep is normal.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) error {
	sess, err := c.store.GetSchedulingSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess.Status != model.SessionProposed {
		return nil
	}
	holds, err := c.store.ListHoldsForSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list holds: %w", err)
	}
	for _, h := range holds {
		if h.NonTerminal() {
			if err := c.store.UpdateHoldStatus(ctx, h.HoldID, model.HoldReleased, nil); err != nil {
				return fmt.Errorf("release hold: %w", err)
			}
		}
	}
	return c.store.UpdateSchedulingSessionStatus(ctx, sessionID, model.SessionCancelled, nil)
}

// SweepExpired expires sessions (and their holds) whose TTL has
// elapsed without a commit. Called periodically by the sweeper.
func (c *Coordinator) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	sessions, err := c.store.ListExpiredSchedulingSessions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	for _, sess := range sessions {
		holds, err := c.store.ListHoldsForSession(ctx, sess.SessionID)
		if err != nil {
			return 0, fmt.Errorf("list holds for expiry: %w", err)
		}
		for _, h := range holds {
			if h.NonTerminal() {
				if err := c.store.UpdateHoldStatus(ctx, h.HoldID, model.HoldExpired, nil); err != nil {
					return 0, fmt.Errorf("expire hold: %w", err)
				}
			}
		}
		if err := c.store.UpdateSchedulingSessionStatus(ctx, sess.SessionID, model.SessionExpired, nil); err != nil {
			return 0, fmt.Errorf("expire session: %w", err)
		}
	}

	expiredHolds, err := c.store.ListExpiredHolds(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}
	for _, h := range expiredHolds {
		if err := c.store.UpdateHoldStatus(ctx, h.HoldID, model.HoldExpired, nil); err != nil {
			return 0, fmt.Errorf("expire orphan hold: %w", err)
		}
	}
	return len(sessions), nil
}
