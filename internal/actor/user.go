// Package actor runs exactly one goroutine per user, serializing every
// operation against that user's store through a mailbox channel. No
// mutex guards the store; within this package the mailbox goroutine is
// the only caller, which is what lets the subsystems it owns treat
// store calls as plain sequential code. A mirror.Writer built on the
// same store (cmd/tminusd runs one per user) calls it from its own
// goroutine.
package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/calendarfed/tminus/internal/analytics"
	"github.com/calendarfed/tminus/internal/db"
	"github.com/calendarfed/tminus/internal/ingest"
	"github.com/calendarfed/tminus/internal/mirror"
	"github.com/calendarfed/tminus/internal/model"
	"github.com/calendarfed/tminus/internal/providerio"
	"github.com/calendarfed/tminus/internal/queue"
	"github.com/calendarfed/tminus/internal/scheduling"
)

type request struct {
	fn   func(ctx context.Context) (any, error)
	resp chan result
}

type result struct {
	val any
	err error
}

// User is the single-writer actor for one user's store. It owns the
// store handle and every subsystem that reads or writes it; callers
// never touch those directly, only through the methods below, which
// round-trip the call through the actor's mailbox.
type User struct {
	UserID string

	store      *db.Store
	ingest     *ingest.Engine
	scheduling *scheduling.Coordinator
	analytics  *analytics.Facade
	sender     queue.Sender
	log        zerolog.Logger

	highWater int
	lowWater  int

	mailbox chan request
	done    chan struct{}
}

// Config bundles the tunables and provider-facing collaborators a User
// actor needs without importing the whole config.Config (only the
// fields this actor actually reads). Adapter/Tokens/Classifier may be
// left nil for actors that never need to reach a live provider (e.g.
// an ops tool that only lists or cancels).
type Config struct {
	HoldTTL         time.Duration
	MirrorHighWater int
	MirrorLowWater  int

	Adapter    providerio.WriteAdapter
	Tokens     providerio.TokenSource
	Classifier providerio.ErrorClassifier
}

func New(userID string, store *db.Store, sender queue.Sender, cfg Config, log zerolog.Logger) *User {
	ingestEngine := ingest.New(store)
	u := &User{
		UserID:     userID,
		store:      store,
		ingest:     ingestEngine,
		scheduling: scheduling.New(store, cfg.HoldTTL, cfg.Adapter, cfg.Tokens, cfg.Classifier, ingestEngine),
		analytics:  analytics.NewFromSQLX(sqlx.NewDb(store.DB(), "sqlite")),
		sender:     sender,
		log:        log,
		highWater:  cfg.MirrorHighWater,
		lowWater:   cfg.MirrorLowWater,
		mailbox:    make(chan request, 64),
		done:       make(chan struct{}),
	}
	go u.run()
	return u
}

// Stop closes the mailbox and waits for the run loop to drain.
func (u *User) Stop() {
	close(u.mailbox)
	<-u.done
}

func (u *User) run() {
	defer close(u.done)
	for req := range u.mailbox {
		val, err := req.fn(context.Background())
		req.resp <- result{val: val, err: err}
	}
}

func (u *User) call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	resp := make(chan result, 1)
	select {
	case u.mailbox <- request{fn: fn, resp: resp}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ApplyDelta ingests one provider delta. It enforces backpressure
// before ingestion even runs: while the non-terminal mirror count is
// at or above the high-water mark, every call fails with
// ErrBackpressure, and calls are accepted again as soon as the count
// is below that mark. The low-water mark is stored but not consulted,
// and a high-water mark of 0 disables the check.
func (u *User) ApplyDelta(ctx context.Context, originAccountID string, delta model.Delta) (model.IngestSummary, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		n, countErr := u.store.CountNonTerminalMirrors(ctx)
		if countErr != nil {
			return model.IngestSummary{}, fmt.Errorf("count non-terminal mirrors: %w", countErr)
		}
		if u.highWater > 0 && n >= int64(u.highWater) {
			return model.IngestSummary{}, model.ErrBackpressure
		}
		summary, applyErr := u.ingest.ApplyDelta(ctx, originAccountID, delta)
		if applyErr != nil {
			return model.IngestSummary{}, applyErr
		}
		if u.sender != nil {
			if enqueueErr := u.drainDueMirrors(ctx); enqueueErr != nil {
				u.log.Warn().Err(enqueueErr).Msg("drain due mirrors after ingest")
			}
		}
		return summary, nil
	})
	if err != nil {
		return model.IngestSummary{}, err
	}
	return val.(model.IngestSummary), nil
}

// drainDueMirrors pushes every currently-due mirror row onto the send
// queue. Called after ingest so a freshly reconciled mirror doesn't
// wait for the next sweeper tick to start writing.
func (u *User) drainDueMirrors(ctx context.Context) error {
	due, err := u.store.ListDueMirrors(ctx, time.Now().UTC(), 64)
	if err != nil {
		return fmt.Errorf("list due mirrors: %w", err)
	}
	for _, m := range due {
		jobType := model.JobCreateMirror
		switch m.State {
		case model.MirrorPendingUpdate:
			jobType = model.JobUpdateMirror
		case model.MirrorDeleting:
			jobType = model.JobDeleteMirror
		}
		job := model.MirrorJob{
			Type: jobType, CanonicalEventID: m.CanonicalEventID,
			TargetAccountID: m.TargetAccountID, TargetCalendarID: m.TargetCalendarID,
			ProviderEventID: m.ProviderEventID, EnqueuedState: m.State,
		}
		if err := u.sender.Send(ctx, job); err != nil {
			return fmt.Errorf("send mirror job: %w", err)
		}
	}
	return nil
}

// Propose, Commit, and Cancel pass scheduling calls through the
// mailbox so they're serialized against the same store as ingestion.
func (u *User) Propose(ctx context.Context, durationMinutes int, candidates []scheduling.Candidate) (model.SchedulingSession, []model.Hold, error) {
	type proposeResult struct {
		sess  model.SchedulingSession
		holds []model.Hold
	}
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		sess, holds, err := u.scheduling.Propose(ctx, durationMinutes, candidates)
		return proposeResult{sess: sess, holds: holds}, err
	})
	if err != nil {
		return model.SchedulingSession{}, nil, err
	}
	r := val.(proposeResult)
	return r.sess, r.holds, nil
}

func (u *User) Commit(ctx context.Context, sessionID, holdID string) (model.Hold, error) {
	val, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return u.scheduling.Commit(ctx, sessionID, holdID)
	})
	if err != nil {
		return model.Hold{}, err
	}
	return val.(model.Hold), nil
}

func (u *User) Cancel(ctx context.Context, sessionID string) error {
	_, err := u.call(ctx, func(ctx context.Context) (any, error) {
		return nil, u.scheduling.Cancel(ctx, sessionID)
	})
	return err
}

// reconcileWindow bounds how far ahead the periodic sweep re-derives
// mirror desired-state. Events past this horizon wait for their own
// ingest/edit to trigger reconciliation.
const reconcileWindow = 90 * 24 * time.Hour

// Sweep runs the periodic maintenance pass: expire stale scheduling
// sessions/holds, refresh the exported non-terminal mirror gauge,
// redrive any mirror whose retry backoff has elapsed, and re-reconcile
// near-term events against current policy edges so an edge whose
// active window lapsed quietly still gets its now-undesired mirrors
// torn down.
func (u *User) Sweep(ctx context.Context, now time.Time) error {
	_, err := u.call(ctx, func(ctx context.Context) (any, error) {
		if _, err := u.scheduling.SweepExpired(ctx, now); err != nil {
			return nil, fmt.Errorf("sweep expired sessions: %w", err)
		}
		if u.sender != nil {
			if err := u.drainDueMirrors(ctx); err != nil {
				return nil, fmt.Errorf("drain due mirrors: %w", err)
			}
			if err := u.reconcileWindowedEvents(ctx, now); err != nil {
				return nil, fmt.Errorf("reconcile windowed events: %w", err)
			}
		}
		if err := mirror.RefreshNonTerminalGauge(ctx, u.store); err != nil {
			return nil, fmt.Errorf("refresh mirror gauge: %w", err)
		}
		return nil, nil
	})
	return err
}

// reconcileWindowedEvents re-derives and enqueues mirror desired-state
// for every non-cancelled event starting within reconcileWindow of
// now, grouped by origin account so each account's policy edges are
// only fetched once per sweep.
func (u *User) reconcileWindowedEvents(ctx context.Context, now time.Time) error {
	events, err := u.store.ListCanonicalEventsInWindow(ctx, now, now.Add(reconcileWindow))
	if err != nil {
		return fmt.Errorf("list windowed events: %w", err)
	}
	edgesByAccount := map[string][]model.PolicyEdge{}
	for _, ev := range events {
		edges, ok := edgesByAccount[ev.OriginAccountID]
		if !ok {
			edges, err = u.store.ListPolicyEdgesFromAccount(ctx, ev.OriginAccountID)
			if err != nil {
				return fmt.Errorf("list policy edges for %s: %w", ev.OriginAccountID, err)
			}
			edgesByAccount[ev.OriginAccountID] = edges
		}
		jobs, err := mirror.Reconcile(ctx, u.store, ev, edges, now)
		if err != nil {
			return fmt.Errorf("reconcile event %s: %w", ev.CanonicalEventID, err)
		}
		for _, job := range jobs {
			if err := u.sender.Send(ctx, job); err != nil {
				return fmt.Errorf("send reconcile job: %w", err)
			}
		}
	}
	return nil
}
