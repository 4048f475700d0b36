// Package mirror drives the per-mirror write-back state machine:
// PENDING_CREATE/PENDING_UPDATE -> WRITING -> LIVE, and
// DELETING -> WRITING -> DELETED, with TOMBSTONED and FAILED as
// terminal failure/give-up states. It is the only package that writes
// mirrors through a providerio.WriteAdapter; internal/scheduling calls
// the adapter directly for tentative hold events.
package mirror

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/calendarfed/tminus/internal/db"
	"github.com/calendarfed/tminus/internal/idgen"
	"github.com/calendarfed/tminus/internal/model"
	"github.com/calendarfed/tminus/internal/providerio"
)

// RetryPolicy configures the capped exponential backoff with full
// jitter used between mirror write attempts, and the attempt budget
// before a mirror gives up and moves to FAILED.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// NextRetryAt applies full jitter in [0, cappedBackoff] on top of an
// exponential curve, so a fleet of mirrors retrying in lockstep after
// a provider outage doesn't hammer it in lockstep again.
func (p RetryPolicy) NextRetryAt(now time.Time, attempt int) time.Time {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Factor
	eb.MaxInterval = p.MaxDelay
	eb.MaxElapsedTime = 0
	capped := p.BaseDelay
	for i := 0; i < attempt; i++ {
		capped = time.Duration(float64(capped) * p.Factor)
		if capped > p.MaxDelay {
			capped = p.MaxDelay
			break
		}
	}
	jittered := time.Duration(rand.Int63n(int64(capped) + 1))
	return now.Add(jittered)
}

var (
	writeAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tminus_mirror_write_attempts_total",
		Help: "Mirror write attempts by job type and outcome.",
	}, []string{"job_type", "outcome"})
	nonTerminalGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tminus_mirror_nonterminal_count",
		Help: "Current count of event_mirrors rows not in a terminal state.",
	})
)

func init() {
	prometheus.MustRegister(writeAttempts, nonTerminalGauge)
}

// Writer applies MirrorJobs against a provider through a WriteAdapter,
// advancing each mirror's row through its state machine and scheduling
// retries on failure.
type Writer struct {
	store   *db.Store
	adapter providerio.WriteAdapter
	tokens  providerio.TokenSource
	classifier providerio.ErrorClassifier
	policy  RetryPolicy
	limiter *rate.Limiter
}

func NewWriter(store *db.Store, adapter providerio.WriteAdapter, tokens providerio.TokenSource, classifier providerio.ErrorClassifier, policy RetryPolicy, limiter *rate.Limiter) *Writer {
	if classifier == nil {
		classifier = providerio.DefaultErrorClassifier{}
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(10), 10)
	}
	return &Writer{store: store, adapter: adapter, tokens: tokens, classifier: classifier, policy: policy, limiter: limiter}
}

// Apply executes one MirrorJob: it performs the provider call implied
// by job.Type, then updates the corresponding event_mirrors row to
// LIVE/DELETED on success or schedules a retry (or moves to FAILED,
// recording a dead letter) on failure.
func (w *Writer) Apply(ctx context.Context, job model.MirrorJob) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	key := model.MirrorKey{
		CanonicalEventID: job.CanonicalEventID,
		TargetAccountID:  job.TargetAccountID,
		TargetCalendarID: job.TargetCalendarID,
	}
	m, err := w.store.GetEventMirror(ctx, key)
	if err != nil {
		return fmt.Errorf("load mirror %v: %w", key, err)
	}
	// A redelivered job must match the state it was enqueued against; if
	// another writer already moved this row on (or it was enqueued
	// stale), ack without touching the provider.
	if m.State != job.EnqueuedState {
		return nil
	}
	if err := w.store.CompareAndSwapMirrorState(ctx, key, job.EnqueuedState, model.MirrorWriting, time.Now().UTC()); err != nil {
		if err == model.ErrConflict {
			return nil
		}
		return fmt.Errorf("mark mirror writing: %w", err)
	}
	m.State = model.MirrorWriting

	if _, err := w.tokens.Token(ctx, job.TargetAccountID); err != nil {
		return w.fail(ctx, m, job, fmt.Errorf("acquire token: %w", err))
	}

	switch job.Type {
	case model.JobCreateMirror:
		providerEventID, err := w.adapter.CreateEvent(ctx, job.TargetAccountID, job.TargetCalendarID, *job.Payload)
		if err != nil {
			return w.fail(ctx, m, job, err)
		}
		m.ProviderEventID = &providerEventID
		return w.succeed(ctx, m, job, model.MirrorLive)
	case model.JobUpdateMirror:
		if m.ProviderEventID == nil {
			return w.fail(ctx, m, job, fmt.Errorf("update job with no provider event id"))
		}
		if err := w.adapter.UpdateEvent(ctx, job.TargetAccountID, job.TargetCalendarID, *m.ProviderEventID, *job.Payload); err != nil {
			return w.fail(ctx, m, job, err)
		}
		return w.succeed(ctx, m, job, model.MirrorLive)
	case model.JobDeleteMirror:
		if m.ProviderEventID != nil {
			if err := w.adapter.DeleteEvent(ctx, job.TargetAccountID, job.TargetCalendarID, *m.ProviderEventID); err != nil {
				return w.fail(ctx, m, job, err)
			}
		}
		return w.succeed(ctx, m, job, model.MirrorDeleted)
	default:
		return fmt.Errorf("unknown mirror job type %q", job.Type)
	}
}

func (w *Writer) succeed(ctx context.Context, m model.EventMirror, job model.MirrorJob, final model.MirrorState) error {
	now := time.Now().UTC()
	m.State = final
	m.Error = nil
	m.AttemptCount = 0
	m.NextRetryAt = nil
	m.LastWriteTS = &now
	m.LastProjectedHash = &job.ProjectedHash
	m.UpdatedAt = now
	if err := w.store.UpsertEventMirror(ctx, m); err != nil {
		return fmt.Errorf("persist mirror success: %w", err)
	}
	writeAttempts.WithLabelValues(string(job.Type), "success").Inc()
	return nil
}

func (w *Writer) fail(ctx context.Context, m model.EventMirror, job model.MirrorJob, cause error) error {
	classified := w.classifier.Classify(cause)
	now := time.Now().UTC()
	msg := classified.Error()
	m.Error = &msg
	m.AttemptCount++
	m.UpdatedAt = now

	if !model.IsRetryable(classified) || m.AttemptCount >= w.policy.MaxAttempts {
		m.State = model.MirrorFailed
		m.NextRetryAt = nil
		if err := w.store.UpsertEventMirror(ctx, m); err != nil {
			return fmt.Errorf("persist mirror failure: %w", err)
		}
		if err := w.store.InsertMirrorDeadLetter(ctx, idgen.New(idgen.PrefixAlert), m.Key(), msg, m.AttemptCount, now); err != nil {
			return fmt.Errorf("record dead letter: %w", err)
		}
		writeAttempts.WithLabelValues(string(job.Type), "failed").Inc()
		return classified
	}

	m.State = job.EnqueuedState
	next := w.policy.NextRetryAt(now, m.AttemptCount)
	m.NextRetryAt = &next
	if err := w.store.UpsertEventMirror(ctx, m); err != nil {
		return fmt.Errorf("persist mirror retry schedule: %w", err)
	}
	writeAttempts.WithLabelValues(string(job.Type), "retry").Inc()
	return classified
}

// RefreshNonTerminalGauge updates the exported gauge from the store's
// current count; called by the sweeper on each tick.
func RefreshNonTerminalGauge(ctx context.Context, store *db.Store) error {
	n, err := store.CountNonTerminalMirrors(ctx)
	if err != nil {
		return err
	}
	nonTerminalGauge.Set(float64(n))
	return nil
}
