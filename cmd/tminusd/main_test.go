package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/calendarfed/tminus/internal/mirror"
	"github.com/calendarfed/tminus/internal/model"
	"github.com/calendarfed/tminus/internal/providerio"
	"github.com/calendarfed/tminus/internal/queue"
	"github.com/calendarfed/tminus/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestRunWriterLoopAppliesEnqueuedJobAndAcks(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	ev := testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "origin-1", time.Now().UTC(), time.Hour)

	require.NoError(t, store.UpsertEventMirror(ctx, model.EventMirror{
		CanonicalEventID: ev.CanonicalEventID,
		TargetAccountID:  "acct-b",
		TargetCalendarID: "primary",
		State:            model.MirrorPendingCreate,
	}))

	adapter := providerio.NewFakeAdapter()
	writer := mirror.NewWriter(store, adapter, providerio.FakeTokenSource{}, nil,
		mirror.RetryPolicy{BaseDelay: time.Millisecond, Factor: 2, MaxDelay: time.Second, MaxAttempts: 5},
		rate.NewLimiter(rate.Limit(100), 100))

	q := queue.NewMemoryQueue()
	job := model.MirrorJob{
		Type:             model.JobCreateMirror,
		CanonicalEventID: ev.CanonicalEventID,
		TargetAccountID:  "acct-b",
		TargetCalendarID: "primary",
		Payload:          &model.MirrorPayload{Title: "busy", StartTS: ev.StartTS, EndTS: ev.EndTS},
		EnqueuedState:    model.MirrorPendingCreate,
	}
	require.NoError(t, q.Send(ctx, job))

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		runWriterLoop(loopCtx, q, writer, zerolog.Nop())
		close(done)
	}()

	require.Eventually(t, func() bool {
		m, err := store.GetEventMirror(ctx, model.MirrorKey{
			CanonicalEventID: ev.CanonicalEventID, TargetAccountID: "acct-b", TargetCalendarID: "primary",
		})
		return err == nil && m.State == model.MirrorLive
	}, time.Second, time.Millisecond)

	cancel()
	<-done

	require.Equal(t, 1, adapter.Calls())

	// The ack released the job's idempotency key in the MemoryQueue, so
	// the same job is accepted again instead of dropped as a duplicate.
	require.NoError(t, q.Send(ctx, job))
	msgs, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}
