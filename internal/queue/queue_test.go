package queue

import (
	"context"
	"testing"

	"github.com/calendarfed/tminus/internal/model"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueDedupesByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	job := model.MirrorJob{CanonicalEventID: "evt_1", TargetAccountID: "acct-b", TargetCalendarID: "primary", EnqueuedState: model.MirrorPendingCreate}

	require.NoError(t, q.Send(ctx, job))
	require.NoError(t, q.Send(ctx, job))

	msgs, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestMemoryQueueAckAllowsRedelivery(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	job := model.MirrorJob{CanonicalEventID: "evt_1", TargetAccountID: "acct-b", TargetCalendarID: "primary", EnqueuedState: model.MirrorPendingCreate}
	require.NoError(t, q.Send(ctx, job))

	msgs, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, q.Ack(ctx, msgs[0].AckID))

	require.NoError(t, q.Send(ctx, job))
	msgs2, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs2, 1)
}
