package analytics

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/calendarfed/tminus/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestGetCognitiveLoadReflectsBusyFraction(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	day := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e1", day.Add(9*time.Hour), 3*time.Hour)

	f := NewFromSQLX(sqlx.NewDb(store.DB(), "sqlite"))
	load, err := f.GetCognitiveLoad(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 180, load.BusyMinutes)
	require.Equal(t, 1440, load.TotalMinutes)
	require.InDelta(t, 180.0/1440.0, load.Score, 0.0001)
	require.Equal(t, 1, load.MeetingCount)
}

func TestGetContextSwitchesFindsTightGaps(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	day := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e1", day.Add(9*time.Hour), time.Hour)
	testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e2", day.Add(10*time.Hour+5*time.Minute), time.Hour)
	testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e3", day.Add(14*time.Hour), time.Hour)

	f := NewFromSQLX(sqlx.NewDb(store.DB(), "sqlite"))
	switches, err := f.GetContextSwitches(ctx, day, day.Add(24*time.Hour), 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, switches, 1)
	require.Equal(t, 5*time.Minute, switches[0].Gap)
}

func TestGetDeepWorkReturnsOnlyLongEnoughGaps(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	day := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e1", day.Add(9*time.Hour), time.Hour)
	testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e2", day.Add(10*time.Hour+10*time.Minute), time.Hour)

	f := NewFromSQLX(sqlx.NewDb(store.DB(), "sqlite"))
	deepWork, err := f.GetDeepWork(ctx, day.Add(9*time.Hour), day.Add(12*time.Hour), 30*time.Minute)
	require.NoError(t, err)
	for _, g := range deepWork {
		require.GreaterOrEqual(t, g.EndTS.Sub(g.StartTS), 30*time.Minute)
	}

	deepWorkNone, err := f.GetDeepWork(ctx, day.Add(9*time.Hour), day.Add(12*time.Hour), 2*time.Hour)
	require.NoError(t, err)
	require.Empty(t, deepWorkNone)
}

func TestGetRiskScoresTightAndSafe(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	day := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e1", day.Add(9*time.Hour), time.Hour)
	testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e2", day.Add(10*time.Hour+2*time.Minute), time.Hour)
	testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e3", day.Add(14*time.Hour), time.Hour)

	f := NewFromSQLX(sqlx.NewDb(store.DB(), "sqlite"))
	scores, err := f.GetRiskScores(ctx, day, day.Add(24*time.Hour), 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, scores, 3)
	require.Greater(t, scores[0].Score, 0.0)
	require.Equal(t, 0.0, scores[2].Score)
}

func TestGetProbabilisticAvailabilityPartialOverlap(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	day := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e1", day.Add(9*time.Hour), time.Hour)

	f := NewFromSQLX(sqlx.NewDb(store.DB(), "sqlite"))
	probs, err := f.GetProbabilisticAvailability(ctx, []Busy{
		{StartTS: day.Add(8 * time.Hour), EndTS: day.Add(9 * time.Hour)},          // fully free
		{StartTS: day.Add(9 * time.Hour), EndTS: day.Add(10 * time.Hour)},         // fully busy
		{StartTS: day.Add(9*time.Hour + 30*time.Minute), EndTS: day.Add(10*time.Hour + 30*time.Minute)}, // half overlap
	})
	require.NoError(t, err)
	require.Len(t, probs, 3)
	require.Equal(t, 1.0, probs[0])
	require.Equal(t, 0.0, probs[1])
	require.InDelta(t, 0.5, probs[2], 0.0001)
}

func TestGetEventBriefingComputesSurroundingGaps(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	day := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e1", day.Add(9*time.Hour), time.Hour)
	ev := testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e2", day.Add(11*time.Hour), time.Hour)
	testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e3", day.Add(13*time.Hour), time.Hour)

	f := NewFromSQLX(sqlx.NewDb(store.DB(), "sqlite"))
	briefing, err := f.GetEventBriefing(ctx, ev.CanonicalEventID)
	require.NoError(t, err)
	require.Equal(t, day.Add(11*time.Hour), briefing.StartTS)
	require.Equal(t, time.Hour, briefing.GapBefore)
	require.Equal(t, time.Hour, briefing.GapAfter)
	require.Equal(t, 3, briefing.DayLoad.MeetingCount)
}
