package analytics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/calendarfed/tminus/internal/idgen"
	"github.com/calendarfed/tminus/internal/model"
	"github.com/calendarfed/tminus/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestComputeAvailabilityAppliesWorkingHours(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	day := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC) // Monday

	cfg := WorkingHoursConfig{IANA: "UTC", Windows: []WorkingHoursWindow{
		{Weekday: 1, StartMinute: 9 * 60, EndMinute: 17 * 60},
	}}
	cfgJSON, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, store.UpsertConstraint(ctx, model.Constraint{
		ConstraintID: idgen.New(idgen.PrefixConstraint), Kind: model.ConstraintWorkingHours, ConfigJSON: string(cfgJSON),
	}))

	f := NewFromSQLX(sqlx.NewDb(store.DB(), "sqlite"))
	busy, free, err := f.ComputeAvailability(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, busy)
	// Only the 09:00-17:00 window should be free; everything else busy.
	require.Len(t, free, 1)
	require.Equal(t, day.Add(9*time.Hour), free[0].StartTS)
	require.Equal(t, day.Add(17*time.Hour), free[0].EndTS)
}

func TestComputeAvailabilityAppliesNoMeetingsAfter(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	day := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)

	cfg := NoMeetingsAfterConfig{IANA: "UTC", CutoffMinute: 18 * 60}
	cfgJSON, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, store.UpsertConstraint(ctx, model.Constraint{
		ConstraintID: idgen.New(idgen.PrefixConstraint), Kind: model.ConstraintNoMeetingsAfter, ConfigJSON: string(cfgJSON),
	}))

	f := NewFromSQLX(sqlx.NewDb(store.DB(), "sqlite"))
	busy, _, err := f.ComputeAvailability(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, busy)
	last := busy[len(busy)-1]
	require.Equal(t, day.Add(18*time.Hour), last.StartTS)
	require.Equal(t, day.Add(24*time.Hour), last.EndTS)
}

func TestComputeAvailabilityAppliesBuffers(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	day := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	testutil.SeedCanonicalEvent(t, store, ctx, "acct-a", "e1", day.Add(10*time.Hour), time.Hour)

	cfg := BufferConfig{BeforeMinutes: 15, AfterMinutes: 15}
	cfgJSON, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, store.UpsertConstraint(ctx, model.Constraint{
		ConstraintID: idgen.New(idgen.PrefixConstraint), Kind: model.ConstraintBuffer, ConfigJSON: string(cfgJSON),
	}))

	f := NewFromSQLX(sqlx.NewDb(store.DB(), "sqlite"))
	busy, _, err := f.ComputeAvailability(ctx, day.Add(9*time.Hour), day.Add(13*time.Hour))
	require.NoError(t, err)
	require.Len(t, busy, 1)
	require.Equal(t, day.Add(10*time.Hour-15*time.Minute), busy[0].StartTS)
	require.Equal(t, day.Add(11*time.Hour+15*time.Minute), busy[0].EndTS)
}

func TestComputeAvailabilityBlocksUpcomingMilestoneDay(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	day := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertMilestone(ctx, model.Milestone{
		MilestoneID: idgen.New(idgen.PrefixMilestone), Label: "Offsite", MonthDay: "08-03", Recurring: true,
	}))

	f := NewFromSQLX(sqlx.NewDb(store.DB(), "sqlite"))
	busy, free, err := f.ComputeAvailability(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, busy, 1)
	require.Equal(t, day, busy[0].StartTS)
	require.Equal(t, day.AddDate(0, 0, 1), busy[0].EndTS)
	require.Empty(t, free)
}
