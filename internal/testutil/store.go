package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/calendarfed/tminus/internal/db"
	"github.com/calendarfed/tminus/internal/idgen"
	"github.com/calendarfed/tminus/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "tminus-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedCanonicalEvent inserts a confirmed, opaque origin event spanning
// [start, start+duration) and returns it.
func SeedCanonicalEvent(t *testing.T, store *db.Store, ctx context.Context, originAccountID, originEventID string, start time.Time, duration time.Duration) model.CanonicalEvent {
	t.Helper()
	now := time.Now().UTC()
	ev := model.CanonicalEvent{
		CanonicalEventID: idgen.New(idgen.PrefixEvent),
		OriginAccountID:  originAccountID,
		OriginEventID:    originEventID,
		Title:            "Test Event",
		StartTS:          start,
		EndTS:            start.Add(duration),
		Timezone:         "UTC",
		Status:           model.EventConfirmed,
		Transparency:     model.Opaque,
		Source:           model.SourceProvider,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.UpsertCanonicalEvent(ctx, ev); err != nil {
		t.Fatalf("seed canonical event: %v", err)
	}
	return ev
}

// SeedPolicyEdge inserts a full-detail mirroring edge from source to target.
func SeedPolicyEdge(t *testing.T, store *db.Store, ctx context.Context, sourceAccountID, targetAccountID, targetCalendarID string) model.PolicyEdge {
	t.Helper()
	now := time.Now().UTC()
	edge := model.PolicyEdge{
		EdgeID:           idgen.New(idgen.PrefixEdge),
		SourceAccountID:  sourceAccountID,
		TargetAccountID:  targetAccountID,
		TargetCalendarID: targetCalendarID,
		DetailLevel:      model.DetailFull,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.UpsertPolicyEdge(ctx, edge); err != nil {
		t.Fatalf("seed policy edge: %v", err)
	}
	return edge
}
