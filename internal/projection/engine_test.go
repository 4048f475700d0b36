package projection

import (
	"testing"
	"time"

	"github.com/calendarfed/tminus/internal/model"
	"github.com/stretchr/testify/require"
)

func TestDesiredFiltersBySourceAndWindow(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	ev := model.CanonicalEvent{
		OriginAccountID: "acct-a",
		StartTS:         now,
		EndTS:           now.Add(time.Hour),
		Status:          model.EventConfirmed,
	}
	edges := []model.PolicyEdge{
		{SourceAccountID: "acct-a", TargetAccountID: "acct-b", TargetCalendarID: "primary", DetailLevel: model.DetailBusy},
		{SourceAccountID: "acct-other", TargetAccountID: "acct-c", TargetCalendarID: "primary", DetailLevel: model.DetailFull},
	}
	targets := Desired(ev, edges, now)
	require.Len(t, targets, 1)
	require.Equal(t, "acct-b", targets[0].TargetAccountID)
}

func TestDesiredEmptyForCancelled(t *testing.T) {
	now := time.Now().UTC()
	ev := model.CanonicalEvent{OriginAccountID: "acct-a", Status: model.EventCancelled}
	edges := []model.PolicyEdge{{SourceAccountID: "acct-a", TargetAccountID: "acct-b", TargetCalendarID: "primary"}}
	require.Empty(t, Desired(ev, edges, now))
}

func TestHashStableAndSensitive(t *testing.T) {
	now := time.Now().UTC()
	p1 := model.MirrorPayload{Title: "Standup", StartTS: now, EndTS: now.Add(time.Hour), Transparency: model.Opaque}
	p2 := p1
	p2.Title = "Standup (renamed)"
	require.Equal(t, Hash(p1), Hash(p1))
	require.NotEqual(t, Hash(p1), Hash(p2))
}

func TestPayloadDetailLevels(t *testing.T) {
	ev := model.CanonicalEvent{
		CanonicalEventID: "evt_1",
		Title:            "Planning",
		Description:      "Q3 roadmap",
		Location:         "Room 4",
	}
	busy := Payload(ev, model.DetailBusy)
	require.Equal(t, "Busy", busy.Title)
	require.Empty(t, busy.Description)

	full := Payload(ev, model.DetailFull)
	require.Equal(t, "Planning", full.Title)
	require.Equal(t, "Q3 roadmap", full.Description)
	require.Equal(t, "evt_1", full.Tags[model.TagCanonicalEventID])
	require.NotEmpty(t, full.Tags[model.TagManagedMirror])
	require.NotEmpty(t, full.Tags[model.TagManaged])
}
