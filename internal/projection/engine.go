// Package projection is the pure function at the center of the mirror
// pipeline: canonical event + policy edges + evaluation instant in, desired
// mirror set out. It touches no store and no provider — everything
// here is computable from values already in memory, which is what
// makes it unit-testable without a database.
package projection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/calendarfed/tminus/internal/model"
)

// Target is one (account, calendar) destination this event should
// mirror into, at the detail level its edge grants.
type Target struct {
	TargetAccountID  string
	TargetCalendarID string
	DetailLevel      model.DetailLevel
}

// Desired computes the set of mirror targets a canonical event should
// have at instant t, given every policy edge owned by its origin
// account. An edge only applies while it is Active at t and its
// window Overlaps the event's interval — a trip or vacation edge with
// a bounded window must not mirror events outside that window.
//
// Deleted or cancelled events have no desired mirrors: every existing
// mirror row becomes a deletion candidate, which is exactly the signal
// Reconcile needs to drive them through DELETING to a terminal state.
func Desired(ev model.CanonicalEvent, edges []model.PolicyEdge, t time.Time) []Target {
	if ev.Status == model.EventCancelled {
		return nil
	}
	out := make([]Target, 0, len(edges))
	for _, e := range edges {
		if e.SourceAccountID != ev.OriginAccountID {
			continue
		}
		if !e.Active(t) {
			continue
		}
		if !e.Overlaps(ev.StartTS, ev.EndTS) {
			continue
		}
		out = append(out, Target{
			TargetAccountID:  e.TargetAccountID,
			TargetCalendarID: e.TargetCalendarID,
			DetailLevel:      e.DetailLevel,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetAccountID != out[j].TargetAccountID {
			return out[i].TargetAccountID < out[j].TargetAccountID
		}
		return out[i].TargetCalendarID < out[j].TargetCalendarID
	})
	return out
}

// Payload renders the provider-facing body of a mirror write at the
// given detail level. BUSY strips everything but the time window;
// TITLE adds the subject; FULL carries description and location too.
// Transparency always propagates so a mirror participates correctly
// in the target account's own availability computation.
func Payload(ev model.CanonicalEvent, detail model.DetailLevel) model.MirrorPayload {
	p := model.MirrorPayload{
		StartTS:      ev.StartTS,
		EndTS:        ev.EndTS,
		Transparency: ev.Transparency,
		Tags: map[string]string{
			model.TagManagedMirror:    "1",
			model.TagManaged:          "1",
			model.TagCanonicalEventID: ev.CanonicalEventID,
			model.TagOriginAccountID:  ev.OriginAccountID,
		},
	}
	switch detail {
	case model.DetailBusy:
		p.Title = "Busy"
	case model.DetailTitle:
		p.Title = ev.Title
	case model.DetailFull:
		p.Title = ev.Title
		p.Description = ev.Description
		p.Location = ev.Location
	default:
		p.Title = "Busy"
	}
	return p
}

// Hash returns a stable fingerprint of a payload's provider-visible
// fields. The mirror writer only re-writes a LIVE mirror when the
// freshly projected hash differs from EventMirror.LastProjectedHash —
// this is what keeps a no-op reconcile pass from generating writer
// traffic on every tick.
func Hash(p model.MirrorPayload) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%d\x00%s",
		p.Title, p.Description, p.Location,
		p.StartTS.UTC().UnixNano(), p.EndTS.UTC().UnixNano(), p.Transparency)
	return hex.EncodeToString(h.Sum(nil))
}
