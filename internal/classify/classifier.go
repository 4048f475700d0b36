// Package classify decides what an inbound provider event IS before
// ingestion touches it, so a mirror this system wrote can never be
// re-ingested as a new origin event — the loop-prevention rule the
// whole ingestion pipeline depends on.
package classify

import "github.com/calendarfed/tminus/internal/model"

// Classify inspects a provider event's extended-property tags and
// returns what kind of event it is from this system's point of view.
//
// managed_mirror requires all three markers this engine stamps on
// every mirror write: model.TagManagedMirror, model.TagManaged, and a
// model.TagCanonicalEventID pointing back at the origin event. Seeing
// all three together is what tells ingestion to ignore the echo rather
// than treat it as a second origin; our own marker always dominates,
// so a transparent event carrying it is still managed_mirror even if
// it also happens to carry an external tool's tag.
//
// external_mirror is anything else carrying model.TagExternalSync, a
// user-configured tag some other sync tool stamps on the events it
// manages — still not an origin event, but not one this engine wrote
// or can trace back to a canonical event.
func Classify(ev model.ProviderEvent) model.Classification {
	if ev.Tags == nil {
		return model.ClassOrigin
	}
	managedMirror := ev.Tags[model.TagManagedMirror] != "" && ev.Tags[model.TagManaged] != ""
	_, hasCanonical := ev.Tags[model.TagCanonicalEventID]
	if managedMirror && hasCanonical {
		return model.ClassManagedMirror
	}
	if v, ok := ev.Tags[model.TagExternalSync]; ok && v != "" {
		return model.ClassExternalMirror
	}
	return model.ClassOrigin
}

// OriginOf extracts the canonical event id a managed mirror traces
// back to. Only meaningful when Classify returned ClassManagedMirror.
func OriginOf(ev model.ProviderEvent) (string, bool) {
	if ev.Tags == nil {
		return "", false
	}
	id, ok := ev.Tags[model.TagCanonicalEventID]
	return id, ok && id != ""
}
