// Package idgen mints the opaque prefixed identifiers used throughout
// the store (evt_, mir_, ses_, hold_, con_, rel_, ledger_, mst_,
// alert_). IDs only need to be globally unique and lexically opaque to
// callers, not lexically sortable by creation time, so a UUIDv4 body
// is sufficient here.
package idgen

import "github.com/google/uuid"

const (
	PrefixEvent        = "evt_"
	PrefixMirror       = "mir_"
	PrefixSession      = "ses_"
	PrefixHold         = "hold_"
	PrefixConstraint   = "con_"
	PrefixEdge         = "edge_"
	PrefixRelationship = "rel_"
	PrefixLedger       = "ledger_"
	PrefixMilestone    = "mst_"
	PrefixAlert        = "alert_"
	PrefixJournal      = "jrn_"
	PrefixGrant        = "grant_"
)

// New mints a new opaque id with the given prefix.
func New(prefix string) string {
	return prefix + uuid.NewString()
}
