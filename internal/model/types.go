// Package model defines the canonical data shapes shared by every
// subsystem of the calendar federation engine: the per-user store, the
// ingestion coordinator, the projection engine, the mirror writer, and
// the scheduling and analytics facades.
package model

import "time"

// EventStatus is the lifecycle status of a CanonicalEvent.
type EventStatus string

const (
	EventConfirmed EventStatus = "confirmed"
	EventTentative EventStatus = "tentative"
	EventCancelled EventStatus = "cancelled"
)

// Transparency mirrors the calendar notion of busy vs. free time.
type Transparency string

const (
	Opaque      Transparency = "opaque"
	Transparent Transparency = "transparent"
)

// EventSource records how a CanonicalEvent entered the store.
type EventSource string

const (
	SourceProvider EventSource = "provider"
	SourceSystem   EventSource = "system"
	SourceICS      EventSource = "ics"
)

// CanonicalEvent is the system-of-record representation of a user's
// event, independent of any provider.
type CanonicalEvent struct {
	CanonicalEventID string
	OriginAccountID  string
	OriginEventID    string
	Title            string
	Description      string
	Location         string
	StartTS          time.Time
	EndTS            time.Time
	Timezone         string
	AllDay           bool
	Status           EventStatus
	Visibility       string
	Transparency     Transparency
	RecurrenceRule   string
	Source           EventSource
	Version          int64
	ConstraintID     *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MirrorState is a state in the per-mirror write-back state machine.
type MirrorState string

const (
	MirrorPendingCreate MirrorState = "PENDING_CREATE"
	MirrorPendingUpdate MirrorState = "PENDING_UPDATE"
	MirrorWriting       MirrorState = "WRITING"
	MirrorLive          MirrorState = "LIVE"
	MirrorDeleting      MirrorState = "DELETING"
	MirrorDeleted       MirrorState = "DELETED"
	MirrorTombstoned    MirrorState = "TOMBSTONED"
	MirrorFailed        MirrorState = "FAILED"
)

// TerminalMirrorStates are states from which no further writer action
// is taken automatically.
var TerminalMirrorStates = map[MirrorState]bool{
	MirrorDeleted:    true,
	MirrorTombstoned: true,
}

// NonTerminal reports whether the mirror still has work pending or in
// flight.
func (s MirrorState) NonTerminal() bool {
	return !TerminalMirrorStates[s] && s != MirrorFailed
}

// EventMirror is a provider-side projection of a CanonicalEvent into a
// different account/calendar.
type EventMirror struct {
	CanonicalEventID  string
	TargetAccountID   string
	TargetCalendarID  string
	ProviderEventID   *string
	LastProjectedHash *string
	LastWriteTS       *time.Time
	State             MirrorState
	Error             *string
	AttemptCount      int
	NextRetryAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Key returns the unique (canonical_event_id, target_account_id,
// target_calendar_id) identity of this mirror row.
func (m EventMirror) Key() MirrorKey {
	return MirrorKey{
		CanonicalEventID: m.CanonicalEventID,
		TargetAccountID:  m.TargetAccountID,
		TargetCalendarID: m.TargetCalendarID,
	}
}

// MirrorKey is the natural key of an EventMirror row.
type MirrorKey struct {
	CanonicalEventID string
	TargetAccountID  string
	TargetCalendarID string
}

// DetailLevel controls how much of a canonical event a mirror reveals.
type DetailLevel string

const (
	DetailBusy  DetailLevel = "BUSY"
	DetailTitle DetailLevel = "TITLE"
	DetailFull  DetailLevel = "FULL"
)

// PolicyEdge is a directed, user-owned rule projecting events from one
// account into another account's calendar.
type PolicyEdge struct {
	EdgeID           string
	SourceAccountID  string
	TargetAccountID  string
	TargetCalendarID string
	DetailLevel      DetailLevel
	ActiveFrom       *time.Time
	ActiveTo         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Active reports whether the edge's active window covers instant t.
func (e PolicyEdge) Active(t time.Time) bool {
	if e.ActiveFrom != nil && t.Before(*e.ActiveFrom) {
		return false
	}
	if e.ActiveTo != nil && t.After(*e.ActiveTo) {
		return false
	}
	return true
}

// Overlaps reports whether the edge's active window overlaps the
// half-open event interval [start, end).
func (e PolicyEdge) Overlaps(start, end time.Time) bool {
	if e.ActiveTo != nil && !start.Before(*e.ActiveTo) {
		return false
	}
	if e.ActiveFrom != nil && !end.After(*e.ActiveFrom) {
		return false
	}
	return true
}

// ConstraintKind enumerates the supported Constraint kinds.
type ConstraintKind string

const (
	ConstraintTrip            ConstraintKind = "trip"
	ConstraintWorkingHours    ConstraintKind = "working_hours"
	ConstraintBuffer          ConstraintKind = "buffer"
	ConstraintNoMeetingsAfter ConstraintKind = "no_meetings_after"
	ConstraintOverride        ConstraintKind = "override"
)

// Constraint is a kind-specific, JSON-configured rule.
type Constraint struct {
	ConstraintID string
	Kind         ConstraintKind
	ConfigJSON   string
	ActiveFrom   *time.Time
	ActiveTo     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChangeType enumerates Journal entry kinds.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// JournalEntry is one append-only record of a canonical event change.
type JournalEntry struct {
	JournalID        string
	CanonicalEventID string
	ChangeType       ChangeType
	Actor            string
	Patch            string
	TS               time.Time
}

// Relationship tracks interaction recency with a hashed participant.
type Relationship struct {
	RelationshipID    string
	ParticipantHash   string
	DisplayLabel      string
	LastInteractionTS *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LedgerEntry records one outcome/interaction event against a
// Relationship, used by reputation and drift analytics.
type LedgerEntry struct {
	LedgerID        string
	ParticipantHash string
	Outcome         string
	Detail          string
	OccurredAt      time.Time
	CreatedAt       time.Time
}

// ReconnectionSuggestion caches one computed drift-reconnection
// recommendation for a participant so repeated reads don't re-derive
// it from the full ledger every time; it expires and is recomputed.
type ReconnectionSuggestion struct {
	ParticipantHash string
	Reason          string
	ComputedAt      time.Time
	ExpiresAt       time.Time
}

// Milestone is a recurring or one-off all-day reminder used by
// availability and briefing analytics.
type Milestone struct {
	MilestoneID string
	Label       string
	MonthDay    string // "MM-DD"
	Recurring   bool
	Year        *int // set when Recurring is false
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SchedulingSessionStatus is the state of a SchedulingSession.
type SchedulingSessionStatus string

const (
	SessionProposed  SchedulingSessionStatus = "proposed"
	SessionCommitted SchedulingSessionStatus = "committed"
	SessionCancelled SchedulingSessionStatus = "cancelled"
	SessionExpired   SchedulingSessionStatus = "expired"
)

// SchedulingSession proposes candidate times for a future event.
type SchedulingSession struct {
	SessionID           string
	Status              SchedulingSessionStatus
	CreatedAt           time.Time
	ExpiresAt            time.Time
	DurationMinutes      int
	SelectedCandidateID  *string
}

// HoldStatus is the state of a Hold.
type HoldStatus string

const (
	HoldPending   HoldStatus = "pending"
	HoldConfirmed HoldStatus = "confirmed"
	HoldCommitted HoldStatus = "committed"
	HoldReleased  HoldStatus = "released"
	HoldExpired   HoldStatus = "expired"
)

// Hold is a tentative, time-limited reservation used by scheduling.
type Hold struct {
	HoldID           string
	SessionID        string
	CandidateIndex   int
	TargetAccountID  string
	TargetCalendarID string
	Title            string
	Description      string
	StartTS          time.Time
	EndTS            time.Time
	Status           HoldStatus
	ProviderEventID  *string
	ExpiresAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NonTerminal reports whether a hold still requires sweeper attention.
func (h Hold) NonTerminal() bool {
	return h.Status == HoldPending || h.Status == HoldConfirmed
}

// DelegationGrant records an org-wide service-account delegation from
// one account to an operator/org entity.
type DelegationGrant struct {
	GrantID            string
	OrgID              string
	DelegatedAccountID string
	Scopes             []string
	GrantedBy          string
	GrantedAt          time.Time
	RevokedAt          *time.Time
}

// Active reports whether the grant is currently usable.
func (g DelegationGrant) Active() bool {
	return g.RevokedAt == nil
}

// Delta is one inbound change from a provider-sync worker, the input
// to ApplyDelta.
type Delta struct {
	Type          ChangeType
	OriginEventID string
	Event         *ProviderEvent
}

// ProviderEvent is the normalized shape a provider-sync worker hands to
// ingestion: the fields of CanonicalEvent plus the metadata tags the
// classifier inspects. The core never speaks a provider wire protocol;
// this is already normalized by an external collaborator.
type ProviderEvent struct {
	Title          string
	Description    string
	Location       string
	StartTS        time.Time
	EndTS          time.Time
	Timezone       string
	AllDay         bool
	Status         EventStatus
	Visibility     string
	Transparency   Transparency
	RecurrenceRule string
	UpdatedAt      time.Time
	Tags           map[string]string
}

// Classification tag keys written by this system into provider
// extended metadata.
const (
	TagManagedMirror    = "tminus"
	TagManaged          = "managed"
	TagCanonicalEventID = "canonical_event_id"
	TagOriginAccountID  = "origin_account_id"

	// TagExternalSync is a user-configured tag key some other sync tool
	// stamps on the events it manages. It is never written by this
	// system; Classify only reads it to recognize events owned by a
	// different mirroring tool so they aren't mistaken for an origin
	// change.
	TagExternalSync = "external_sync"
)

// Classification is the output of the ingestion classifier.
type Classification string

const (
	ClassOrigin         Classification = "origin"
	ClassManagedMirror  Classification = "managed_mirror"
	ClassExternalMirror Classification = "external_mirror"
)

// IngestSummary is the result of ApplyDelta.
type IngestSummary struct {
	Created         int
	Updated         int
	Deleted         int
	Errors          []string
	MirrorsEnqueued int
}

// MirrorJobType enumerates the abstract write-intent jobs sent to a
// Writer.
type MirrorJobType string

const (
	JobCreateMirror MirrorJobType = "CREATE_MIRROR"
	JobUpdateMirror MirrorJobType = "UPDATE_MIRROR"
	JobDeleteMirror MirrorJobType = "DELETE_MIRROR"
)

// MirrorJob is one abstract write intent enqueued to a Writer.
type MirrorJob struct {
	Type             MirrorJobType
	CanonicalEventID string
	TargetAccountID  string
	TargetCalendarID string
	ProviderEventID  *string
	Payload          *MirrorPayload
	ProjectedHash    string
	EnqueuedState    MirrorState
}

// KeyOf returns the MirrorKey this job's target row lives at.
func (j MirrorJob) KeyOf() MirrorKey {
	return MirrorKey{
		CanonicalEventID: j.CanonicalEventID,
		TargetAccountID:  j.TargetAccountID,
		TargetCalendarID: j.TargetCalendarID,
	}
}

// IdempotencyKey is the message-level dedupe key for a MirrorJob:
// (canonical_event_id, target_account, target_calendar, state_when_enqueued).
func (j MirrorJob) IdempotencyKey() string {
	return j.CanonicalEventID + "|" + j.TargetAccountID + "|" + j.TargetCalendarID + "|" + string(j.EnqueuedState)
}

// MirrorPayload is the provider-facing body of a mirror write,
// produced by the projection engine.
type MirrorPayload struct {
	Title        string
	Description  string
	Location     string
	StartTS      time.Time
	EndTS        time.Time
	Transparency Transparency
	Tags         map[string]string
}
