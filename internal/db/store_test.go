package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/calendarfed/tminus/internal/model"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func TestCanonicalEventUpsertAndVersionMonotonicity(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()
	ev := model.CanonicalEvent{
		CanonicalEventID: "evt_1",
		OriginAccountID:  "acct-a",
		OriginEventID:    "origin-1",
		Title:            "Standup",
		StartTS:          now,
		EndTS:            now.Add(30 * time.Minute),
		Timezone:         "UTC",
		Status:           model.EventConfirmed,
		Transparency:     model.Opaque,
		Source:           model.SourceProvider,
		Version:          1,
	}
	if err := store.UpsertCanonicalEvent(ctx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ev.Title = "Standup (moved)"
	ev.Version = 2
	if err := store.UpsertCanonicalEvent(ctx, ev); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := store.GetCanonicalEventByOrigin(ctx, "acct-a", "origin-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Standup (moved)" || got.Version != 2 {
		t.Fatalf("unexpected state after update: %+v", got)
	}

	// A stale version must not clobber the newer row, and must be
	// reported to the caller as out-of-order rather than silently
	// accepted.
	ev.Title = "Standup (stale echo)"
	ev.Version = 1
	err = store.UpsertCanonicalEvent(ctx, ev)
	if err != model.ErrOutOfOrder {
		t.Fatalf("expected ErrOutOfOrder for stale version, got %v", err)
	}
	got, err = store.GetCanonicalEventByOrigin(ctx, "acct-a", "origin-1")
	if err != nil {
		t.Fatalf("get after stale write: %v", err)
	}
	if got.Title != "Standup (moved)" || got.Version != 2 {
		t.Fatalf("stale write clobbered newer row: %+v", got)
	}
}

func TestCanonicalEventGetByIDNotFound(t *testing.T) {
	store, ctx := newTestStore(t)
	_, err := store.GetCanonicalEvent(ctx, "evt_missing")
	if err != model.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJournalAppendOnly(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()
	ev := model.CanonicalEvent{
		CanonicalEventID: "evt_1", OriginAccountID: "acct-a", OriginEventID: "origin-1",
		Title: "Standup", StartTS: now, EndTS: now.Add(30 * time.Minute), Timezone: "UTC",
		Status: model.EventConfirmed, Transparency: model.Opaque, Source: model.SourceProvider, Version: 1,
	}
	if err := store.UpsertCanonicalEvent(ctx, ev); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	entries := []model.JournalEntry{
		{JournalID: "jrn_1", CanonicalEventID: "evt_1", ChangeType: model.ChangeCreated, Actor: "origin", Patch: "{}", TS: now},
		{JournalID: "jrn_2", CanonicalEventID: "evt_1", ChangeType: model.ChangeUpdated, Actor: "origin", Patch: `{"title":"moved"}`, TS: now.Add(time.Minute)},
	}
	for _, e := range entries {
		if err := store.AppendJournal(ctx, e); err != nil {
			t.Fatalf("append journal: %v", err)
		}
	}

	got, err := store.ListJournalForEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 journal entries, got %d", len(got))
	}
	if got[0].JournalID != "jrn_1" || got[1].JournalID != "jrn_2" {
		t.Fatalf("journal not in append order: %+v", got)
	}
	if got[0].Patch != "{}" || got[1].Patch != `{"title":"moved"}` {
		t.Fatalf("journal entries mutated: %+v", got)
	}

	// Appending a third entry must never alter the first two; the
	// journal is add-only.
	if err := store.AppendJournal(ctx, model.JournalEntry{
		JournalID: "jrn_3", CanonicalEventID: "evt_1", ChangeType: model.ChangeDeleted, Actor: "origin", Patch: "{}", TS: now.Add(2 * time.Minute),
	}); err != nil {
		t.Fatalf("append third journal entry: %v", err)
	}
	got, err = store.ListJournalForEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("list journal again: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 journal entries, got %d", len(got))
	}
	if got[0].Patch != "{}" || got[1].Patch != `{"title":"moved"}` {
		t.Fatalf("earlier journal entries mutated by later append: %+v", got)
	}
}

func TestEventMirrorUpsertAndDueListing(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()
	seedEvent(t, store, ctx, "evt_1")

	m := model.EventMirror{
		CanonicalEventID: "evt_1", TargetAccountID: "acct-b", TargetCalendarID: "primary",
		State: model.MirrorPendingCreate, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.UpsertEventMirror(ctx, m); err != nil {
		t.Fatalf("insert mirror: %v", err)
	}

	due, err := store.ListDueMirrors(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due mirrors: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 due mirror, got %d", len(due))
	}

	// A mirror whose backoff has not elapsed yet must not be listed as due.
	future := now.Add(time.Hour)
	m.State = model.MirrorPendingUpdate
	m.NextRetryAt = &future
	if err := store.UpsertEventMirror(ctx, m); err != nil {
		t.Fatalf("update mirror: %v", err)
	}
	due, err = store.ListDueMirrors(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due mirrors after backoff set: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected 0 due mirrors while backoff pending, got %d", len(due))
	}

	n, err := store.CountNonTerminalMirrors(ctx)
	if err != nil {
		t.Fatalf("count non-terminal mirrors: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 non-terminal mirror, got %d", n)
	}

	m.State = model.MirrorDeleted
	m.NextRetryAt = nil
	if err := store.UpsertEventMirror(ctx, m); err != nil {
		t.Fatalf("mark mirror deleted: %v", err)
	}
	n, err = store.CountNonTerminalMirrors(ctx)
	if err != nil {
		t.Fatalf("count non-terminal mirrors after delete: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 non-terminal mirrors after delete, got %d", n)
	}
}

func TestCompareAndSwapMirrorState(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()
	seedEvent(t, store, ctx, "evt_1")
	key := model.MirrorKey{CanonicalEventID: "evt_1", TargetAccountID: "acct-b", TargetCalendarID: "primary"}
	if err := store.UpsertEventMirror(ctx, model.EventMirror{
		CanonicalEventID: key.CanonicalEventID, TargetAccountID: key.TargetAccountID, TargetCalendarID: key.TargetCalendarID,
		State: model.MirrorPendingCreate, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}

	if err := store.CompareAndSwapMirrorState(ctx, key, model.MirrorPendingCreate, model.MirrorWriting, now); err != nil {
		t.Fatalf("cas from correct expected state: %v", err)
	}
	got, err := store.GetEventMirror(ctx, key)
	if err != nil {
		t.Fatalf("get mirror: %v", err)
	}
	if got.State != model.MirrorWriting {
		t.Fatalf("expected state WRITING, got %s", got.State)
	}

	// A second CAS against the now-stale expected state (as a
	// redelivered job would attempt) must be rejected, not silently
	// reapplied.
	err = store.CompareAndSwapMirrorState(ctx, key, model.MirrorPendingCreate, model.MirrorWriting, now)
	if err != model.ErrConflict {
		t.Fatalf("expected ErrConflict on stale CAS, got %v", err)
	}
	got, err = store.GetEventMirror(ctx, key)
	if err != nil {
		t.Fatalf("get mirror after stale cas: %v", err)
	}
	if got.State != model.MirrorWriting {
		t.Fatalf("state changed by rejected cas: %s", got.State)
	}
}

func TestPolicyEdgeUpsertAndListByAccount(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()
	edge := model.PolicyEdge{
		EdgeID: "edge_1", SourceAccountID: "acct-a", TargetAccountID: "acct-b", TargetCalendarID: "primary",
		DetailLevel: model.DetailFull, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.UpsertPolicyEdge(ctx, edge); err != nil {
		t.Fatalf("insert edge: %v", err)
	}
	edges, err := store.ListPolicyEdgesFromAccount(ctx, "acct-a")
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	if len(edges) != 1 || edges[0].DetailLevel != model.DetailFull {
		t.Fatalf("unexpected edges: %+v", edges)
	}

	if err := store.DeletePolicyEdge(ctx, "edge_1"); err != nil {
		t.Fatalf("delete edge: %v", err)
	}
	edges, err = store.ListPolicyEdgesFromAccount(ctx, "acct-a")
	if err != nil {
		t.Fatalf("list edges after delete: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("expected no edges after delete, got %d", len(edges))
	}
}

func TestConstraintCRUD(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()
	c := model.Constraint{
		ConstraintID: "con_1", Kind: model.ConstraintNoMeetingsAfter, ConfigJSON: `{"cutoff_minute":1080}`,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.UpsertConstraint(ctx, c); err != nil {
		t.Fatalf("insert constraint: %v", err)
	}
	list, err := store.ListConstraints(ctx)
	if err != nil {
		t.Fatalf("list constraints: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 constraint, got %d", len(list))
	}

	active, err := store.ListActiveConstraints(ctx, now)
	if err != nil {
		t.Fatalf("list active constraints: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active constraint, got %d", len(active))
	}

	if err := store.DeleteConstraint(ctx, "con_1"); err != nil {
		t.Fatalf("delete constraint: %v", err)
	}
	list, err = store.ListConstraints(ctx)
	if err != nil {
		t.Fatalf("list constraints after delete: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected 0 constraints after delete, got %d", len(list))
	}
	// Deleting an already-absent constraint is not an error.
	if err := store.DeleteConstraint(ctx, "con_1"); err != nil {
		t.Fatalf("delete already-absent constraint: %v", err)
	}
}

func TestRelationshipLedgerAndMilestoneRoundTrip(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()

	rel := model.Relationship{RelationshipID: "rel_1", ParticipantHash: "hash-1", DisplayLabel: "Ada", CreatedAt: now, UpdatedAt: now}
	if err := store.UpsertRelationship(ctx, rel); err != nil {
		t.Fatalf("insert relationship: %v", err)
	}
	got, err := store.GetRelationshipByHash(ctx, "hash-1")
	if err != nil {
		t.Fatalf("get relationship: %v", err)
	}
	if got.DisplayLabel != "Ada" {
		t.Fatalf("unexpected relationship: %+v", got)
	}

	if err := store.InsertLedgerEntry(ctx, model.LedgerEntry{LedgerID: "ledger_1", ParticipantHash: "hash-1", Outcome: "attended", Detail: "kickoff", OccurredAt: now, CreatedAt: now}); err != nil {
		t.Fatalf("insert ledger entry: %v", err)
	}
	entries, err := store.ListLedgerForParticipant(ctx, "hash-1")
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(entries) != 1 || entries[0].Outcome != "attended" {
		t.Fatalf("unexpected ledger entries: %+v", entries)
	}

	m := model.Milestone{MilestoneID: "mst_1", Label: "Anniversary", MonthDay: "08-01", Recurring: true, CreatedAt: now, UpdatedAt: now}
	if err := store.UpsertMilestone(ctx, m); err != nil {
		t.Fatalf("insert milestone: %v", err)
	}
	milestones, err := store.ListMilestones(ctx)
	if err != nil {
		t.Fatalf("list milestones: %v", err)
	}
	if len(milestones) != 1 || !milestones[0].Recurring {
		t.Fatalf("unexpected milestones: %+v", milestones)
	}
}

func TestReconnectionSuggestionCacheExpiry(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()
	if err := store.UpsertReconnectionSuggestion(ctx, model.ReconnectionSuggestion{
		ParticipantHash: "hash-1", Reason: "no interaction recorded", ComputedAt: now, ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("upsert suggestion: %v", err)
	}
	live, err := store.ListReconnectionSuggestions(ctx, now)
	if err != nil {
		t.Fatalf("list suggestions: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("expected 1 live suggestion, got %d", len(live))
	}

	expired, err := store.ListReconnectionSuggestions(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("list suggestions past expiry: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected 0 suggestions past expiry, got %d", len(expired))
	}
}

func TestSchedulingSessionAndHoldLifecycle(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()
	sess := model.SchedulingSession{
		SessionID: "ses_1", Status: model.SessionProposed, DurationMinutes: 30,
		CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	}
	if err := store.InsertSchedulingSession(ctx, sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	hold := model.Hold{
		HoldID: "hold_1", SessionID: "ses_1", CandidateIndex: 0, TargetAccountID: "acct-a", TargetCalendarID: "primary",
		Title: "Sync", Description: "weekly sync", StartTS: now, EndTS: now.Add(30 * time.Minute),
		Status: model.HoldPending, ExpiresAt: now.Add(10 * time.Minute), CreatedAt: now, UpdatedAt: now,
	}
	if err := store.InsertHold(ctx, hold); err != nil {
		t.Fatalf("insert hold: %v", err)
	}

	// Duplicate insert of the same hold id must be rejected, not silently accepted twice.
	err := store.InsertHold(ctx, hold)
	if err != model.ErrDuplicate {
		t.Fatalf("expected ErrDuplicate on duplicate hold insert, got %v", err)
	}

	overlapping, err := store.ListOverlappingHolds(ctx, "acct-a", now.Add(10*time.Minute), now.Add(20*time.Minute))
	if err != nil {
		t.Fatalf("list overlapping holds: %v", err)
	}
	if len(overlapping) != 1 {
		t.Fatalf("expected 1 overlapping hold, got %d", len(overlapping))
	}

	providerEventID := "prov-1"
	if err := store.UpdateHoldStatus(ctx, "hold_1", model.HoldConfirmed, &providerEventID); err != nil {
		t.Fatalf("update hold status: %v", err)
	}
	holds, err := store.ListHoldsForSession(ctx, "ses_1")
	if err != nil {
		t.Fatalf("list holds for session: %v", err)
	}
	if len(holds) != 1 || holds[0].Status != model.HoldConfirmed || holds[0].ProviderEventID == nil || *holds[0].ProviderEventID != "prov-1" {
		t.Fatalf("unexpected hold state: %+v", holds)
	}

	if err := store.UpdateSchedulingSessionStatus(ctx, "ses_1", model.SessionCommitted, &hold.HoldID); err != nil {
		t.Fatalf("update session status: %v", err)
	}
	gotSess, err := store.GetSchedulingSession(ctx, "ses_1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if gotSess.Status != model.SessionCommitted || gotSess.SelectedCandidateID == nil || *gotSess.SelectedCandidateID != "hold_1" {
		t.Fatalf("unexpected session state: %+v", gotSess)
	}

	sessions, err := store.ListSchedulingSessions(ctx)
	if err != nil {
		t.Fatalf("list scheduling sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 scheduling session, got %d", len(sessions))
	}
}

func TestListExpiredHoldsAndSessions(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	if err := store.InsertSchedulingSession(ctx, model.SchedulingSession{
		SessionID: "ses_expired", Status: model.SessionProposed, DurationMinutes: 30, CreatedAt: now, ExpiresAt: past,
	}); err != nil {
		t.Fatalf("insert expired session: %v", err)
	}
	if err := store.InsertSchedulingSession(ctx, model.SchedulingSession{
		SessionID: "ses_live", Status: model.SessionProposed, DurationMinutes: 30, CreatedAt: now, ExpiresAt: future,
	}); err != nil {
		t.Fatalf("insert live session: %v", err)
	}
	expiredSessions, err := store.ListExpiredSchedulingSessions(ctx, now)
	if err != nil {
		t.Fatalf("list expired sessions: %v", err)
	}
	if len(expiredSessions) != 1 || expiredSessions[0].SessionID != "ses_expired" {
		t.Fatalf("unexpected expired sessions: %+v", expiredSessions)
	}

	if err := store.InsertHold(ctx, model.Hold{
		HoldID: "hold_expired", SessionID: "ses_expired", TargetAccountID: "acct-a", TargetCalendarID: "primary",
		Title: "x", StartTS: now, EndTS: now.Add(time.Minute), Status: model.HoldPending, ExpiresAt: past, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert expired hold: %v", err)
	}
	if err := store.InsertHold(ctx, model.Hold{
		HoldID: "hold_live", SessionID: "ses_live", TargetAccountID: "acct-a", TargetCalendarID: "primary",
		Title: "y", StartTS: now, EndTS: now.Add(time.Minute), Status: model.HoldPending, ExpiresAt: future, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert live hold: %v", err)
	}
	expiredHolds, err := store.ListExpiredHolds(ctx, now)
	if err != nil {
		t.Fatalf("list expired holds: %v", err)
	}
	if len(expiredHolds) != 1 || expiredHolds[0].HoldID != "hold_expired" {
		t.Fatalf("unexpected expired holds: %+v", expiredHolds)
	}
}

func TestDelegationGrantRoundTripAndRevoke(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()
	g := model.DelegationGrant{
		GrantID: "grant_1", OrgID: "org-1", DelegatedAccountID: "acct-a", Scopes: []string{"read", "write"},
		GrantedBy: "admin@example.com", GrantedAt: now,
	}
	if err := store.UpsertDelegationGrant(ctx, g); err != nil {
		t.Fatalf("insert grant: %v", err)
	}
	grants, err := store.ListDelegationGrants(ctx, "org-1")
	if err != nil {
		t.Fatalf("list grants: %v", err)
	}
	if len(grants) != 1 || !grants[0].Active() || len(grants[0].Scopes) != 2 {
		t.Fatalf("unexpected grants: %+v", grants)
	}

	if err := store.RevokeDelegationGrant(ctx, "grant_1", now.Add(time.Minute)); err != nil {
		t.Fatalf("revoke grant: %v", err)
	}
	grants, err = store.ListDelegationGrants(ctx, "org-1")
	if err != nil {
		t.Fatalf("list grants after revoke: %v", err)
	}
	if len(grants) != 1 || grants[0].Active() {
		t.Fatalf("expected revoked grant, got %+v", grants)
	}
}

func TestMirrorDeadLetterInsertAndList(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()
	seedEvent(t, store, ctx, "evt_1")
	key := model.MirrorKey{CanonicalEventID: "evt_1", TargetAccountID: "acct-b", TargetCalendarID: "primary"}
	if err := store.InsertMirrorDeadLetter(ctx, "dlq_1", key, "permanent provider rejection", 5, now); err != nil {
		t.Fatalf("insert dead letter: %v", err)
	}
	letters, err := store.ListMirrorDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].AttemptCount != 5 {
		t.Fatalf("unexpected dead letters: %+v", letters)
	}
}

func TestParticipantSaltIsMintedOnceAndStable(t *testing.T) {
	store, ctx := newTestStore(t)
	first, err := store.ParticipantSalt(ctx, "user-1")
	if err != nil {
		t.Fatalf("mint salt: %v", err)
	}
	if first == "" {
		t.Fatalf("expected non-empty salt")
	}
	second, err := store.ParticipantSalt(ctx, "user-1")
	if err != nil {
		t.Fatalf("re-read salt: %v", err)
	}
	if second != first {
		t.Fatalf("salt changed across calls: %q vs %q", first, second)
	}
}

func seedEvent(t *testing.T, store *Store, ctx context.Context, canonicalEventID string) {
	t.Helper()
	now := time.Now().UTC()
	ev := model.CanonicalEvent{
		CanonicalEventID: canonicalEventID, OriginAccountID: "acct-a", OriginEventID: canonicalEventID + "-origin",
		Title: "Seed", StartTS: now, EndTS: now.Add(30 * time.Minute), Timezone: "UTC",
		Status: model.EventConfirmed, Transparency: model.Opaque, Source: model.SourceProvider, Version: 1,
	}
	if err := store.UpsertCanonicalEvent(ctx, ev); err != nil {
		t.Fatalf("seed event: %v", err)
	}
}
