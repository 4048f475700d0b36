// Package delegation manages org-wide service-account delegation
// grants: an org admin authorizes a service account to act on behalf
// of a member account's calendar (e.g. an org-level scheduling bot),
// without that account sharing its own OAuth credentials.
package delegation

import (
	"context"
	"fmt"
	"time"

	"github.com/calendarfed/tminus/internal/db"
	"github.com/calendarfed/tminus/internal/idgen"
	"github.com/calendarfed/tminus/internal/model"
)

type Registry struct {
	store *db.Store
}

func New(store *db.Store) *Registry {
	return &Registry{store: store}
}

// Grant creates or reinstates a delegation from org admin grantedBy,
// authorizing delegatedAccountID to act within org orgID with the
// given scopes (e.g. "calendar.read", "calendar.write").
func (r *Registry) Grant(ctx context.Context, orgID, delegatedAccountID, grantedBy string, scopes []string) (model.DelegationGrant, error) {
	g := model.DelegationGrant{
		GrantID:            idgen.New(idgen.PrefixGrant),
		OrgID:              orgID,
		DelegatedAccountID: delegatedAccountID,
		Scopes:             scopes,
		GrantedBy:          grantedBy,
		GrantedAt:          time.Now().UTC(),
	}
	if err := r.store.UpsertDelegationGrant(ctx, g); err != nil {
		return model.DelegationGrant{}, fmt.Errorf("grant delegation: %w", err)
	}
	return g, nil
}

// Revoke marks a grant revoked. Revoking an already-revoked grant is
// a no-op.
func (r *Registry) Revoke(ctx context.Context, grantID string) error {
	if err := r.store.RevokeDelegationGrant(ctx, grantID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke delegation: %w", err)
	}
	return nil
}

// ListGrants returns every grant issued within an org, active or
// revoked; callers filter on Active() for the usable set.
func (r *Registry) ListGrants(ctx context.Context, orgID string) ([]model.DelegationGrant, error) {
	grants, err := r.store.ListDelegationGrants(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list delegation grants: %w", err)
	}
	return grants, nil
}

// HasScope reports whether an active grant for delegatedAccountID
// within orgID authorizes scope.
func (r *Registry) HasScope(ctx context.Context, orgID, delegatedAccountID, scope string) (bool, error) {
	grants, err := r.ListGrants(ctx, orgID)
	if err != nil {
		return false, err
	}
	for _, g := range grants {
		if g.DelegatedAccountID != delegatedAccountID || !g.Active() {
			continue
		}
		for _, s := range g.Scopes {
			if s == scope {
				return true, nil
			}
		}
	}
	return false, nil
}
