package delegation

import (
	"testing"

	"github.com/calendarfed/tminus/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestGrantRevokeHasScope(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	r := New(store)

	_, err := r.Grant(ctx, "org-1", "svc-acct-1", "admin@org", []string{"calendar.write"})
	require.NoError(t, err)

	ok, err := r.HasScope(ctx, "org-1", "svc-acct-1", "calendar.write")
	require.NoError(t, err)
	require.True(t, ok)

	grants, err := r.ListGrants(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	require.NoError(t, r.Revoke(ctx, grants[0].GrantID))

	ok, err = r.HasScope(ctx, "org-1", "svc-acct-1", "calendar.write")
	require.NoError(t, err)
	require.False(t, ok)
}
