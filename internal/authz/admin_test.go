package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-bms/atlas/internal/shared"
)

type enqueuerSpy struct {
	groupIDs []int64
	err      error
}

func (e *enqueuerSpy) EnqueueGroupInvalidation(ctx context.Context, groupID int64) error {
	if e.err != nil {
		return e.err
	}
	e.groupIDs = append(e.groupIDs, groupID)
	return nil
}

func adminFixture(t *testing.T) (*Admin, *mockStore, *Cache, *enqueuerSpy) {
	t.Helper()
	store := newMockStore()
	cache, _ := newTestCache(t)
	spy := &enqueuerSpy{}
	admin := NewAdmin(store, store, cache, nil, spy, nil)
	return admin, store, cache, spy
}

var actor = shared.Principal{UserID: 99}

func TestCreateGroupSlugifiesName(t *testing.T) {
	admin, _, _, _ := adminFixture(t)

	g, err := admin.CreateGroup(context.Background(), actor, Group{Name: "Finance Approvers"})
	require.NoError(t, err)
	assert.Equal(t, "finance-approvers", g.Slug)
	assert.NotZero(t, g.ID)
}

func TestCreateGroupRequiresName(t *testing.T) {
	admin, _, _, _ := adminFixture(t)

	_, err := admin.CreateGroup(context.Background(), actor, Group{Name: "   "})
	require.Error(t, err)
}

func TestCreateGroupDuplicateSlug(t *testing.T) {
	admin, _, _, _ := adminFixture(t)
	ctx := context.Background()

	_, err := admin.CreateGroup(ctx, actor, Group{Name: "Finance"})
	require.NoError(t, err)
	_, err = admin.CreateGroup(ctx, actor, Group{Name: "finance"})
	assert.ErrorIs(t, err, shared.ErrDuplicate)
}

func TestCreateGroupRejectsCrossTenantParent(t *testing.T) {
	admin, store, _, _ := adminFixture(t)
	parent := store.addGroup(Group{ID: 10, Name: "Tenant One Staff", TenantID: ptrInt64(1), IsActive: true})
	ctx := context.Background()

	_, err := admin.CreateGroup(ctx, actor, Group{Name: "Leads", TenantID: ptrInt64(2), ParentID: ptrInt64(parent.ID)})
	assert.ErrorIs(t, err, ErrInvalidParent)

	_, err = admin.CreateGroup(ctx, actor, Group{Name: "Global Leads", ParentID: ptrInt64(parent.ID)})
	assert.ErrorIs(t, err, ErrInvalidParent, "a global group cannot inherit from a tenant group")

	_, err = admin.CreateGroup(ctx, actor, Group{Name: "Same Tenant Leads", TenantID: ptrInt64(1), ParentID: ptrInt64(parent.ID)})
	assert.NoError(t, err, "same-tenant parent is a valid link")
}

func TestCreateGroupRejectsMissingParent(t *testing.T) {
	admin, _, _, _ := adminFixture(t)

	_, err := admin.CreateGroup(context.Background(), actor, Group{Name: "Leads", ParentID: ptrInt64(404)})
	assert.ErrorIs(t, err, ErrInvalidParent)
}

func TestUpdateGroupRejectsInvalidParent(t *testing.T) {
	admin, store, _, _ := adminFixture(t)
	parent := store.addGroup(Group{ID: 10, Name: "Tenant One Staff", TenantID: ptrInt64(1), IsActive: true})
	global := store.addGroup(Group{ID: 15, Name: "Everyone", IsActive: true})
	child := store.addGroup(Group{ID: 20, Name: "Tenant Two Leads", TenantID: ptrInt64(2), IsActive: true})
	ctx := context.Background()

	_, err := admin.UpdateGroup(ctx, actor, Group{ID: child.ID, Name: child.Name, IsActive: true, ParentID: ptrInt64(parent.ID)})
	assert.ErrorIs(t, err, ErrInvalidParent, "parent in another tenant")

	_, err = admin.UpdateGroup(ctx, actor, Group{ID: child.ID, Name: child.Name, IsActive: true, ParentID: ptrInt64(child.ID)})
	assert.ErrorIs(t, err, ErrInvalidParent, "group cannot parent itself")

	updated, err := admin.UpdateGroup(ctx, actor, Group{ID: child.ID, Name: child.Name, IsActive: true, ParentID: ptrInt64(global.ID)})
	require.NoError(t, err, "global parent is visible in every scope")
	assert.Equal(t, ptrInt64(global.ID), updated.ParentID)
}

func TestDeleteGroupProtectsSystemGroups(t *testing.T) {
	admin, store, _, _ := adminFixture(t)
	g := store.addGroup(Group{ID: 10, Name: "Administrators", Slug: GroupSlugAdmin, IsSystem: true, IsActive: true})

	err := admin.DeleteGroup(context.Background(), actor, g.ID)
	assert.ErrorIs(t, err, shared.ErrSystemRecord)
}

func TestSetGroupPermissionExpandsWildcard(t *testing.T) {
	admin, store, _, spy := adminFixture(t)
	store.addPermission("stock.items.view")
	store.addPermission("stock.movements.view")
	store.addPermission("stock.items.edit")
	g := store.addGroup(Group{ID: 10, Name: "Viewers", IsActive: true})

	codes, err := admin.SetGroupPermission(context.Background(), actor, g.ID, "stock.*.view", EffectAllow, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stock.items.view", "stock.movements.view"}, codes)
	assert.Len(t, store.groupPerms[g.ID], 2)
	assert.Equal(t, []int64{g.ID}, spy.groupIDs, "fanout enqueued once per mutation")
}

func TestSetGroupPermissionUnknownCode(t *testing.T) {
	admin, store, _, _ := adminFixture(t)
	g := store.addGroup(Group{ID: 10, Name: "Viewers", IsActive: true})

	_, err := admin.SetGroupPermission(context.Background(), actor, g.ID, "stock.items.view", EffectAllow, nil)
	assert.ErrorIs(t, err, ErrUnknownPermission)
	assert.Empty(t, store.groupPerms[g.ID])
}

func TestGroupMutationInvalidatesScope(t *testing.T) {
	admin, store, cache, _ := adminFixture(t)
	ctx := context.Background()
	store.addPermission("stock.items.view")
	tenant := ptrInt64(3)
	g := store.addGroup(Group{ID: 10, Name: "Viewers", IsActive: true, TenantID: tenant})

	require.NoError(t, cache.Put(ctx, 1, tenant, sampleSet()))

	_, err := admin.SetGroupPermission(ctx, actor, g.ID, "stock.items.view", EffectAllow, nil)
	require.NoError(t, err)

	got, err := cache.GetResolvedSet(ctx, 1, tenant)
	require.NoError(t, err)
	assert.Nil(t, got, "group mutation drops cached sets in its scope before returning")
}

func TestEnqueueFailureDoesNotFailMutation(t *testing.T) {
	admin, store, _, spy := adminFixture(t)
	store.addPermission("stock.items.view")
	g := store.addGroup(Group{ID: 10, Name: "Viewers", IsActive: true})
	spy.err = assert.AnError

	_, err := admin.SetGroupPermission(context.Background(), actor, g.ID, "stock.items.view", EffectAllow, nil)
	require.NoError(t, err, "the synchronous scope bump already covers correctness")
}

func TestAssignGroupInvalidatesUser(t *testing.T) {
	admin, store, cache, _ := adminFixture(t)
	ctx := context.Background()
	g := store.addGroup(Group{ID: 10, Name: "Viewers", IsActive: true})

	require.NoError(t, cache.Put(ctx, 5, nil, sampleSet()))

	expiry := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, admin.AssignGroup(ctx, actor, 5, g.ID, &expiry))

	got, err := cache.GetResolvedSet(ctx, 5, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.Len(t, store.memberships, 1)
	assert.Equal(t, &expiry, store.memberships[0].ExpiresAt)
	require.NotNil(t, store.memberships[0].GrantedBy)
	assert.Equal(t, actor.UserID, *store.memberships[0].GrantedBy)
}

func TestAssignGroupUnknownGroup(t *testing.T) {
	admin, _, _, _ := adminFixture(t)

	err := admin.AssignGroup(context.Background(), actor, 5, 404, nil)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestGrantDirectExpandsAndInvalidates(t *testing.T) {
	admin, store, cache, _ := adminFixture(t)
	ctx := context.Background()
	store.addPermission("stock.items.view")
	store.addPermission("stock.items.edit")

	require.NoError(t, cache.Put(ctx, 5, nil, sampleSet()))

	codes, err := admin.GrantDirect(ctx, actor, DirectPermission{UserID: 5, Code: "stock.items.*", Effect: EffectDeny})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stock.items.view", "stock.items.edit"}, codes)
	assert.Len(t, store.directs, 2)
	for _, d := range store.directs {
		assert.Equal(t, EffectDeny, d.Effect)
	}

	got, err := cache.GetResolvedSet(ctx, 5, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRevokeDirectInvalidates(t *testing.T) {
	admin, store, cache, _ := adminFixture(t)
	ctx := context.Background()
	store.directs = append(store.directs, DirectPermission{UserID: 5, Code: "stock.items.view", Effect: EffectAllow})

	require.NoError(t, cache.Put(ctx, 5, nil, sampleSet()))
	require.NoError(t, admin.RevokeDirect(ctx, actor, 5, "stock.items.view", nil))

	assert.Empty(t, store.directs)
	got, err := cache.GetResolvedSet(ctx, 5, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInvalidateGroupMembers(t *testing.T) {
	admin, store, cache, _ := adminFixture(t)
	ctx := context.Background()
	g := store.addGroup(Group{ID: 10, Name: "Viewers", IsActive: true})
	store.join(1, g.ID, nil)
	store.join(2, g.ID, nil)

	require.NoError(t, cache.Put(ctx, 1, nil, sampleSet()))
	require.NoError(t, cache.Put(ctx, 2, nil, sampleSet()))

	count, err := admin.InvalidateGroupMembers(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, userID := range []int64{1, 2} {
		got, err := cache.GetResolvedSet(ctx, userID, nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	store := newMockStore()
	ctx := context.Background()

	require.NoError(t, EnsureSeeded(ctx, store))
	groupsAfterFirst := len(store.groups)
	permsAfterFirst := len(store.permissions)

	require.NoError(t, EnsureSeeded(ctx, store))
	assert.Equal(t, groupsAfterFirst, len(store.groups))
	assert.Equal(t, permsAfterFirst, len(store.permissions))

	admins, err := store.ListGroups(ctx, nil)
	require.NoError(t, err)
	var adminGroup, userGroup *Group
	for i := range admins {
		switch admins[i].Slug {
		case GroupSlugAdmin:
			adminGroup = &admins[i]
		case GroupSlugUser:
			userGroup = &admins[i]
		}
	}
	require.NotNil(t, adminGroup)
	require.NotNil(t, userGroup)
	assert.Greater(t, adminGroup.Priority, userGroup.Priority)
	assert.Len(t, store.groupPerms[adminGroup.ID], permsAfterFirst)
}
