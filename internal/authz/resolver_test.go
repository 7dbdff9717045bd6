package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-bms/atlas/internal/shared"
)

const codeApprove = "finance.invoices.approve"

func principal(userID int64, tenantID *int64) shared.Principal {
	return shared.Principal{UserID: userID, TenantID: tenantID}
}

func TestResolveSuperAdminBypass(t *testing.T) {
	store := newMockStore()
	r := NewResolver(store)

	d, err := r.Resolve(context.Background(), shared.Principal{UserID: 1, SuperAdmin: true}, codeApprove, nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonSuperAdmin, d.Reason)
	assert.Zero(t, store.listDirectCalls, "super admin must not touch storage")
}

func TestResolveDefaultDeny(t *testing.T) {
	store := newMockStore()
	r := NewResolver(store)

	d, err := r.Resolve(context.Background(), principal(1, nil), codeApprove, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoGrant, d.Reason)
}

func TestResolvePriorityBetweenGroups(t *testing.T) {
	tenant := ptrInt64(1)

	build := func(adminPriority, supportPriority int) *Resolver {
		store := newMockStore()
		admin := store.addGroup(Group{ID: 10, Name: "Admins", Priority: adminPriority, IsActive: true, TenantID: tenant})
		support := store.addGroup(Group{ID: 20, Name: "Support", Priority: supportPriority, IsActive: true, TenantID: tenant})
		store.grant(admin.ID, codeApprove, EffectAllow, nil)
		store.grant(support.ID, codeApprove, EffectDeny, nil)
		store.join(1, admin.ID, nil)
		store.join(1, support.ID, nil)
		return NewResolver(store)
	}

	d, err := build(100, 50).Resolve(context.Background(), principal(1, tenant), codeApprove, nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonGroupAllow, d.Reason)

	d, err = build(50, 100).Resolve(context.Background(), principal(1, tenant), codeApprove, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonGroupDeny, d.Reason)
}

func TestResolveEqualPriorityDenyWins(t *testing.T) {
	store := newMockStore()
	a := store.addGroup(Group{ID: 10, Name: "A", Priority: 50, IsActive: true})
	b := store.addGroup(Group{ID: 20, Name: "B", Priority: 50, IsActive: true})
	store.grant(a.ID, codeApprove, EffectAllow, nil)
	store.grant(b.ID, codeApprove, EffectDeny, nil)
	store.join(1, a.ID, nil)
	store.join(1, b.ID, nil)

	d, err := NewResolver(store).Resolve(context.Background(), principal(1, nil), codeApprove, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonGroupDeny, d.Reason)
}

func TestResolveDirectGrantOverridesGroups(t *testing.T) {
	store := newMockStore()
	g := store.addGroup(Group{ID: 10, Name: "Admins", Priority: 1000, IsActive: true})
	store.grant(g.ID, codeApprove, EffectAllow, nil)
	store.join(1, g.ID, nil)
	store.directs = append(store.directs, DirectPermission{UserID: 1, Code: codeApprove, Effect: EffectDeny})

	d, err := NewResolver(store).Resolve(context.Background(), principal(1, nil), codeApprove, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDirectDeny, d.Reason)

	store.directs[0].Effect = EffectAllow
	store.groupPerms[g.ID][0].Effect = EffectDeny
	d, err = NewResolver(store).Resolve(context.Background(), principal(1, nil), codeApprove, nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonDirectAllow, d.Reason)
}

func TestResolveTenantIsolation(t *testing.T) {
	store := newMockStore()
	other := store.addGroup(Group{ID: 10, Name: "Other Tenant", Priority: 100, IsActive: true, TenantID: ptrInt64(2)})
	global := store.addGroup(Group{ID: 20, Name: "Everyone", Priority: 10, IsActive: true})
	store.grant(other.ID, codeApprove, EffectAllow, nil)
	store.grant(global.ID, "finance.reports.view", EffectAllow, nil)
	store.join(1, other.ID, nil)
	store.join(1, global.ID, nil)

	r := NewResolver(store)
	scope := ptrInt64(1)

	d, err := r.Resolve(context.Background(), principal(1, scope), codeApprove, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "tenant 2 group must be invisible in tenant 1 scope")

	d, err = r.Resolve(context.Background(), principal(1, scope), "finance.reports.view", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "global group applies in every tenant scope")
}

func TestResolveExpiredMembershipIgnored(t *testing.T) {
	store := newMockStore()
	g := store.addGroup(Group{ID: 10, Name: "Admins", Priority: 100, IsActive: true})
	store.grant(g.ID, codeApprove, EffectAllow, nil)
	store.join(1, g.ID, ptrTime(store.now.Add(-time.Hour)))

	d, err := NewResolver(store).Resolve(context.Background(), principal(1, nil), codeApprove, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoGrant, d.Reason)
}

func TestResolveExpiredDirectIgnored(t *testing.T) {
	store := newMockStore()
	store.directs = append(store.directs, DirectPermission{
		UserID: 1, Code: codeApprove, Effect: EffectAllow, ExpiresAt: ptrTime(store.now.Add(-time.Minute)),
	})

	d, err := NewResolver(store).Resolve(context.Background(), principal(1, nil), codeApprove, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestResolveInactiveGroupIgnored(t *testing.T) {
	store := newMockStore()
	g := store.addGroup(Group{ID: 10, Name: "Disabled", Priority: 100, IsActive: false})
	store.grant(g.ID, codeApprove, EffectAllow, nil)
	store.join(1, g.ID, nil)

	d, err := NewResolver(store).Resolve(context.Background(), principal(1, nil), codeApprove, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestResolveConditions(t *testing.T) {
	store := newMockStore()
	g := store.addGroup(Group{ID: 10, Name: "Owners", Priority: 100, IsActive: true})
	store.grant(g.ID, "hr.leave.view", EffectAllow, Conditions{"resourceOwnerId": ConditionSelf})
	store.join(7, g.ID, nil)
	r := NewResolver(store)

	d, err := r.Resolve(context.Background(), principal(7, nil), "hr.leave.view", map[string]string{"resourceOwnerId": "7"})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "self condition matches own user id")

	d, err = r.Resolve(context.Background(), principal(7, nil), "hr.leave.view", map[string]string{"resourceOwnerId": "8"})
	require.NoError(t, err)
	assert.False(t, d.Allowed, "self condition fails for another owner")

	d, err = r.Resolve(context.Background(), principal(7, nil), "hr.leave.view", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "absent context key fails the condition")
}

func TestResolveConditionedEntrySkippedNotDenied(t *testing.T) {
	store := newMockStore()
	high := store.addGroup(Group{ID: 10, Name: "Regional", Priority: 100, IsActive: true})
	low := store.addGroup(Group{ID: 20, Name: "Baseline", Priority: 10, IsActive: true})
	store.grant(high.ID, "stock.items.edit", EffectAllow, Conditions{"region": "emea"})
	store.grant(low.ID, "stock.items.edit", EffectAllow, nil)
	store.join(1, high.ID, nil)
	store.join(1, low.ID, nil)

	d, err := NewResolver(store).Resolve(context.Background(), principal(1, nil), "stock.items.edit", map[string]string{"region": "apac"})
	require.NoError(t, err)
	assert.True(t, d.Allowed, "failed condition skips the entry instead of denying")
}

func TestResolveEqualPriorityUnconditionalBeatsConditioned(t *testing.T) {
	store := newMockStore()
	a := store.addGroup(Group{ID: 10, Name: "A", Priority: 50, IsActive: true})
	b := store.addGroup(Group{ID: 20, Name: "B", Priority: 50, IsActive: true})
	store.grant(a.ID, codeApprove, EffectAllow, Conditions{"region": "emea"})
	store.grant(b.ID, codeApprove, EffectAllow, nil)
	store.join(1, a.ID, nil)
	store.join(1, b.ID, nil)

	set, err := NewResolver(store).ResolveSet(context.Background(), principal(1, nil))
	require.NoError(t, err)
	entry, ok := set[codeApprove]
	require.True(t, ok)
	assert.True(t, entry.Allowed)
	assert.Empty(t, entry.Conditions, "unconditional entry wins the tie")
}

func TestResolveParentInheritance(t *testing.T) {
	store := newMockStore()
	parent := store.addGroup(Group{ID: 10, Name: "Staff", Priority: 10, IsActive: true})
	child := store.addGroup(Group{ID: 20, Name: "Managers", Priority: 100, IsActive: true, ParentID: ptrInt64(parent.ID)})
	store.grant(parent.ID, "sales.orders.view", EffectAllow, nil)
	store.grant(parent.ID, "sales.orders.approve", EffectDeny, nil)
	store.grant(child.ID, "sales.orders.approve", EffectAllow, nil)
	store.join(1, child.ID, nil)
	r := NewResolver(store)

	d, err := r.Resolve(context.Background(), principal(1, nil), "sales.orders.view", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "child inherits parent rows")

	d, err = r.Resolve(context.Background(), principal(1, nil), "sales.orders.approve", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "child's own row overrides the inherited one")
}

func TestResolveInheritedRowUsesChildPriority(t *testing.T) {
	store := newMockStore()
	parent := store.addGroup(Group{ID: 10, Name: "Staff", Priority: 10, IsActive: true})
	child := store.addGroup(Group{ID: 20, Name: "Managers", Priority: 100, IsActive: true, ParentID: ptrInt64(parent.ID)})
	blocker := store.addGroup(Group{ID: 30, Name: "Blocked", Priority: 50, IsActive: true})
	store.grant(parent.ID, "sales.orders.view", EffectAllow, nil)
	store.grant(blocker.ID, "sales.orders.view", EffectDeny, nil)
	store.join(1, child.ID, nil)
	store.join(1, blocker.ID, nil)

	d, err := NewResolver(store).Resolve(context.Background(), principal(1, nil), "sales.orders.view", nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "inherited row competes at the child's priority")
}

func TestResolveParentCycleTerminates(t *testing.T) {
	store := newMockStore()
	a := store.addGroup(Group{ID: 10, Name: "A", Priority: 10, IsActive: true, ParentID: ptrInt64(20)})
	store.addGroup(Group{ID: 20, Name: "B", Priority: 10, IsActive: true, ParentID: ptrInt64(10)})
	store.grant(a.ID, codeApprove, EffectAllow, nil)
	store.join(1, a.ID, nil)

	d, err := NewResolver(store).Resolve(context.Background(), principal(1, nil), codeApprove, nil)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestResolveParentInOtherTenantIgnored(t *testing.T) {
	store := newMockStore()
	parent := store.addGroup(Group{ID: 10, Name: "Tenant One Staff", Priority: 10, IsActive: true, TenantID: ptrInt64(1)})
	child := store.addGroup(Group{ID: 20, Name: "Tenant Two Managers", Priority: 100, IsActive: true, TenantID: ptrInt64(2), ParentID: ptrInt64(parent.ID)})
	store.grant(parent.ID, codeApprove, EffectAllow, nil)
	store.join(1, child.ID, nil)

	d, err := NewResolver(store).Resolve(context.Background(), principal(1, ptrInt64(2)), codeApprove, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "rows of a group scoped to another tenant must not be inherited")
	assert.Equal(t, ReasonNoGrant, d.Reason)
}

func TestResolveInactiveParentIgnored(t *testing.T) {
	store := newMockStore()
	grandparent := store.addGroup(Group{ID: 5, Name: "Staff", Priority: 10, IsActive: true})
	parent := store.addGroup(Group{ID: 10, Name: "Retired", Priority: 10, IsActive: false, ParentID: ptrInt64(grandparent.ID)})
	child := store.addGroup(Group{ID: 20, Name: "Managers", Priority: 100, IsActive: true, ParentID: ptrInt64(parent.ID)})
	store.grant(grandparent.ID, "sales.orders.view", EffectAllow, nil)
	store.grant(parent.ID, codeApprove, EffectAllow, nil)
	store.join(1, child.ID, nil)
	r := NewResolver(store)

	d, err := r.Resolve(context.Background(), principal(1, nil), codeApprove, nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "deactivated parent stops contributing rows")

	d, err = r.Resolve(context.Background(), principal(1, nil), "sales.orders.view", nil)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "the chain stops at the deactivated parent")
}

func TestResolveSetRecordsWinnerConditions(t *testing.T) {
	store := newMockStore()
	g := store.addGroup(Group{ID: 10, Name: "Owners", Priority: 100, IsActive: true})
	store.grant(g.ID, "hr.leave.view", EffectAllow, Conditions{"resourceOwnerId": ConditionSelf})
	store.join(1, g.ID, nil)
	store.directs = append(store.directs, DirectPermission{UserID: 1, Code: codeApprove, Effect: EffectAllow})

	set, err := NewResolver(store).ResolveSet(context.Background(), principal(1, nil))
	require.NoError(t, err)

	leave, ok := set["hr.leave.view"]
	require.True(t, ok)
	assert.True(t, leave.Allowed)
	assert.Equal(t, Conditions{"resourceOwnerId": ConditionSelf}, leave.Conditions)

	direct, ok := set[codeApprove]
	require.True(t, ok)
	assert.True(t, direct.Allowed)
	assert.Equal(t, ReasonDirectAllow, direct.Reason)
	assert.Empty(t, direct.Conditions)
}

func TestResolveSetDirectOverridesGroupEntry(t *testing.T) {
	store := newMockStore()
	g := store.addGroup(Group{ID: 10, Name: "Admins", Priority: 1000, IsActive: true})
	store.grant(g.ID, codeApprove, EffectAllow, nil)
	store.join(1, g.ID, nil)
	store.directs = append(store.directs, DirectPermission{UserID: 1, Code: codeApprove, Effect: EffectDeny})

	set, err := NewResolver(store).ResolveSet(context.Background(), principal(1, nil))
	require.NoError(t, err)
	entry := set[codeApprove]
	assert.False(t, entry.Allowed)
	assert.Equal(t, ReasonDirectDeny, entry.Reason)
}

func TestResolveStoreErrorPropagates(t *testing.T) {
	store := newMockStore()
	store.directErr = assert.AnError

	_, err := NewResolver(store).Resolve(context.Background(), principal(1, nil), codeApprove, nil)
	require.Error(t, err)
}
