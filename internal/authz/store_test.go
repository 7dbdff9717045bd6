package authz

import (
	"context"
	"sort"
	"time"

	"github.com/atlas-bms/atlas/internal/shared"
)

// mockStore is an in-memory AdminStore plus Catalog used across the
// package tests. Counters track read traffic so cache tests can assert
// whether resolution hit storage.
type mockStore struct {
	permissions map[string]Permission
	groups      map[int64]Group
	groupPerms  map[int64][]GroupPermission
	memberships []Membership
	directs     []DirectPermission

	nextGroupID int64
	now         time.Time

	listGroupCalls  int
	listDirectCalls int

	existsErr     error
	listGroupsErr error
	directErr     error
}

func newMockStore() *mockStore {
	return &mockStore{
		permissions: make(map[string]Permission),
		groups:      make(map[int64]Group),
		groupPerms:  make(map[int64][]GroupPermission),
		nextGroupID: 1,
		now:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *mockStore) addPermission(code string) {
	module, resource, action, _ := ParseCode(code)
	m.permissions[code] = Permission{
		ID:       int64(len(m.permissions) + 1),
		Code:     code,
		Module:   module,
		Resource: resource,
		Action:   action,
	}
}

func (m *mockStore) addGroup(g Group) Group {
	if g.ID == 0 {
		g.ID = m.nextGroupID
	}
	if g.ID >= m.nextGroupID {
		m.nextGroupID = g.ID + 1
	}
	if g.Slug == "" {
		g.Slug = Slugify(g.Name)
	}
	m.groups[g.ID] = g
	return g
}

func (m *mockStore) grant(groupID int64, code string, effect Effect, conditions Conditions) {
	m.groupPerms[groupID] = append(m.groupPerms[groupID], GroupPermission{
		GroupID: groupID, Code: code, Effect: effect, Conditions: conditions,
	})
}

func (m *mockStore) join(userID, groupID int64, expiresAt *time.Time) {
	m.memberships = append(m.memberships, Membership{UserID: userID, GroupID: groupID, ExpiresAt: expiresAt})
}

func tenantVisible(rowTenant, scope *int64) bool {
	if rowTenant == nil {
		return true
	}
	return scope != nil && *rowTenant == *scope
}

// Catalog

func (m *mockStore) GetByCode(ctx context.Context, code string) (Permission, error) {
	p, ok := m.permissions[code]
	if !ok {
		return Permission{}, shared.ErrNotFound
	}
	return p, nil
}

func (m *mockStore) Exists(ctx context.Context, code string) (bool, error) {
	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.permissions[code]
	return ok, nil
}

func (m *mockStore) ListByModule(ctx context.Context, module string) ([]Permission, error) {
	var out []Permission
	for _, p := range m.permissions {
		if p.Module == module {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *mockStore) List(ctx context.Context) ([]Permission, error) {
	var out []Permission
	for _, p := range m.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Store

func (m *mockStore) ListActiveGroupsForUser(ctx context.Context, userID int64, tenantID *int64) ([]Group, error) {
	m.listGroupCalls++
	if m.listGroupsErr != nil {
		return nil, m.listGroupsErr
	}
	var out []Group
	for _, mem := range m.memberships {
		if mem.UserID != userID {
			continue
		}
		if mem.ExpiresAt != nil && !mem.ExpiresAt.After(m.now) {
			continue
		}
		g, ok := m.groups[mem.GroupID]
		if !ok || !g.IsActive {
			continue
		}
		if !tenantVisible(g.TenantID, tenantID) {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) ListGroupPermissions(ctx context.Context, groupID int64) ([]GroupPermission, error) {
	return m.groupPerms[groupID], nil
}

func (m *mockStore) ListDirectPermissions(ctx context.Context, userID int64, tenantID *int64) ([]DirectPermission, error) {
	m.listDirectCalls++
	if m.directErr != nil {
		return nil, m.directErr
	}
	var out []DirectPermission
	for _, d := range m.directs {
		if d.UserID != userID {
			continue
		}
		if d.ExpiresAt != nil && !d.ExpiresAt.After(m.now) {
			continue
		}
		if !tenantVisible(d.TenantID, tenantID) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *mockStore) GetGroup(ctx context.Context, id int64) (Group, error) {
	g, ok := m.groups[id]
	if !ok {
		return Group{}, shared.ErrNotFound
	}
	return g, nil
}

// AdminStore

func (m *mockStore) CreatePermission(ctx context.Context, p Permission) (Permission, error) {
	if existing, ok := m.permissions[p.Code]; ok {
		return existing, nil
	}
	p.ID = int64(len(m.permissions) + 1)
	m.permissions[p.Code] = p
	return p, nil
}

func (m *mockStore) DeletePermission(ctx context.Context, code string) error {
	p, ok := m.permissions[code]
	if !ok {
		return shared.ErrNotFound
	}
	if p.IsSystem {
		return shared.ErrSystemRecord
	}
	delete(m.permissions, code)
	return nil
}

func (m *mockStore) CreateGroup(ctx context.Context, g Group) (Group, error) {
	for _, existing := range m.groups {
		if existing.Slug == g.Slug && equalTenant(existing.TenantID, g.TenantID) {
			return Group{}, shared.ErrDuplicate
		}
	}
	g.ID = m.nextGroupID
	m.nextGroupID++
	g.IsActive = true
	m.groups[g.ID] = g
	return g, nil
}

func (m *mockStore) UpdateGroup(ctx context.Context, g Group) (Group, error) {
	existing, ok := m.groups[g.ID]
	if !ok {
		return Group{}, shared.ErrNotFound
	}
	g.IsSystem = existing.IsSystem
	g.TenantID = existing.TenantID
	m.groups[g.ID] = g
	return g, nil
}

func (m *mockStore) DeleteGroup(ctx context.Context, id int64) error {
	g, ok := m.groups[id]
	if !ok {
		return shared.ErrNotFound
	}
	if g.IsSystem {
		return shared.ErrSystemRecord
	}
	delete(m.groups, id)
	delete(m.groupPerms, id)
	return nil
}

func (m *mockStore) ListGroups(ctx context.Context, tenantID *int64) ([]Group, error) {
	var out []Group
	for _, g := range m.groups {
		if g.TenantID == nil || (tenantID != nil && *g.TenantID == *tenantID) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) UpsertGroupPermission(ctx context.Context, gp GroupPermission) error {
	rows := m.groupPerms[gp.GroupID]
	for i, row := range rows {
		if row.Code == gp.Code {
			rows[i] = gp
			return nil
		}
	}
	m.groupPerms[gp.GroupID] = append(rows, gp)
	return nil
}

func (m *mockStore) DeleteGroupPermission(ctx context.Context, groupID int64, code string) error {
	rows := m.groupPerms[groupID]
	for i, row := range rows {
		if row.Code == code {
			m.groupPerms[groupID] = append(rows[:i], rows[i+1:]...)
			return nil
		}
	}
	return shared.ErrNotFound
}

func (m *mockStore) AddMembership(ctx context.Context, mem Membership) error {
	for i, existing := range m.memberships {
		if existing.UserID == mem.UserID && existing.GroupID == mem.GroupID {
			m.memberships[i] = mem
			return nil
		}
	}
	m.memberships = append(m.memberships, mem)
	return nil
}

func (m *mockStore) RemoveMembership(ctx context.Context, userID, groupID int64) error {
	for i, existing := range m.memberships {
		if existing.UserID == userID && existing.GroupID == groupID {
			m.memberships = append(m.memberships[:i], m.memberships[i+1:]...)
			return nil
		}
	}
	return shared.ErrNotFound
}

func (m *mockStore) ListGroupMemberUserIDs(ctx context.Context, groupID int64) ([]int64, error) {
	var out []int64
	for _, mem := range m.memberships {
		if mem.GroupID == groupID {
			out = append(out, mem.UserID)
		}
	}
	return out, nil
}

func (m *mockStore) UpsertDirectPermission(ctx context.Context, dp DirectPermission) error {
	for i, existing := range m.directs {
		if existing.UserID == dp.UserID && existing.Code == dp.Code && equalTenant(existing.TenantID, dp.TenantID) {
			m.directs[i] = dp
			return nil
		}
	}
	m.directs = append(m.directs, dp)
	return nil
}

func (m *mockStore) DeleteDirectPermission(ctx context.Context, userID int64, code string, tenantID *int64) error {
	for i, existing := range m.directs {
		if existing.UserID == userID && existing.Code == code && equalTenant(existing.TenantID, tenantID) {
			m.directs = append(m.directs[:i], m.directs[i+1:]...)
			return nil
		}
	}
	return shared.ErrNotFound
}

func (m *mockStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	kept := m.memberships[:0]
	for _, mem := range m.memberships {
		if mem.ExpiresAt != nil && mem.ExpiresAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, mem)
	}
	m.memberships = kept
	keptDirects := m.directs[:0]
	for _, d := range m.directs {
		if d.ExpiresAt != nil && d.ExpiresAt.Before(cutoff) {
			purged++
			continue
		}
		keptDirects = append(keptDirects, d)
	}
	m.directs = keptDirects
	return purged, nil
}

func equalTenant(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func ptrInt64(v int64) *int64 { return &v }

func ptrTime(t time.Time) *time.Time { return &t }
