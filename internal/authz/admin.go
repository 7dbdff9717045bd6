package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-bms/atlas/internal/shared"
)

// GroupInvalidationEnqueuer schedules background re-invalidation of every
// member of a group. The synchronous scope bump in Admin is the ordering
// barrier; the fanout covers members individually in case that bump was
// lost, bounded by the cache TTL either way.
type GroupInvalidationEnqueuer interface {
	EnqueueGroupInvalidation(ctx context.Context, groupID int64) error
}

// ErrInvalidParent flags a parent link that would leak grants across
// tenant scopes or point a group at itself.
var ErrInvalidParent = errors.New("authz: invalid parent group")

// Admin performs the administrative mutations on groups, memberships and
// direct grants. Every mutation invalidates the affected cache entries and
// writes an audit record before returning success.
type Admin struct {
	store    AdminStore
	catalog  Catalog
	cache    *Cache
	audit    *shared.AuditLogger
	enqueuer GroupInvalidationEnqueuer
	logger   *slog.Logger
}

// NewAdmin constructs the administrative service. Audit logger and
// enqueuer may be nil in tests.
func NewAdmin(store AdminStore, catalog Catalog, cache *Cache, audit *shared.AuditLogger, enqueuer GroupInvalidationEnqueuer, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		store:    store,
		catalog:  catalog,
		cache:    cache,
		audit:    audit,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// CreateGroup inserts a new permission group. The slug is derived from the
// name when absent.
func (a *Admin) CreateGroup(ctx context.Context, actor shared.Principal, g Group) (Group, error) {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return Group{}, errors.New("authz: group name required")
	}
	if g.Slug == "" {
		g.Slug = Slugify(g.Name)
	} else {
		g.Slug = Slugify(g.Slug)
	}
	if err := a.validateParentLink(ctx, g); err != nil {
		return Group{}, err
	}
	created, err := a.store.CreateGroup(ctx, g)
	if err != nil {
		return Group{}, err
	}
	a.recordAudit(ctx, actor, "authz.group.create", "permission_group", strconv.FormatInt(created.ID, 10), map[string]any{"slug": created.Slug})
	return created, nil
}

// UpdateGroup updates group attributes and invalidates the group's scope;
// priority and active-flag changes alter every member's resolution.
func (a *Admin) UpdateGroup(ctx context.Context, actor shared.Principal, g Group) (Group, error) {
	current, err := a.store.GetGroup(ctx, g.ID)
	if err != nil {
		return Group{}, err
	}
	g.TenantID = current.TenantID
	if err := a.validateParentLink(ctx, g); err != nil {
		return Group{}, err
	}
	updated, err := a.store.UpdateGroup(ctx, g)
	if err != nil {
		return Group{}, err
	}
	if err := a.invalidateGroupScope(ctx, updated); err != nil {
		return Group{}, err
	}
	a.recordAudit(ctx, actor, "authz.group.update", "permission_group", strconv.FormatInt(updated.ID, 10), map[string]any{"slug": updated.Slug})
	return updated, nil
}

// DeleteGroup removes a non-system group and invalidates its scope.
func (a *Admin) DeleteGroup(ctx context.Context, actor shared.Principal, id int64) error {
	group, err := a.store.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	if err := a.store.DeleteGroup(ctx, id); err != nil {
		return err
	}
	if err := a.cache.InvalidateAll(ctx, group.TenantID); err != nil {
		a.logger.Warn("authz invalidate on group delete", slog.Int64("group_id", id), slog.Any("error", err))
	}
	a.recordAudit(ctx, actor, "authz.group.delete", "permission_group", strconv.FormatInt(id, 10), map[string]any{"slug": group.Slug})
	return nil
}

// GetGroup fetches one group with its permission rows.
func (a *Admin) GetGroup(ctx context.Context, id int64) (Group, []GroupPermission, error) {
	group, err := a.store.GetGroup(ctx, id)
	if err != nil {
		return Group{}, nil, err
	}
	perms, err := a.store.ListGroupPermissions(ctx, id)
	if err != nil {
		return Group{}, nil, err
	}
	return group, perms, nil
}

// ListGroups returns groups visible in the tenant scope.
func (a *Admin) ListGroups(ctx context.Context, tenantID *int64) ([]Group, error) {
	return a.store.ListGroups(ctx, tenantID)
}

// SetGroupPermission attaches permission codes to a group. The code input
// may be a wildcard ("stock.*.read"); it is expanded against the catalog
// here so resolution stays an equality check. Returns the concrete codes
// written.
func (a *Admin) SetGroupPermission(ctx context.Context, actor shared.Principal, groupID int64, code string, effect Effect, conditions Conditions) ([]string, error) {
	group, err := a.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	codes, err := ExpandCode(ctx, a.catalog, code)
	if err != nil {
		return nil, err
	}
	for _, concrete := range codes {
		gp := GroupPermission{GroupID: groupID, Code: concrete, Effect: effect, Conditions: conditions}
		if err := a.store.UpsertGroupPermission(ctx, gp); err != nil {
			return nil, err
		}
	}
	if err := a.invalidateGroupScope(ctx, group); err != nil {
		return nil, err
	}
	a.recordAudit(ctx, actor, "authz.group.permission.set", "permission_group", strconv.FormatInt(groupID, 10), map[string]any{
		"input": code, "codes": codes, "effect": string(effect),
	})
	return codes, nil
}

// RemoveGroupPermission detaches one concrete code from a group.
func (a *Admin) RemoveGroupPermission(ctx context.Context, actor shared.Principal, groupID int64, code string) error {
	group, err := a.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteGroupPermission(ctx, groupID, code); err != nil {
		return err
	}
	if err := a.invalidateGroupScope(ctx, group); err != nil {
		return err
	}
	a.recordAudit(ctx, actor, "authz.group.permission.remove", "permission_group", strconv.FormatInt(groupID, 10), map[string]any{"code": code})
	return nil
}

// AssignGroup adds a user to a group with an optional expiry.
func (a *Admin) AssignGroup(ctx context.Context, actor shared.Principal, userID, groupID int64, expiresAt *time.Time) error {
	if _, err := a.store.GetGroup(ctx, groupID); err != nil {
		return err
	}
	m := Membership{UserID: userID, GroupID: groupID, ExpiresAt: expiresAt}
	if actor.UserID != 0 {
		m.GrantedBy = &actor.UserID
	}
	if err := a.store.AddMembership(ctx, m); err != nil {
		return err
	}
	if err := a.cache.Invalidate(ctx, userID); err != nil {
		return fmt.Errorf("authz: invalidate user %d: %w", userID, err)
	}
	a.recordAudit(ctx, actor, "authz.membership.assign", "user", strconv.FormatInt(userID, 10), map[string]any{"group_id": groupID})
	return nil
}

// RemoveGroupMember detaches a user from a group.
func (a *Admin) RemoveGroupMember(ctx context.Context, actor shared.Principal, userID, groupID int64) error {
	if err := a.store.RemoveMembership(ctx, userID, groupID); err != nil {
		return err
	}
	if err := a.cache.Invalidate(ctx, userID); err != nil {
		return fmt.Errorf("authz: invalidate user %d: %w", userID, err)
	}
	a.recordAudit(ctx, actor, "authz.membership.remove", "user", strconv.FormatInt(userID, 10), map[string]any{"group_id": groupID})
	return nil
}

// GrantDirect writes a per-user override. Wildcard inputs expand like
// group permissions do.
func (a *Admin) GrantDirect(ctx context.Context, actor shared.Principal, dp DirectPermission) ([]string, error) {
	codes, err := ExpandCode(ctx, a.catalog, dp.Code)
	if err != nil {
		return nil, err
	}
	if actor.UserID != 0 {
		dp.GrantedBy = &actor.UserID
	}
	for _, concrete := range codes {
		row := dp
		row.Code = concrete
		if err := a.store.UpsertDirectPermission(ctx, row); err != nil {
			return nil, err
		}
	}
	if err := a.cache.Invalidate(ctx, dp.UserID); err != nil {
		return nil, fmt.Errorf("authz: invalidate user %d: %w", dp.UserID, err)
	}
	a.recordAudit(ctx, actor, "authz.direct.grant", "user", strconv.FormatInt(dp.UserID, 10), map[string]any{
		"input": dp.Code, "codes": codes, "effect": string(dp.Effect),
	})
	return codes, nil
}

// RevokeDirect removes a per-user override.
func (a *Admin) RevokeDirect(ctx context.Context, actor shared.Principal, userID int64, code string, tenantID *int64) error {
	if err := a.store.DeleteDirectPermission(ctx, userID, code, tenantID); err != nil {
		return err
	}
	if err := a.cache.Invalidate(ctx, userID); err != nil {
		return fmt.Errorf("authz: invalidate user %d: %w", userID, err)
	}
	a.recordAudit(ctx, actor, "authz.direct.revoke", "user", strconv.FormatInt(userID, 10), map[string]any{"code": code})
	return nil
}

// InvalidateGroupMembers drops cached sets for every live member of the
// group. Called from the background worker during fanout.
func (a *Admin) InvalidateGroupMembers(ctx context.Context, groupID int64) (int, error) {
	userIDs, err := a.store.ListGroupMemberUserIDs(ctx, groupID)
	if err != nil {
		return 0, err
	}
	for _, id := range userIDs {
		if err := a.cache.Invalidate(ctx, id); err != nil {
			return 0, fmt.Errorf("authz: invalidate user %d: %w", id, err)
		}
	}
	return len(userIDs), nil
}

// invalidateGroupScope is the synchronous barrier after a group-level
// change: the scope version bump makes the change visible to the next
// request of every member before the mutation returns.
// validateParentLink rejects parent references that the resolver would
// refuse to follow anyway: a group pointing at itself, a missing parent,
// or a parent scoped to a different tenant. Parents must be global or
// share the child's tenant.
func (a *Admin) validateParentLink(ctx context.Context, g Group) error {
	if g.ParentID == nil {
		return nil
	}
	if *g.ParentID == g.ID {
		return fmt.Errorf("%w: group cannot be its own parent", ErrInvalidParent)
	}
	parent, err := a.store.GetGroup(ctx, *g.ParentID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return fmt.Errorf("%w: parent %d not found", ErrInvalidParent, *g.ParentID)
		}
		return err
	}
	if parent.TenantID != nil {
		if g.TenantID == nil || *g.TenantID != *parent.TenantID {
			return fmt.Errorf("%w: parent %d belongs to another tenant", ErrInvalidParent, parent.ID)
		}
	}
	return nil
}

func (a *Admin) invalidateGroupScope(ctx context.Context, group Group) error {
	if err := a.cache.InvalidateAll(ctx, group.TenantID); err != nil {
		return fmt.Errorf("authz: invalidate scope: %w", err)
	}
	if a.enqueuer != nil {
		if err := a.enqueuer.EnqueueGroupInvalidation(ctx, group.ID); err != nil {
			a.logger.Warn("authz enqueue group invalidation", slog.Int64("group_id", group.ID), slog.Any("error", err))
		}
	}
	return nil
}

func (a *Admin) recordAudit(ctx context.Context, actor shared.Principal, action, entity, entityID string, meta map[string]any) {
	if a.audit == nil {
		return
	}
	log := shared.AuditLog{ActorID: actor.UserID, TenantID: actor.TenantID, Action: action, Entity: entity, EntityID: entityID, Meta: meta}
	if err := a.audit.Record(ctx, log); err != nil {
		a.logger.Warn("authz audit record", slog.String("action", action), slog.Any("error", err))
	}
}

// Slugify normalizes a group slug: lowercase, spaces to dashes.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "-")
	return s
}
