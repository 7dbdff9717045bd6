package authz

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-bms/atlas/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the catalog,
// groups, memberships and direct grants.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ AdminStore = (*Repository)(nil)
var _ Catalog = (*Repository)(nil)

const groupColumns = `id, name, slug, description, color, priority, is_system, is_active, parent_id, tenant_id, created_at, updated_at`

// GetByCode fetches a cataloged permission by its code.
func (r *Repository) GetByCode(ctx context.Context, code string) (Permission, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, code, name, description, module, resource, action, is_system, metadata, created_at, updated_at
		 FROM permissions WHERE code = $1`, code)
	return scanPermission(row)
}

// Exists reports whether the code is registered in the catalog.
func (r *Repository) Exists(ctx context.Context, code string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM permissions WHERE code = $1)`, code).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// ListByModule returns cataloged permissions for one module.
func (r *Repository) ListByModule(ctx context.Context, module string) ([]Permission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, code, name, description, module, resource, action, is_system, metadata, created_at, updated_at
		 FROM permissions WHERE module = $1 ORDER BY code`, module)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// List returns the whole catalog ordered by code.
func (r *Repository) List(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, code, name, description, module, resource, action, is_system, metadata, created_at, updated_at
		 FROM permissions ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// ListActiveGroupsForUser returns active groups with a live membership for
// the user, restricted to globally visible groups plus the given tenant.
func (r *Repository) ListActiveGroupsForUser(ctx context.Context, userID int64, tenantID *int64) ([]Group, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT g.id, g.name, g.slug, g.description, g.color, g.priority, g.is_system, g.is_active, g.parent_id, g.tenant_id, g.created_at, g.updated_at
		 FROM permission_groups g
		 JOIN user_group_memberships m ON m.group_id = g.id
		 WHERE m.user_id = $1
		   AND (m.expires_at IS NULL OR m.expires_at > NOW())
		   AND g.is_active
		   AND (g.tenant_id IS NULL OR g.tenant_id = $2)
		 ORDER BY g.priority DESC, g.id`, userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

// ListGroupPermissions returns all permission rows held by a group.
func (r *Repository) ListGroupPermissions(ctx context.Context, groupID int64) ([]GroupPermission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT group_id, permission_code, effect, conditions
		 FROM group_permissions WHERE group_id = $1 ORDER BY permission_code`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []GroupPermission
	for rows.Next() {
		var gp GroupPermission
		var conditions []byte
		if err := rows.Scan(&gp.GroupID, &gp.Code, &gp.Effect, &conditions); err != nil {
			return nil, err
		}
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &gp.Conditions); err != nil {
				return nil, err
			}
		}
		perms = append(perms, gp)
	}
	return perms, rows.Err()
}

// ListDirectPermissions returns non-expired direct grants for the user
// visible in the tenant scope.
func (r *Repository) ListDirectPermissions(ctx context.Context, userID int64, tenantID *int64) ([]DirectPermission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, permission_code, effect, tenant_id, granted_by, granted_at, expires_at
		 FROM user_direct_permissions
		 WHERE user_id = $1
		   AND (expires_at IS NULL OR expires_at > NOW())
		   AND (tenant_id IS NULL OR tenant_id = $2)
		 ORDER BY permission_code`, userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []DirectPermission
	for rows.Next() {
		var dp DirectPermission
		if err := rows.Scan(&dp.UserID, &dp.Code, &dp.Effect, &dp.TenantID, &dp.GrantedBy, &dp.GrantedAt, &dp.ExpiresAt); err != nil {
			return nil, err
		}
		grants = append(grants, dp)
	}
	return grants, rows.Err()
}

// GetGroup fetches a group by ID.
func (r *Repository) GetGroup(ctx context.Context, id int64) (Group, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM permission_groups WHERE id = $1`, id)
	return scanGroup(row)
}

// CreatePermission inserts a catalog entry.
func (r *Repository) CreatePermission(ctx context.Context, p Permission) (Permission, error) {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return Permission{}, err
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO permissions (code, name, description, module, resource, action, is_system, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, updated_at = NOW()
		 RETURNING id, code, name, description, module, resource, action, is_system, metadata, created_at, updated_at`,
		p.Code, p.Name, p.Description, p.Module, p.Resource, p.Action, p.IsSystem, metadata)
	return scanPermission(row)
}

// DeletePermission removes a custom catalog entry. System permissions are
// protected.
func (r *Repository) DeletePermission(ctx context.Context, code string) error {
	perm, err := r.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	if perm.IsSystem {
		return shared.ErrSystemRecord
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM permissions WHERE code = $1 AND NOT is_system`, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// CreateGroup inserts a new permission group.
func (r *Repository) CreateGroup(ctx context.Context, g Group) (Group, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO permission_groups (name, slug, description, color, priority, is_system, is_active, parent_id, tenant_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+groupColumns,
		g.Name, g.Slug, g.Description, g.Color, g.Priority, g.IsSystem, g.IsActive, g.ParentID, g.TenantID)
	created, err := scanGroup(row)
	if err != nil {
		return Group{}, mapConstraint(err)
	}
	return created, nil
}

// UpdateGroup updates group attributes.
func (r *Repository) UpdateGroup(ctx context.Context, g Group) (Group, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE permission_groups
		 SET name = $2, description = $3, color = $4, priority = $5, is_active = $6, parent_id = $7, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+groupColumns,
		g.ID, g.Name, g.Description, g.Color, g.Priority, g.IsActive, g.ParentID)
	updated, err := scanGroup(row)
	if err != nil {
		return Group{}, mapConstraint(err)
	}
	return updated, nil
}

// DeleteGroup removes a non-system group with its permission rows and
// memberships.
func (r *Repository) DeleteGroup(ctx context.Context, id int64) error {
	group, err := r.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	if group.IsSystem {
		return shared.ErrSystemRecord
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM permission_groups WHERE id = $1 AND NOT is_system`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListGroups returns groups visible in the tenant scope.
func (r *Repository) ListGroups(ctx context.Context, tenantID *int64) ([]Group, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+groupColumns+` FROM permission_groups
		 WHERE tenant_id IS NULL OR tenant_id = $1
		 ORDER BY priority DESC, slug`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGroups(rows)
}

// UpsertGroupPermission attaches a permission to a group, replacing effect
// and conditions on duplicates.
func (r *Repository) UpsertGroupPermission(ctx context.Context, gp GroupPermission) error {
	var conditions []byte
	if gp.Conditions != nil {
		data, err := json.Marshal(gp.Conditions)
		if err != nil {
			return err
		}
		conditions = data
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO group_permissions (group_id, permission_code, effect, conditions)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (group_id, permission_code) DO UPDATE SET effect = EXCLUDED.effect, conditions = EXCLUDED.conditions`,
		gp.GroupID, gp.Code, gp.Effect, conditions)
	return err
}

// DeleteGroupPermission detaches a permission from a group.
func (r *Repository) DeleteGroupPermission(ctx context.Context, groupID int64, code string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM group_permissions WHERE group_id = $1 AND permission_code = $2`, groupID, code)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// AddMembership assigns a user to a group, refreshing expiry on duplicates.
func (r *Repository) AddMembership(ctx context.Context, m Membership) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_group_memberships (user_id, group_id, granted_by, granted_at, expires_at)
		 VALUES ($1, $2, $3, NOW(), $4)
		 ON CONFLICT (user_id, group_id) DO UPDATE SET granted_by = EXCLUDED.granted_by, granted_at = NOW(), expires_at = EXCLUDED.expires_at`,
		m.UserID, m.GroupID, m.GrantedBy, m.ExpiresAt)
	return err
}

// RemoveMembership detaches a user from a group.
func (r *Repository) RemoveMembership(ctx context.Context, userID, groupID int64) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM user_group_memberships WHERE user_id = $1 AND group_id = $2`, userID, groupID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ListGroupMemberUserIDs returns every user holding a live membership of
// the group. Used for cache invalidation fanout.
func (r *Repository) ListGroupMemberUserIDs(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM user_group_memberships
		 WHERE group_id = $1 AND (expires_at IS NULL OR expires_at > NOW())`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertDirectPermission writes a per-user override, replacing effect and
// expiry on duplicates.
func (r *Repository) UpsertDirectPermission(ctx context.Context, dp DirectPermission) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_direct_permissions (user_id, permission_code, effect, tenant_id, granted_by, granted_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), $6)
		 ON CONFLICT (user_id, permission_code, COALESCE(tenant_id, 0)) DO UPDATE
		 SET effect = EXCLUDED.effect, granted_by = EXCLUDED.granted_by, granted_at = NOW(), expires_at = EXCLUDED.expires_at`,
		dp.UserID, dp.Code, dp.Effect, dp.TenantID, dp.GrantedBy, dp.ExpiresAt)
	return err
}

// DeleteDirectPermission removes a per-user override.
func (r *Repository) DeleteDirectPermission(ctx context.Context, userID int64, code string, tenantID *int64) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM user_direct_permissions
		 WHERE user_id = $1 AND permission_code = $2 AND tenant_id IS NOT DISTINCT FROM $3`,
		userID, code, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// PurgeExpired hard-deletes memberships and direct grants expired before
// the cutoff.
func (r *Repository) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM user_group_memberships WHERE expires_at IS NOT NULL AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	purged += tag.RowsAffected()
	tag, err = r.pool.Exec(ctx,
		`DELETE FROM user_direct_permissions WHERE expires_at IS NOT NULL AND expires_at < $1`, cutoff)
	if err != nil {
		return purged, err
	}
	purged += tag.RowsAffected()
	return purged, nil
}

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	var metadata []byte
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Description, &p.Module, &p.Resource, &p.Action, &p.IsSystem, &metadata, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, shared.ErrNotFound
		}
		return Permission{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return Permission{}, err
		}
	}
	return p, nil
}

func collectPermissions(rows pgx.Rows) ([]Permission, error) {
	var perms []Permission
	for rows.Next() {
		p, err := scanPermissionRow(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func scanPermissionRow(rows pgx.Rows) (Permission, error) {
	var p Permission
	var metadata []byte
	if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Description, &p.Module, &p.Resource, &p.Action, &p.IsSystem, &metadata, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Permission{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return Permission{}, err
		}
	}
	return p, nil
}

func scanGroup(row pgx.Row) (Group, error) {
	var g Group
	err := row.Scan(&g.ID, &g.Name, &g.Slug, &g.Description, &g.Color, &g.Priority, &g.IsSystem, &g.IsActive, &g.ParentID, &g.TenantID, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Group{}, shared.ErrNotFound
		}
		return Group{}, err
	}
	return g, nil
}

func collectGroups(rows pgx.Rows) ([]Group, error) {
	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Slug, &g.Description, &g.Color, &g.Priority, &g.IsSystem, &g.IsActive, &g.ParentID, &g.TenantID, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func mapConstraint(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return shared.ErrDuplicate
	}
	return err
}
