package authz

import (
	"context"
	"time"
)

// Catalog provides read access to the permission catalog. Resolution only
// needs Exists; the remaining reads serve administrative listings and
// wildcard expansion.
type Catalog interface {
	GetByCode(ctx context.Context, code string) (Permission, error)
	Exists(ctx context.Context, code string) (bool, error)
	ListByModule(ctx context.Context, module string) ([]Permission, error)
	List(ctx context.Context) ([]Permission, error)
}

// Store provides the reads consumed by the resolver. A missing user or
// tenant yields empty slices, never an error; absence of data is the
// normal deny path.
type Store interface {
	// ListActiveGroupsForUser returns groups with a non-expired membership
	// for the user, visible in the tenant scope, and active.
	ListActiveGroupsForUser(ctx context.Context, userID int64, tenantID *int64) ([]Group, error)
	ListGroupPermissions(ctx context.Context, groupID int64) ([]GroupPermission, error)
	// ListDirectPermissions returns non-expired direct grants visible in
	// the tenant scope.
	ListDirectPermissions(ctx context.Context, userID int64, tenantID *int64) ([]DirectPermission, error)
	// GetGroup fetches a single group, used to walk parent links.
	GetGroup(ctx context.Context, id int64) (Group, error)
}

// AdminStore extends Store with the administrative mutations. Every
// mutation caller is responsible for invalidating affected cache entries
// before reporting success.
type AdminStore interface {
	Store

	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	DeletePermission(ctx context.Context, code string) error

	CreateGroup(ctx context.Context, g Group) (Group, error)
	UpdateGroup(ctx context.Context, g Group) (Group, error)
	DeleteGroup(ctx context.Context, id int64) error
	ListGroups(ctx context.Context, tenantID *int64) ([]Group, error)

	UpsertGroupPermission(ctx context.Context, gp GroupPermission) error
	DeleteGroupPermission(ctx context.Context, groupID int64, code string) error

	AddMembership(ctx context.Context, m Membership) error
	RemoveMembership(ctx context.Context, userID, groupID int64) error
	ListGroupMemberUserIDs(ctx context.Context, groupID int64) ([]int64, error)

	UpsertDirectPermission(ctx context.Context, dp DirectPermission) error
	DeleteDirectPermission(ctx context.Context, userID int64, code string, tenantID *int64) error

	// PurgeExpired hard-deletes memberships and direct grants that expired
	// before the cutoff. Lazy expiry keeps resolution correct either way;
	// this is storage hygiene run from the background worker.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
