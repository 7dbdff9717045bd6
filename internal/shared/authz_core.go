package shared

// Core platform permissions.
const (
	PermUsersView   = "core.users.view"
	PermUsersEdit   = "core.users.edit"
	PermUsersDelete = "core.users.delete"

	PermGroupsView   = "core.groups.view"
	PermGroupsManage = "core.groups.manage"

	PermGrantsView   = "core.grants.view"
	PermGrantsManage = "core.grants.manage"

	PermPermissionsView = "core.permissions.view"

	PermJobsView = "core.jobs.view"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermUsersView,
		PermUsersEdit,
		PermUsersDelete,
		PermGroupsView,
		PermGroupsManage,
		PermGrantsView,
		PermGrantsManage,
		PermPermissionsView,
		PermJobsView,
	}
}

// SelfServiceScopes lists the permissions held by the reserved "user"
// group: capabilities every signed-in user keeps for their own records.
func SelfServiceScopes() []string {
	return []string{
		PermUsersView,
		PermPermissionsView,
	}
}
