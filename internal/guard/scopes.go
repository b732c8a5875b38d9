package guard

// Core platform permissions guarding the RBAC admin surface itself.
const (
	PermUsersView = "users.view"

	PermRolesView   = "roles.view"
	PermRolesEdit   = "roles.edit"
	PermRolesDelete = "roles.delete"

	PermPermissionsView = "permissions.view"
	PermPermissionsEdit = "permissions.edit"

	PermAssignmentsView = "assignments.view"
	PermAssignmentsEdit = "assignments.edit"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermUsersView,
		PermRolesView,
		PermRolesEdit,
		PermRolesDelete,
		PermPermissionsView,
		PermPermissionsEdit,
		PermAssignmentsView,
		PermAssignmentsEdit,
	}
}
