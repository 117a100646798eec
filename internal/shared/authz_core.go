package shared

// Platform permissions.
const (
	PermSystemAdmin = "system.admin"

	PermCompaniesView = "companies.view"
	PermCompaniesEdit = "companies.edit"

	PermEstablishmentsView = "establishments.view"
	PermEstablishmentsEdit = "establishments.edit"

	PermUsersView = "users.view"
	PermUsersEdit = "users.edit"

	PermRolesView = "roles.view"
	PermRolesEdit = "roles.edit"

	PermPermissionsView = "permissions.view"
	PermPermissionsEdit = "permissions.edit"

	PermAssignmentsView = "assignments.view"
	PermAssignmentsEdit = "assignments.edit"

	PermAuditView = "audit.view"
)

// Care operations permissions.
const (
	PermClientsView = "clients.view"
	PermClientsEdit = "clients.edit"

	PermContractsView = "contracts.view"
	PermContractsEdit = "contracts.edit"

	PermMenusView = "menus.view"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermSystemAdmin,
		PermCompaniesView,
		PermCompaniesEdit,
		PermEstablishmentsView,
		PermEstablishmentsEdit,
		PermUsersView,
		PermUsersEdit,
		PermRolesView,
		PermRolesEdit,
		PermPermissionsView,
		PermPermissionsEdit,
		PermAssignmentsView,
		PermAssignmentsEdit,
		PermAuditView,
	}
}

// CareScopes lists permissions of the care operation modules.
func CareScopes() []string {
	return []string{
		PermClientsView,
		PermClientsEdit,
		PermContractsView,
		PermContractsEdit,
		PermMenusView,
	}
}
