package rbac

import (
	"context"
	"time"
)

// AssignmentReader lists grants for one user and context.
type AssignmentReader interface {
	ListAssignments(ctx context.Context, userID int64, c Context) ([]Assignment, error)
}

// RoleReader loads roles together with their permissions.
type RoleReader interface {
	RolesByID(ctx context.Context, ids []int64) ([]Role, error)
}

// Store is the persistence port owned by the authorization core. Business
// modules never write these tables directly.
type Store interface {
	AssignmentReader
	RoleReader

	ListPermissions(ctx context.Context) ([]Permission, error)
	CreatePermission(ctx context.Context, p Permission) (Permission, error)
	SetPermissionActive(ctx context.Context, id int64, active bool) error

	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	CreateRole(ctx context.Context, r Role, permissionIDs []int64) (Role, error)
	SetRoleActive(ctx context.Context, id int64, active bool) error
	ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	// RoleHolders returns users holding the role in any status.
	RoleHolders(ctx context.Context, roleIDs []int64) ([]int64, error)
	// RolesWithPermission returns roles currently carrying the permission.
	RolesWithPermission(ctx context.Context, permissionID int64) ([]int64, error)

	GetAssignment(ctx context.Context, id int64) (Assignment, error)
	ListUserAssignments(ctx context.Context, userID int64) ([]Assignment, error)
	CreateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	UpdateAssignmentStatus(ctx context.Context, id int64, status AssignmentStatus) error
	// ExpireAssignments marks active assignments expired at now as inactive and returns them.
	ExpireAssignments(ctx context.Context, now time.Time) ([]Assignment, error)
}
