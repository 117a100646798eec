package rbac

import "errors"

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrDuplicate indicates a uniqueness conflict.
	ErrDuplicate = errors.New("rbac: duplicate")
	// ErrValidation wraps malformed input.
	ErrValidation = errors.New("rbac: validation failed")
	// ErrInvalidScopeAssignment rejects a permission whose context level is
	// broader than the role it is attached to.
	ErrInvalidScopeAssignment = errors.New("rbac: permission context level incompatible with role context type")
	// ErrContextMismatch rejects an assignment whose context differs from the role's context type.
	ErrContextMismatch = errors.New("rbac: assignment context does not match role context type")
	// ErrProtectedRole rejects edits of system roles by non system administrators.
	ErrProtectedRole = errors.New("rbac: system role is protected")
	// ErrInactive rejects use of a deactivated role or permission.
	ErrInactive = errors.New("rbac: inactive")
	// ErrInvalidationFailed reports a committed write whose cache invalidation failed.
	ErrInvalidationFailed = errors.New("rbac: cache invalidation failed")

	// ErrPermissionDenied is the normal negative decision.
	ErrPermissionDenied = errors.New("rbac: permission denied")
	// ErrResolutionUnavailable means the decision could not be computed in time.
	ErrResolutionUnavailable = errors.New("rbac: resolution unavailable")
	// ErrUnknownPrincipalContext means a non admin without tenant binding targeted a tenant scope.
	ErrUnknownPrincipalContext = errors.New("rbac: principal has no tenant context")
)
