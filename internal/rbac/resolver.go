package rbac

import (
	"context"
	"fmt"
	"time"
)

// Resolver computes effective permission sets. It holds no mutable state and is
// safe for concurrent use.
type Resolver struct {
	assignments AssignmentReader
	roles       RoleReader
	adminBypass bool
	now         func() time.Time
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithClock overrides the clock used for lazy expiry.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithSystemAdminBypass toggles the system administrator override.
func WithSystemAdminBypass(enabled bool) ResolverOption {
	return func(r *Resolver) {
		r.adminBypass = enabled
	}
}

// NewResolver builds a Resolver over the given readers.
func NewResolver(assignments AssignmentReader, roles RoleReader, opts ...ResolverOption) *Resolver {
	r := &Resolver{assignments: assignments, roles: roles, adminBypass: true, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the principal's permissions in c. System administrators get
// the universal set without a store round trip.
func (r *Resolver) Resolve(ctx context.Context, p Principal, c Context) (PermissionSet, error) {
	if r.adminBypass && p.IsSystemAdmin {
		return AllPermissions(), nil
	}
	return r.ResolveUser(ctx, p.UserID, c)
}

// HasPermission is the single-check form of Resolve.
func (r *Resolver) HasPermission(ctx context.Context, p Principal, permission string, c Context) (bool, error) {
	set, err := r.Resolve(ctx, p, c)
	if err != nil {
		return false, err
	}
	return set.Has(permission), nil
}

// ResolveUser unions the active permissions of the user's effective
// assignments in exactly c. Unknown users resolve to the empty set.
func (r *Resolver) ResolveUser(ctx context.Context, userID int64, c Context) (PermissionSet, error) {
	set, _, err := r.ResolveUserUntil(ctx, userID, c)
	return set, err
}

// ResolveUserUntil is ResolveUser plus the instant the result stops being
// valid: the earliest expiry among the contributing assignments. A zero time
// means no contributing assignment expires.
func (r *Resolver) ResolveUserUntil(ctx context.Context, userID int64, c Context) (PermissionSet, time.Time, error) {
	if err := c.Validate(); err != nil {
		return PermissionSet{}, time.Time{}, err
	}
	assignments, err := r.assignments.ListAssignments(ctx, userID, c)
	if err != nil {
		return PermissionSet{}, time.Time{}, fmt.Errorf("rbac: list assignments: %w", err)
	}
	now := r.now()
	effective := make([]Assignment, 0, len(assignments))
	seen := make(map[int64]struct{}, len(assignments))
	roleIDs := make([]int64, 0, len(assignments))
	for _, a := range assignments {
		if a.UserID != userID || a.Context != c || !a.Effective(now) {
			continue
		}
		effective = append(effective, a)
		if _, ok := seen[a.RoleID]; ok {
			continue
		}
		seen[a.RoleID] = struct{}{}
		roleIDs = append(roleIDs, a.RoleID)
	}
	if len(roleIDs) == 0 {
		return NewPermissionSet(), time.Time{}, nil
	}
	roles, err := r.roles.RolesByID(ctx, roleIDs)
	if err != nil {
		return PermissionSet{}, time.Time{}, fmt.Errorf("rbac: load roles: %w", err)
	}
	names := make([]string, 0)
	granting := make(map[int64]struct{}, len(roles))
	for _, role := range roles {
		if _, ok := seen[role.ID]; !ok || !role.IsActive {
			continue
		}
		granting[role.ID] = struct{}{}
		for _, perm := range role.Permissions {
			if perm.IsActive {
				names = append(names, perm.Name)
			}
		}
	}
	var until time.Time
	for _, a := range effective {
		if _, ok := granting[a.RoleID]; !ok || a.ExpiresAt == nil {
			continue
		}
		if until.IsZero() || a.ExpiresAt.Before(until) {
			until = *a.ExpiresAt
		}
	}
	return NewPermissionSet(names...), until, nil
}
