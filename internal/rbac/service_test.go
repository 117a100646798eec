package rbac_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecare/homecare/internal/audit"
	"github.com/homecare/homecare/internal/rbac"
	"github.com/homecare/homecare/internal/rbac/permcache"
	"github.com/homecare/homecare/internal/rbac/rbactest"
)

var (
	admin    = rbac.Principal{UserID: 1, IsSystemAdmin: true}
	operator = rbac.Principal{UserID: 2, CompanyID: 1, EstablishmentID: 10}
)

// journal records invalidations and audit events in the order they happen.
type journal struct {
	mu      sync.Mutex
	entries []string
	store   *rbactest.Store
	fail    error
	users   []int64
	events  []audit.Event
}

func (j *journal) InvalidateUser(ctx context.Context, userID int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.users = append(j.users, userID)
	entry := fmt.Sprintf("invalidate:%d", userID)
	if j.store != nil {
		if as, _ := j.store.ListUserAssignments(ctx, userID); len(as) > 0 {
			entry += ":" + string(as[len(as)-1].Status)
		}
	}
	j.entries = append(j.entries, entry)
	return j.fail
}

func (j *journal) Record(_ context.Context, event audit.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
	j.entries = append(j.entries, "audit:"+string(event.Type))
	return nil
}

func newService(t *testing.T) (*rbac.Service, *rbactest.Store, *journal) {
	t.Helper()
	store := rbactest.New()
	j := &journal{store: store}
	svc := rbac.NewService(rbac.ServiceConfig{Store: store, Cache: j, Audit: j, Now: clock})
	return svc, store, j
}

func TestAssignRoleIsVisibleBeforeItReturns(t *testing.T) {
	store := rbactest.New()
	resolver := rbac.NewResolver(store, store, rbac.WithClock(clock))
	cache := permcache.New(resolver, permcache.NewMemoryBackend(64, time.Minute), permcache.WithClock(clock))
	svc := rbac.NewService(rbac.ServiceConfig{Store: store, Cache: cache, Now: clock})
	role := store.MustRole("cuidador", rbac.ContextEstablishment, "clients.view")
	ctx := context.Background()
	c := rbac.EstablishmentContext(10)

	set, err := cache.Get(ctx, 7, c)
	require.NoError(t, err)
	require.False(t, set.Has("clients.view"))

	a, err := svc.AssignRole(ctx, admin, rbac.AssignRoleInput{UserID: 7, RoleID: role.ID, ContextType: "establishment", ContextID: 10})
	require.NoError(t, err)
	set, err = cache.Get(ctx, 7, c)
	require.NoError(t, err)
	assert.True(t, set.Has("clients.view"))

	require.NoError(t, svc.RevokeAssignment(ctx, admin, a.ID))
	set, err = cache.Get(ctx, 7, c)
	require.NoError(t, err)
	assert.False(t, set.Has("clients.view"))
}

func TestRevokeCommitsThenInvalidatesThenAudits(t *testing.T) {
	svc, store, j := newService(t)
	role := store.MustRole("cuidador", rbac.ContextEstablishment, "clients.view")
	a := store.MustAssign(7, role, rbac.EstablishmentContext(10), nil)

	require.NoError(t, svc.RevokeAssignment(context.Background(), admin, a.ID))
	assert.Equal(t, []string{"invalidate:7:inactive", "audit:revoke"}, j.entries)
	assert.Equal(t, "revoked", j.events[0].Reason)
	assert.Equal(t, admin.UserID, j.events[0].ActorID)
	assert.EqualValues(t, 10, j.events[0].ContextID)
}

func TestCreateRoleEnforcesScopeCompatibility(t *testing.T) {
	svc, store, j := newService(t)
	store.MustPermission("system.admin", rbac.ContextSystem)
	store.MustPermission("clients.view", rbac.ContextEstablishment)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, admin, rbac.CreateRoleInput{Name: "operador", ContextType: "establishment", Permissions: []string{"system.admin"}})
	assert.ErrorIs(t, err, rbac.ErrInvalidScopeAssignment)
	roles, err := store.ListRoles(ctx)
	require.NoError(t, err)
	assert.Empty(t, roles, "rejected before persistence")
	assert.Empty(t, j.events)

	// Broader roles may carry narrower permissions.
	role, err := svc.CreateRole(ctx, admin, rbac.CreateRoleInput{Name: "admin_empresa", ContextType: "company", Permissions: []string{"Clients.View", "clients.view"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"clients.view"}, role.PermissionNames())
	assert.Equal(t, "Admin Empresa", role.Label)
	require.Len(t, j.events, 1)
	assert.Equal(t, audit.EventGrant, j.events[0].Type)
	assert.Equal(t, role.ID, j.events[0].RoleID)

	_, err = svc.CreateRole(ctx, admin, rbac.CreateRoleInput{Name: "x", ContextType: "company", Permissions: []string{"nope.view"}})
	assert.ErrorIs(t, err, rbac.ErrNotFound)
	_, err = svc.CreateRole(ctx, admin, rbac.CreateRoleInput{Name: "admin_empresa", ContextType: "company"})
	assert.ErrorIs(t, err, rbac.ErrDuplicate)
	_, err = svc.CreateRole(ctx, admin, rbac.CreateRoleInput{ContextType: "company"})
	assert.ErrorIs(t, err, rbac.ErrValidation)
}

func TestSetRolePermissionsRejectsIncompatibleAddition(t *testing.T) {
	svc, store, _ := newService(t)
	store.MustPermission("companies.edit", rbac.ContextCompany)
	role := store.MustRole("operador", rbac.ContextEstablishment, "clients.view")

	_, err := svc.GrantRolePermission(context.Background(), admin, role.ID, "companies.edit")
	assert.ErrorIs(t, err, rbac.ErrInvalidScopeAssignment)

	stored, err := store.GetRole(context.Background(), role.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"clients.view"}, stored.PermissionNames())
}

func TestSetRolePermissionsInvalidatesHoldersAndAuditsDiff(t *testing.T) {
	svc, store, j := newService(t)
	store.MustPermission("clients.edit", rbac.ContextEstablishment)
	role := store.MustRole("cuidador", rbac.ContextEstablishment, "clients.view")
	store.MustAssign(7, role, rbac.EstablishmentContext(10), nil)
	store.MustAssign(8, role, rbac.EstablishmentContext(11), nil)

	updated, err := svc.SetRolePermissions(context.Background(), operator, role.ID, []string{"clients.edit"})
	require.NoError(t, err)
	assert.Equal(t, []string{"clients.edit"}, updated.PermissionNames())
	assert.ElementsMatch(t, []int64{7, 8}, j.users)

	var grants, revokes []string
	for _, e := range j.events {
		switch e.Type {
		case audit.EventGrant:
			grants = append(grants, e.Permission)
		case audit.EventRevoke:
			revokes = append(revokes, e.Permission)
		}
	}
	assert.Equal(t, []string{"clients.edit"}, grants)
	assert.Equal(t, []string{"clients.view"}, revokes)

	// No change, no invalidation.
	j.users = nil
	_, err = svc.SetRolePermissions(context.Background(), operator, role.ID, []string{"CLIENTS.EDIT"})
	require.NoError(t, err)
	assert.Empty(t, j.users)

	updated, err = svc.RevokeRolePermission(context.Background(), operator, role.ID, "clients.edit")
	require.NoError(t, err)
	assert.Empty(t, updated.PermissionNames())
}

func TestAssignRoleRules(t *testing.T) {
	svc, store, j := newService(t)
	ctx := context.Background()
	estRole := store.MustRole("cuidador", rbac.ContextEstablishment, "clients.view")
	inactive := store.MustRole("antigo", rbac.ContextEstablishment, "clients.view")
	require.NoError(t, store.SetRoleActive(ctx, inactive.ID, false))
	past := now.Add(-time.Minute)

	cases := []struct {
		name string
		in   rbac.AssignRoleInput
		err  error
	}{
		{"context mismatch", rbac.AssignRoleInput{UserID: 7, RoleID: estRole.ID, ContextType: "company", ContextID: 1}, rbac.ErrContextMismatch},
		{"expired", rbac.AssignRoleInput{UserID: 7, RoleID: estRole.ID, ContextType: "establishment", ContextID: 10, ExpiresAt: &past}, rbac.ErrValidation},
		{"missing user", rbac.AssignRoleInput{RoleID: estRole.ID, ContextType: "establishment", ContextID: 10}, rbac.ErrValidation},
		{"establishment without id", rbac.AssignRoleInput{UserID: 7, RoleID: estRole.ID, ContextType: "establishment"}, rbac.ErrValidation},
		{"unknown role", rbac.AssignRoleInput{UserID: 7, RoleID: 999, ContextType: "establishment", ContextID: 10}, rbac.ErrNotFound},
		{"inactive role", rbac.AssignRoleInput{UserID: 7, RoleID: inactive.ID, ContextType: "establishment", ContextID: 10}, rbac.ErrInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.AssignRole(ctx, admin, tc.in)
			assert.ErrorIs(t, err, tc.err)
		})
	}
	as, err := store.ListUserAssignments(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, as)
	assert.Empty(t, j.users)

	in := rbac.AssignRoleInput{UserID: 7, RoleID: estRole.ID, ContextType: "establishment", ContextID: 10}
	a, err := svc.AssignRole(ctx, operator, in)
	require.NoError(t, err)
	assert.Equal(t, operator.UserID, a.AssignedBy)
	_, err = svc.AssignRole(ctx, operator, in)
	assert.ErrorIs(t, err, rbac.ErrDuplicate)
}

func TestProtectedRoles(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	super, err := store.CreateRole(ctx, rbac.Role{Name: "super_admin", ContextType: rbac.ContextSystem, IsSystemRole: true, IsActive: true}, nil)
	require.NoError(t, err)

	_, err = svc.CreateRole(ctx, operator, rbac.CreateRoleInput{Name: "root", ContextType: "system", IsSystemRole: true})
	assert.ErrorIs(t, err, rbac.ErrProtectedRole)
	_, err = svc.AssignRole(ctx, operator, rbac.AssignRoleInput{UserID: 7, RoleID: super.ID, ContextType: "system"})
	assert.ErrorIs(t, err, rbac.ErrProtectedRole)
	assert.ErrorIs(t, svc.DeactivateRole(ctx, operator, super.ID), rbac.ErrProtectedRole)
	_, err = svc.SetRolePermissions(ctx, operator, super.ID, nil)
	assert.ErrorIs(t, err, rbac.ErrProtectedRole)

	a, err := svc.AssignRole(ctx, admin, rbac.AssignRoleInput{UserID: 7, RoleID: super.ID, ContextType: "system"})
	require.NoError(t, err)
	assert.Equal(t, rbac.SystemContext(), a.Context)
	assert.ErrorIs(t, svc.RevokeAssignment(ctx, operator, a.ID), rbac.ErrProtectedRole)
}

func TestInvalidationFailureIsReportedAfterCommit(t *testing.T) {
	svc, store, j := newService(t)
	j.fail = errors.New("redis down")
	role := store.MustRole("cuidador", rbac.ContextEstablishment, "clients.view")

	_, err := svc.AssignRole(context.Background(), admin, rbac.AssignRoleInput{UserID: 7, RoleID: role.ID, ContextType: "establishment", ContextID: 10})
	assert.ErrorIs(t, err, rbac.ErrInvalidationFailed)

	as, err := store.ListUserAssignments(context.Background(), 7)
	require.NoError(t, err)
	assert.Len(t, as, 1, "the write stays committed")
	for _, e := range j.events {
		assert.NotEqual(t, audit.EventGrant, e.Type, "no acknowledgement without invalidation")
	}
}

func TestSuspendAndReactivate(t *testing.T) {
	svc, store, j := newService(t)
	ctx := context.Background()
	role := store.MustRole("cuidador", rbac.ContextEstablishment, "clients.view")
	a := store.MustAssign(7, role, rbac.EstablishmentContext(10), nil)

	require.NoError(t, svc.ReactivateAssignment(ctx, admin, a.ID), "already active")
	require.NoError(t, svc.SuspendAssignment(ctx, admin, a.ID))
	got, err := svc.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.StatusSuspended, got.Status)

	require.NoError(t, svc.SuspendAssignment(ctx, admin, a.ID), "repeating a transition is a no-op")
	require.NoError(t, svc.ReactivateAssignment(ctx, admin, a.ID))
	require.NoError(t, svc.RevokeAssignment(ctx, admin, a.ID))
	assert.ErrorIs(t, svc.ReactivateAssignment(ctx, admin, a.ID), rbac.ErrValidation)

	assert.Equal(t, []int64{7, 7, 7}, j.users)
	assert.ErrorIs(t, svc.SuspendAssignment(ctx, admin, 999), rbac.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	svc, store, j := newService(t)
	role := store.MustRole("cuidador", rbac.ContextEstablishment, "clients.view")
	hourAgo := now.Add(-time.Hour)
	tomorrow := now.Add(24 * time.Hour)
	expired := store.MustAssign(7, role, rbac.EstablishmentContext(10), &hourAgo)
	store.MustAssign(8, role, rbac.EstablishmentContext(10), &tomorrow)
	store.MustAssign(9, role, rbac.EstablishmentContext(10), nil)

	n, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{7}, j.users)
	require.Len(t, j.events, 1)
	assert.Equal(t, "expired", j.events[0].Reason)
	assert.Equal(t, expired.RoleID, j.events[0].RoleID)

	n, err = svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepRetriesFailedInvalidation(t *testing.T) {
	svc, store, j := newService(t)
	role := store.MustRole("cuidador", rbac.ContextEstablishment, "clients.view")
	hourAgo := now.Add(-time.Hour)
	store.MustAssign(7, role, rbac.EstablishmentContext(10), &hourAgo)
	ctx := context.Background()

	j.fail = errors.New("redis down")
	n, err := svc.SweepExpired(ctx)
	assert.ErrorIs(t, err, rbac.ErrInvalidationFailed)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{7}, svc.PendingSweepInvalidations())
	require.Len(t, j.events, 1, "the expiry is audited even without invalidation")

	// Nothing is left to expire, but the retry still reaches the user.
	j.fail = nil
	j.users = nil
	n, err = svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []int64{7}, j.users)
	assert.Empty(t, svc.PendingSweepInvalidations())
}

func TestDeactivatePermission(t *testing.T) {
	svc, store, j := newService(t)
	ctx := context.Background()
	role := store.MustRole("cuidador", rbac.ContextEstablishment, "clients.view")
	store.MustAssign(7, role, rbac.EstablishmentContext(10), nil)
	perm := role.Permissions[0]

	assert.ErrorIs(t, svc.DeactivatePermission(ctx, operator, perm.ID), rbac.ErrPermissionDenied)
	require.NoError(t, svc.DeactivatePermission(ctx, admin, perm.ID))
	assert.Equal(t, []int64{7}, j.users)

	p, ok := svc.Catalog().Lookup("clients.view")
	require.True(t, ok)
	assert.False(t, p.IsActive)

	_, err := svc.CreateRole(ctx, admin, rbac.CreateRoleInput{Name: "novo", ContextType: "establishment", Permissions: []string{"clients.view"}})
	assert.ErrorIs(t, err, rbac.ErrInactive)
	assert.ErrorIs(t, svc.DeactivatePermission(ctx, admin, 999), rbac.ErrNotFound)
}

func TestRolePermissionEditsSurviveDeactivatedPermission(t *testing.T) {
	svc, store, j := newService(t)
	ctx := context.Background()
	store.MustPermission("menus.view", rbac.ContextEstablishment)
	role := store.MustRole("cuidador", rbac.ContextEstablishment, "clients.view", "clients.edit")
	store.MustAssign(7, role, rbac.EstablishmentContext(10), nil)
	var view rbac.Permission
	for _, p := range role.Permissions {
		if p.Name == "clients.view" {
			view = p
		}
	}
	require.NoError(t, svc.DeactivatePermission(ctx, admin, view.ID))

	updated, err := svc.RevokeRolePermission(ctx, admin, role.ID, "clients.edit")
	require.NoError(t, err)
	assert.Equal(t, []string{"clients.view"}, updated.PermissionNames())

	updated, err = svc.GrantRolePermission(ctx, admin, role.ID, "menus.view")
	require.NoError(t, err)
	assert.Equal(t, []string{"clients.view", "menus.view"}, updated.PermissionNames())
	assert.Equal(t, []int64{7, 7, 7}, j.users)

	// A deactivated permission still cannot be linked to another role.
	other := store.MustRole("enfermeiro", rbac.ContextEstablishment, "menus.view")
	_, err = svc.GrantRolePermission(ctx, admin, other.ID, "clients.view")
	assert.ErrorIs(t, err, rbac.ErrInactive)
}

func TestCreatePermission(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreatePermission(ctx, operator, rbac.CreatePermissionInput{Name: "menus.edit", ContextLevel: "establishment"})
	assert.ErrorIs(t, err, rbac.ErrPermissionDenied)

	p, err := svc.CreatePermission(ctx, admin, rbac.CreatePermissionInput{Name: " Care.Visits.Schedule ", ContextLevel: "establishment"})
	require.NoError(t, err)
	assert.Equal(t, "care.visits.schedule", p.Name)
	assert.Equal(t, "care", p.Module)
	assert.Equal(t, "visits", p.Resource)
	assert.Equal(t, "schedule", p.Action)
	_, ok := svc.Catalog().Lookup("care.visits.schedule")
	assert.True(t, ok, "catalog refreshed after create")

	_, err = svc.CreatePermission(ctx, admin, rbac.CreatePermissionInput{Name: "care.visits.schedule", ContextLevel: "establishment"})
	assert.ErrorIs(t, err, rbac.ErrDuplicate)
	_, err = svc.CreatePermission(ctx, admin, rbac.CreatePermissionInput{Name: "x", ContextLevel: "planet"})
	assert.ErrorIs(t, err, rbac.ErrValidation)
}
