package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/homecare/homecare/internal/audit"
)

// Invalidator drops cached permission sets of a user. It must return only once
// the invalidation is visible to every subsequent read.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID int64) error
}

// ServiceConfig collects Service dependencies.
type ServiceConfig struct {
	Store   Store
	Cache   Invalidator
	Audit   audit.Sink
	Catalog *CatalogSource
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service is the only writer of permissions, roles and assignments. Every
// successful write invalidates the affected users before returning.
type Service struct {
	store    Store
	cache    Invalidator
	audit    audit.Sink
	catalog  *CatalogSource
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time

	// Users whose sweep invalidation failed; retried by the next sweep.
	sweepMu      sync.Mutex
	sweepPending map[int64]struct{}
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		store:        cfg.Store,
		cache:        cfg.Cache,
		audit:        cfg.Audit,
		catalog:      cfg.Catalog,
		logger:       cfg.Logger,
		validate:     validator.New(),
		now:          cfg.Now,
		sweepPending: make(map[int64]struct{}),
	}
	if s.audit == nil {
		s.audit = audit.Discard
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.catalog == nil {
		s.catalog = NewCatalogSource(cfg.Store, s.logger)
	}
	return s
}

// CreatePermissionInput describes a new catalog entry.
type CreatePermissionInput struct {
	Name         string `validate:"required,max=120"`
	ContextLevel string `validate:"required,oneof=system company establishment"`
	Description  string `validate:"max=500"`
}

// CreateRoleInput describes a new role.
type CreateRoleInput struct {
	Name         string   `validate:"required,max=80"`
	Label        string   `validate:"max=120"`
	ContextType  string   `validate:"required,oneof=system company establishment"`
	Permissions  []string `validate:"dive,required"`
	IsSystemRole bool
}

// AssignRoleInput describes a grant of a role to a user.
type AssignRoleInput struct {
	UserID      int64  `validate:"required,gt=0"`
	RoleID      int64  `validate:"required,gt=0"`
	ContextType string `validate:"required,oneof=system company establishment"`
	ContextID   int64  `validate:"gte=0"`
	ExpiresAt   *time.Time
}

// Catalog exposes the current permission snapshot.
func (s *Service) Catalog() *Catalog {
	return s.catalog.Current()
}

// RefreshCatalog reloads the permission snapshot.
func (s *Service) RefreshCatalog(ctx context.Context) error {
	_, err := s.catalog.Refresh(ctx)
	return err
}

// ListPermissions returns all permissions ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// CreatePermission registers a permission and refreshes the catalog.
func (s *Service) CreatePermission(ctx context.Context, actor Principal, in CreatePermissionInput) (Permission, error) {
	if err := s.validateInput(in); err != nil {
		return Permission{}, err
	}
	if !actor.IsSystemAdmin {
		return Permission{}, ErrPermissionDenied
	}
	name := NormalizePermission(in.Name)
	module, resource, action := splitPermission(name)
	perm, err := s.store.CreatePermission(ctx, Permission{
		Name:         name,
		Module:       module,
		Resource:     resource,
		Action:       action,
		ContextLevel: ContextType(in.ContextLevel),
		Description:  strings.TrimSpace(in.Description),
		IsActive:     true,
	})
	if err != nil {
		return Permission{}, err
	}
	if _, err := s.catalog.Refresh(ctx); err != nil {
		s.logger.Warn("rbac catalog refresh", slog.Any("error", err))
	}
	return perm, nil
}

// DeactivatePermission soft-deletes a permission. Holders of roles carrying it
// lose it once their cache entries are invalidated, which happens before return.
func (s *Service) DeactivatePermission(ctx context.Context, actor Principal, id int64) error {
	if !actor.IsSystemAdmin {
		return ErrPermissionDenied
	}
	perm, ok := s.permissionByID(ctx, id)
	if !ok {
		return ErrNotFound
	}
	if err := s.store.SetPermissionActive(ctx, id, false); err != nil {
		return err
	}
	roleIDs, err := s.store.RolesWithPermission(ctx, id)
	if err != nil {
		return err
	}
	if err := s.invalidateRoleHolders(ctx, roleIDs); err != nil {
		return err
	}
	if _, err := s.catalog.Refresh(ctx); err != nil {
		s.logger.Warn("rbac catalog refresh", slog.Any("error", err))
	}
	s.record(ctx, audit.Event{
		Type:        audit.EventRevoke,
		PrincipalID: actor.UserID,
		Permission:  perm.Name,
		ContextType: string(perm.ContextLevel),
		ActorID:     actor.UserID,
		Reason:      "permission_deactivated",
	})
	return nil
}

// ListRoles returns all roles with their permissions.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// CreateRole inserts a role after checking every permission fits its scope.
func (s *Service) CreateRole(ctx context.Context, actor Principal, in CreateRoleInput) (Role, error) {
	if err := s.validateInput(in); err != nil {
		return Role{}, err
	}
	if in.IsSystemRole && !actor.IsSystemAdmin {
		return Role{}, ErrProtectedRole
	}
	ct := ContextType(in.ContextType)
	perms, err := s.permissionsForRole(ctx, ct, in.Permissions, nil)
	if err != nil {
		return Role{}, err
	}
	name := strings.TrimSpace(in.Name)
	label := strings.TrimSpace(in.Label)
	if label == "" {
		label = defaultLabel(name)
	}
	role, err := s.store.CreateRole(ctx, Role{
		Name:         name,
		Label:        label,
		ContextType:  ct,
		IsSystemRole: in.IsSystemRole,
		IsActive:     true,
	}, permissionIDs(perms))
	if err != nil {
		return Role{}, err
	}
	role.Permissions = perms
	for _, p := range perms {
		s.record(ctx, audit.Event{
			Type:        audit.EventGrant,
			PrincipalID: actor.UserID,
			Permission:  p.Name,
			RoleID:      role.ID,
			ContextType: string(role.ContextType),
			ActorID:     actor.UserID,
			Reason:      "role_created",
		})
	}
	return role, nil
}

// SetRolePermissions replaces the permissions of a role.
func (s *Service) SetRolePermissions(ctx context.Context, actor Principal, roleID int64, names []string) (Role, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystemRole && !actor.IsSystemAdmin {
		return Role{}, ErrProtectedRole
	}
	perms, err := s.permissionsForRole(ctx, role.ContextType, names, role.Permissions)
	if err != nil {
		return Role{}, err
	}
	granted, revoked := diffPermissions(role.Permissions, perms)
	if len(granted) == 0 && len(revoked) == 0 {
		return role, nil
	}
	if err := s.store.ReplaceRolePermissions(ctx, roleID, permissionIDs(perms)); err != nil {
		return Role{}, err
	}
	if err := s.invalidateRoleHolders(ctx, []int64{roleID}); err != nil {
		return Role{}, err
	}
	for _, p := range granted {
		s.record(ctx, audit.Event{Type: audit.EventGrant, PrincipalID: actor.UserID, Permission: p.Name, RoleID: roleID, ContextType: string(role.ContextType), ActorID: actor.UserID})
	}
	for _, p := range revoked {
		s.record(ctx, audit.Event{Type: audit.EventRevoke, PrincipalID: actor.UserID, Permission: p.Name, RoleID: roleID, ContextType: string(role.ContextType), ActorID: actor.UserID})
	}
	role.Permissions = perms
	return role, nil
}

// GrantRolePermission attaches one permission to a role.
func (s *Service) GrantRolePermission(ctx context.Context, actor Principal, roleID int64, name string) (Role, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	return s.SetRolePermissions(ctx, actor, roleID, append(role.PermissionNames(), name))
}

// RevokeRolePermission detaches one permission from a role.
func (s *Service) RevokeRolePermission(ctx context.Context, actor Principal, roleID int64, name string) (Role, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	name = NormalizePermission(name)
	keep := make([]string, 0, len(role.Permissions))
	for _, n := range role.PermissionNames() {
		if n != name {
			keep = append(keep, n)
		}
	}
	return s.SetRolePermissions(ctx, actor, roleID, keep)
}

// DeactivateRole soft-deletes a role.
func (s *Service) DeactivateRole(ctx context.Context, actor Principal, roleID int64) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole && !actor.IsSystemAdmin {
		return ErrProtectedRole
	}
	if err := s.store.SetRoleActive(ctx, roleID, false); err != nil {
		return err
	}
	if err := s.invalidateRoleHolders(ctx, []int64{roleID}); err != nil {
		return err
	}
	s.record(ctx, audit.Event{
		Type:        audit.EventRevoke,
		PrincipalID: actor.UserID,
		RoleID:      roleID,
		ContextType: string(role.ContextType),
		ActorID:     actor.UserID,
		Reason:      "role_deactivated",
	})
	return nil
}

// AssignRole grants a role to a user in a context.
func (s *Service) AssignRole(ctx context.Context, actor Principal, in AssignRoleInput) (Assignment, error) {
	if err := s.validateInput(in); err != nil {
		return Assignment{}, err
	}
	target, err := NewContext(ContextType(in.ContextType), in.ContextID)
	if err != nil {
		return Assignment{}, err
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.now()) {
		return Assignment{}, fmt.Errorf("%w: expires_at must be in the future", ErrValidation)
	}
	role, err := s.store.GetRole(ctx, in.RoleID)
	if err != nil {
		return Assignment{}, err
	}
	if !role.IsActive {
		return Assignment{}, fmt.Errorf("%w: role %s", ErrInactive, role.Name)
	}
	if role.ContextType != target.Type {
		return Assignment{}, ErrContextMismatch
	}
	if role.IsSystemRole && !actor.IsSystemAdmin {
		return Assignment{}, ErrProtectedRole
	}
	assignment, err := s.store.CreateAssignment(ctx, Assignment{
		UserID:     in.UserID,
		RoleID:     role.ID,
		Context:    target,
		Status:     StatusActive,
		ExpiresAt:  in.ExpiresAt,
		AssignedBy: actor.UserID,
		AssignedAt: s.now(),
	})
	if err != nil {
		return Assignment{}, err
	}
	if err := s.invalidateUsers(ctx, []int64{assignment.UserID}); err != nil {
		return Assignment{}, err
	}
	s.record(ctx, assignmentEvent(audit.EventGrant, assignment, actor.UserID, ""))
	return assignment, nil
}

// RevokeAssignment deactivates an assignment.
func (s *Service) RevokeAssignment(ctx context.Context, actor Principal, id int64) error {
	return s.transitionAssignment(ctx, actor, id, StatusInactive, "revoked")
}

// SuspendAssignment suspends an assignment without deleting it.
func (s *Service) SuspendAssignment(ctx context.Context, actor Principal, id int64) error {
	return s.transitionAssignment(ctx, actor, id, StatusSuspended, "suspended")
}

// ReactivateAssignment returns a suspended assignment to active.
func (s *Service) ReactivateAssignment(ctx context.Context, actor Principal, id int64) error {
	return s.transitionAssignment(ctx, actor, id, StatusActive, "reactivated")
}

// GetAssignment fetches one assignment.
func (s *Service) GetAssignment(ctx context.Context, id int64) (Assignment, error) {
	return s.store.GetAssignment(ctx, id)
}

// ListUserAssignments returns every assignment of a user.
func (s *Service) ListUserAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	return s.store.ListUserAssignments(ctx, userID)
}

// SweepExpired marks expired assignments inactive. Correctness never depends on
// it because the resolver already ignores expired grants. Users whose
// invalidation failed are kept and retried by the next sweep, which also
// returns ErrInvalidationFailed until they go through.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireAssignments(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.sweepMu.Lock()
	users := make([]int64, 0, len(s.sweepPending)+len(expired))
	for u := range s.sweepPending {
		users = append(users, u)
	}
	s.sweepMu.Unlock()
	for _, a := range expired {
		users = append(users, a.UserID)
	}

	failed, invalidateErr := s.invalidateEach(ctx, users)
	s.sweepMu.Lock()
	for _, u := range users {
		delete(s.sweepPending, u)
	}
	for _, u := range failed {
		s.sweepPending[u] = struct{}{}
	}
	s.sweepMu.Unlock()

	// The expiry itself is already in force, so it is audited either way.
	for _, a := range expired {
		s.record(ctx, assignmentEvent(audit.EventRevoke, a, 0, "expired"))
	}
	return len(expired), invalidateErr
}

// PendingSweepInvalidations reports users still awaiting a sweep invalidation.
func (s *Service) PendingSweepInvalidations() []int64 {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	out := make([]int64, 0, len(s.sweepPending))
	for u := range s.sweepPending {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Service) transitionAssignment(ctx context.Context, actor Principal, id int64, status AssignmentStatus, reason string) error {
	assignment, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return err
	}
	if assignment.Status == status {
		return nil
	}
	if status == StatusActive && assignment.Status != StatusSuspended {
		return fmt.Errorf("%w: only suspended assignments can be reactivated", ErrValidation)
	}
	role, err := s.store.GetRole(ctx, assignment.RoleID)
	if err != nil {
		return err
	}
	if role.IsSystemRole && !actor.IsSystemAdmin {
		return ErrProtectedRole
	}
	if err := s.store.UpdateAssignmentStatus(ctx, id, status); err != nil {
		return err
	}
	if err := s.invalidateUsers(ctx, []int64{assignment.UserID}); err != nil {
		return err
	}
	eventType := audit.EventRevoke
	if status == StatusActive {
		eventType = audit.EventGrant
	}
	s.record(ctx, assignmentEvent(eventType, assignment, actor.UserID, reason))
	return nil
}

// permissionsForRole resolves names against the catalog and enforces scope
// compatibility. Deactivated permissions already in linked may stay linked;
// new links to them are rejected.
func (s *Service) permissionsForRole(ctx context.Context, ct ContextType, names []string, linked []Permission) ([]Permission, error) {
	if !ct.Valid() {
		return nil, fmt.Errorf("%w: unknown context type %q", ErrValidation, ct)
	}
	existing := make(map[string]struct{}, len(linked))
	for _, p := range linked {
		existing[p.Name] = struct{}{}
	}
	catalog := s.catalog.Current()
	unique := make(map[string]struct{}, len(names))
	perms := make([]Permission, 0, len(names))
	for _, raw := range names {
		name := NormalizePermission(raw)
		if name == "" {
			continue
		}
		if _, dup := unique[name]; dup {
			continue
		}
		unique[name] = struct{}{}
		perm, ok := catalog.Lookup(name)
		if !ok {
			refreshed, err := s.catalog.Refresh(ctx)
			if err != nil {
				return nil, err
			}
			catalog = refreshed
			if perm, ok = catalog.Lookup(name); !ok {
				return nil, fmt.Errorf("%w: permission %s", ErrNotFound, name)
			}
		}
		if _, kept := existing[name]; !perm.IsActive && !kept {
			return nil, fmt.Errorf("%w: permission %s", ErrInactive, name)
		}
		if !ct.Covers(perm.ContextLevel) {
			return nil, fmt.Errorf("%w: %s is %s-level, role is %s-level", ErrInvalidScopeAssignment, name, perm.ContextLevel, ct)
		}
		perms = append(perms, perm)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

func (s *Service) permissionByID(ctx context.Context, id int64) (Permission, bool) {
	for _, p := range s.catalog.Current().Permissions() {
		if p.ID == id {
			return p, true
		}
	}
	catalog, err := s.catalog.Refresh(ctx)
	if err != nil {
		return Permission{}, false
	}
	for _, p := range catalog.Permissions() {
		if p.ID == id {
			return p, true
		}
	}
	return Permission{}, false
}

func (s *Service) invalidateRoleHolders(ctx context.Context, roleIDs []int64) error {
	if len(roleIDs) == 0 {
		return nil
	}
	users, err := s.store.RoleHolders(ctx, roleIDs)
	if err != nil {
		return fmt.Errorf("%w: list role holders: %v", ErrInvalidationFailed, err)
	}
	return s.invalidateUsers(ctx, users)
}

// invalidateUsers runs detached from the caller's cancellation: the write has
// already committed and must not be acknowledged with stale entries around.
func (s *Service) invalidateUsers(ctx context.Context, users []int64) error {
	_, err := s.invalidateEach(ctx, users)
	return err
}

// invalidateEach invalidates every distinct user and returns the ones that
// failed.
func (s *Service) invalidateEach(ctx context.Context, users []int64) ([]int64, error) {
	if s.cache == nil || len(users) == 0 {
		return nil, nil
	}
	ctx = context.WithoutCancel(ctx)
	seen := make(map[int64]struct{}, len(users))
	var (
		failed []int64
		errs   []error
	)
	for _, u := range users {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		if err := s.cache.InvalidateUser(ctx, u); err != nil {
			s.logger.Error("rbac invalidate user", slog.Int64("user_id", u), slog.Any("error", err))
			failed = append(failed, u)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return failed, fmt.Errorf("%w: %v", ErrInvalidationFailed, errors.Join(errs...))
	}
	return nil, nil
}

func (s *Service) record(ctx context.Context, event audit.Event) {
	if err := s.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Error("rbac audit record", slog.String("event_type", string(event.Type)), slog.Any("error", err))
	}
}

func (s *Service) validateInput(in any) error {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed on %s", ErrValidation, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func assignmentEvent(t audit.EventType, a Assignment, actorID int64, reason string) audit.Event {
	return audit.Event{
		Type:        t,
		PrincipalID: a.UserID,
		RoleID:      a.RoleID,
		ContextType: string(a.Context.Type),
		ContextID:   a.Context.ID,
		ActorID:     actorID,
		Reason:      reason,
	}
}

func permissionIDs(perms []Permission) []int64 {
	ids := make([]int64, 0, len(perms))
	for _, p := range perms {
		ids = append(ids, p.ID)
	}
	return ids
}

func diffPermissions(current, next []Permission) (granted, revoked []Permission) {
	have := make(map[string]struct{}, len(current))
	for _, p := range current {
		have[p.Name] = struct{}{}
	}
	want := make(map[string]struct{}, len(next))
	for _, p := range next {
		want[p.Name] = struct{}{}
		if _, ok := have[p.Name]; !ok {
			granted = append(granted, p)
		}
	}
	for _, p := range current {
		if _, ok := want[p.Name]; !ok {
			revoked = append(revoked, p)
		}
	}
	return granted, revoked
}
