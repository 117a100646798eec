// Package rbactest provides an in-memory rbac.Store for tests.
package rbactest

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/homecare/homecare/internal/rbac"
)

// Store is a goroutine-safe in-memory rbac.Store.
type Store struct {
	mu          sync.RWMutex
	permissions map[int64]rbac.Permission
	roles       map[int64]rbac.Role
	links       map[int64]map[int64]struct{}
	assignments map[int64]rbac.Assignment
	nextID      int64

	// ReadHook, when set, runs before every ListAssignments call. Tests use it
	// to block, delay or fail resolution.
	ReadHook func(ctx context.Context) error
	reads    atomic.Int64
}

var _ rbac.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		permissions: make(map[int64]rbac.Permission),
		roles:       make(map[int64]rbac.Role),
		links:       make(map[int64]map[int64]struct{}),
		assignments: make(map[int64]rbac.Assignment),
	}
}

// Reads reports how many times ListAssignments ran.
func (s *Store) Reads() int64 {
	return s.reads.Load()
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// MustPermission adds a permission and returns it.
func (s *Store) MustPermission(name string, level rbac.ContextType) rbac.Permission {
	p, err := s.CreatePermission(context.Background(), rbac.Permission{Name: rbac.NormalizePermission(name), ContextLevel: level, IsActive: true})
	if err != nil {
		panic(err)
	}
	return p
}

// MustRole adds a role carrying the named permissions, creating missing ones at the role's level.
func (s *Store) MustRole(name string, ct rbac.ContextType, perms ...string) rbac.Role {
	ids := make([]int64, 0, len(perms))
	for _, n := range perms {
		p, ok := s.permissionByName(n)
		if !ok {
			p = s.MustPermission(n, ct)
		}
		ids = append(ids, p.ID)
	}
	r, err := s.CreateRole(context.Background(), rbac.Role{Name: name, Label: name, ContextType: ct, IsActive: true}, ids)
	if err != nil {
		panic(err)
	}
	return r
}

// MustAssign grants role to user in c.
func (s *Store) MustAssign(userID int64, role rbac.Role, c rbac.Context, expiresAt *time.Time) rbac.Assignment {
	a, err := s.CreateAssignment(context.Background(), rbac.Assignment{
		UserID:     userID,
		RoleID:     role.ID,
		Context:    c,
		Status:     rbac.StatusActive,
		ExpiresAt:  expiresAt,
		AssignedAt: time.Now(),
	})
	if err != nil {
		panic(err)
	}
	return a
}

func (s *Store) permissionByName(name string) (rbac.Permission, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name = rbac.NormalizePermission(name)
	for _, p := range s.permissions {
		if p.Name == name {
			return p, true
		}
	}
	return rbac.Permission{}, false
}

// ListPermissions implements rbac.Store.
func (s *Store) ListPermissions(context.Context) ([]rbac.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreatePermission implements rbac.Store.
func (s *Store) CreatePermission(_ context.Context, p rbac.Permission) (rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.permissions {
		if existing.Name == p.Name {
			return rbac.Permission{}, rbac.ErrDuplicate
		}
	}
	p.ID = s.id()
	p.CreatedAt = time.Now()
	s.permissions[p.ID] = p
	return p, nil
}

// SetPermissionActive implements rbac.Store.
func (s *Store) SetPermissionActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.permissions[id]
	if !ok {
		return rbac.ErrNotFound
	}
	p.IsActive = active
	s.permissions[id] = p
	return nil
}

// ListRoles implements rbac.Store.
func (s *Store) ListRoles(context.Context) ([]rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Role, 0, len(s.roles))
	for id := range s.roles {
		out = append(out, s.hydrate(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RolesByID implements rbac.RoleReader.
func (s *Store) RolesByID(_ context.Context, ids []int64) ([]rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Role, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.roles[id]; ok {
			out = append(out, s.hydrate(id))
		}
	}
	return out, nil
}

// GetRole implements rbac.Store.
func (s *Store) GetRole(_ context.Context, id int64) (rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.roles[id]; !ok {
		return rbac.Role{}, rbac.ErrNotFound
	}
	return s.hydrate(id), nil
}

// GetRoleByName implements rbac.Store.
func (s *Store) GetRoleByName(_ context.Context, name string) (rbac.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, r := range s.roles {
		if r.Name == name {
			return s.hydrate(id), nil
		}
	}
	return rbac.Role{}, rbac.ErrNotFound
}

// CreateRole implements rbac.Store.
func (s *Store) CreateRole(_ context.Context, r rbac.Role, permissionIDs []int64) (rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Name == r.Name {
			return rbac.Role{}, rbac.ErrDuplicate
		}
	}
	r.ID = s.id()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	r.Permissions = nil
	s.roles[r.ID] = r
	s.links[r.ID] = toSet(permissionIDs)
	return s.hydrate(r.ID), nil
}

// SetRoleActive implements rbac.Store.
func (s *Store) SetRoleActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roles[id]
	if !ok {
		return rbac.ErrNotFound
	}
	r.IsActive = active
	s.roles[id] = r
	return nil
}

// ReplaceRolePermissions implements rbac.Store.
func (s *Store) ReplaceRolePermissions(_ context.Context, roleID int64, permissionIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return rbac.ErrNotFound
	}
	s.links[roleID] = toSet(permissionIDs)
	return nil
}

// RoleHolders implements rbac.Store.
func (s *Store) RoleHolders(_ context.Context, roleIDs []int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := toSet(roleIDs)
	users := make(map[int64]struct{})
	for _, a := range s.assignments {
		if _, ok := wanted[a.RoleID]; ok {
			users[a.UserID] = struct{}{}
		}
	}
	return sortedIDs(users), nil
}

// RolesWithPermission implements rbac.Store.
func (s *Store) RolesWithPermission(_ context.Context, permissionID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles := make(map[int64]struct{})
	for roleID, perms := range s.links {
		if _, ok := perms[permissionID]; ok {
			roles[roleID] = struct{}{}
		}
	}
	return sortedIDs(roles), nil
}

// ListAssignments implements rbac.AssignmentReader.
func (s *Store) ListAssignments(ctx context.Context, userID int64, c rbac.Context) ([]rbac.Assignment, error) {
	s.reads.Add(1)
	if s.ReadHook != nil {
		if err := s.ReadHook(ctx); err != nil {
			return nil, err
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.Assignment
	for _, a := range s.assignments {
		if a.UserID == userID && a.Context == c && a.Status == rbac.StatusActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetAssignment implements rbac.Store.
func (s *Store) GetAssignment(_ context.Context, id int64) (rbac.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok {
		return rbac.Assignment{}, rbac.ErrNotFound
	}
	return a, nil
}

// ListUserAssignments implements rbac.Store.
func (s *Store) ListUserAssignments(_ context.Context, userID int64) ([]rbac.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.Assignment
	for _, a := range s.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateAssignment implements rbac.Store.
func (s *Store) CreateAssignment(_ context.Context, a rbac.Assignment) (rbac.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Status == rbac.StatusActive {
		for _, existing := range s.assignments {
			if existing.Status == rbac.StatusActive && existing.UserID == a.UserID && existing.RoleID == a.RoleID && existing.Context == a.Context {
				return rbac.Assignment{}, rbac.ErrDuplicate
			}
		}
	}
	a.ID = s.id()
	s.assignments[a.ID] = a
	return a, nil
}

// UpdateAssignmentStatus implements rbac.Store.
func (s *Store) UpdateAssignmentStatus(_ context.Context, id int64, status rbac.AssignmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return rbac.ErrNotFound
	}
	a.Status = status
	s.assignments[id] = a
	return nil
}

// ExpireAssignments implements rbac.Store.
func (s *Store) ExpireAssignments(_ context.Context, now time.Time) ([]rbac.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []rbac.Assignment
	for id, a := range s.assignments {
		if a.Status == rbac.StatusActive && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			a.Status = rbac.StatusInactive
			s.assignments[id] = a
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// hydrate must be called with mu held.
func (s *Store) hydrate(id int64) rbac.Role {
	r := s.roles[id]
	r.Permissions = nil
	for pid := range s.links[id] {
		if p, ok := s.permissions[pid]; ok {
			r.Permissions = append(r.Permissions, p)
		}
	}
	sort.Slice(r.Permissions, func(i, j int) bool { return r.Permissions[i].Name < r.Permissions[j].Name })
	return r
}

func toSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
