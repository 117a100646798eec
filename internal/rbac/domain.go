package rbac

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ContextType identifies the tenant level a permission, role or grant lives at.
type ContextType string

const (
	ContextSystem        ContextType = "system"
	ContextCompany       ContextType = "company"
	ContextEstablishment ContextType = "establishment"
)

// ParseContextType validates a raw context type.
func ParseContextType(raw string) (ContextType, error) {
	ct := ContextType(strings.TrimSpace(strings.ToLower(raw)))
	if !ct.Valid() {
		return "", fmt.Errorf("%w: unknown context type %q", ErrValidation, raw)
	}
	return ct, nil
}

// Valid reports whether ct is one of the known tenant levels.
func (ct ContextType) Valid() bool {
	switch ct {
	case ContextSystem, ContextCompany, ContextEstablishment:
		return true
	}
	return false
}

// breadth orders tenant levels from the narrowest (establishment) to the broadest (system).
func (ct ContextType) breadth() int {
	switch ct {
	case ContextSystem:
		return 3
	case ContextCompany:
		return 2
	case ContextEstablishment:
		return 1
	}
	return 0
}

// Covers reports whether a role scoped at ct may carry a permission declared at level.
// Broader roles may reuse narrower permissions; the reverse is rejected.
func (ct ContextType) Covers(level ContextType) bool {
	if !ct.Valid() || !level.Valid() {
		return false
	}
	return ct.breadth() >= level.breadth()
}

// Context is a concrete tenant scope. ID is zero only for the system context.
type Context struct {
	Type ContextType
	ID   int64
}

// SystemContext returns the global context.
func SystemContext() Context {
	return Context{Type: ContextSystem}
}

// CompanyContext returns the context of one company.
func CompanyContext(id int64) Context {
	return Context{Type: ContextCompany, ID: id}
}

// EstablishmentContext returns the context of one establishment.
func EstablishmentContext(id int64) Context {
	return Context{Type: ContextEstablishment, ID: id}
}

// NewContext builds and validates a context.
func NewContext(ct ContextType, id int64) (Context, error) {
	c := Context{Type: ct, ID: id}
	return c, c.Validate()
}

// Validate enforces that only the system context has no identifier.
func (c Context) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown context type %q", ErrValidation, c.Type)
	}
	if c.Type == ContextSystem && c.ID != 0 {
		return fmt.Errorf("%w: system context takes no id", ErrValidation)
	}
	if c.Type != ContextSystem && c.ID <= 0 {
		return fmt.Errorf("%w: %s context requires a positive id", ErrValidation, c.Type)
	}
	return nil
}

// NullableID maps the system context to SQL NULL.
func (c Context) NullableID() *int64 {
	if c.Type == ContextSystem {
		return nil
	}
	id := c.ID
	return &id
}

func (c Context) String() string {
	if c.Type == ContextSystem {
		return string(ContextSystem)
	}
	return fmt.Sprintf("%s:%d", c.Type, c.ID)
}

// Permission represents an atomic capability.
type Permission struct {
	ID           int64
	Name         string
	Module       string
	Action       string
	Resource     string
	ContextLevel ContextType
	Description  string
	IsActive     bool
	CreatedAt    time.Time
}

// Role represents a named bundle of permissions scoped to one tenant level.
type Role struct {
	ID           int64
	Name         string
	Label        string
	ContextType  ContextType
	Permissions  []Permission
	IsSystemRole bool
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PermissionNames lists the names of the role's permissions.
func (r Role) PermissionNames() []string {
	names := make([]string, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// AssignmentStatus is the lifecycle state of a grant.
type AssignmentStatus string

const (
	StatusActive    AssignmentStatus = "active"
	StatusInactive  AssignmentStatus = "inactive"
	StatusSuspended AssignmentStatus = "suspended"
)

// Assignment grants a role to a user within one context.
type Assignment struct {
	ID         int64
	UserID     int64
	RoleID     int64
	Context    Context
	Status     AssignmentStatus
	ExpiresAt  *time.Time
	AssignedBy int64
	AssignedAt time.Time
}

// Effective reports whether the assignment counts at instant now. Expiry is lazy:
// an active assignment past ExpiresAt behaves as if it did not exist.
func (a Assignment) Effective(now time.Time) bool {
	if a.Status != StatusActive {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// Principal describes the authenticated actor for one request.
type Principal struct {
	UserID          int64
	IsSystemAdmin   bool
	CompanyID       int64
	EstablishmentID int64
}

// Bound reports whether the principal carries any tenant binding.
func (p Principal) Bound() bool {
	return p.CompanyID > 0 || p.EstablishmentID > 0
}

// PermissionSet is a resolved set of permission names. The universal set is a
// sentinel and never materialised.
type PermissionSet struct {
	all   bool
	names map[string]struct{}
}

// AllPermissions returns the universal set granted to system administrators.
func AllPermissions() PermissionSet {
	return PermissionSet{all: true}
}

// NewPermissionSet builds a set from names.
func NewPermissionSet(names ...string) PermissionSet {
	set := PermissionSet{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = NormalizePermission(n)
		if n == "" {
			continue
		}
		set.names[n] = struct{}{}
	}
	return set
}

// All reports whether the set is the universal sentinel.
func (s PermissionSet) All() bool {
	return s.all
}

// Has reports membership of name.
func (s PermissionSet) Has(name string) bool {
	if s.all {
		return true
	}
	_, ok := s.names[NormalizePermission(name)]
	return ok
}

// Len returns the number of materialised names. The universal set reports zero.
func (s PermissionSet) Len() int {
	return len(s.names)
}

// Names returns sorted permission names.
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(s.names))
	for n := range s.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Equal compares two sets.
func (s PermissionSet) Equal(other PermissionSet) bool {
	if s.all || other.all {
		return s.all == other.all
	}
	if len(s.names) != len(other.names) {
		return false
	}
	for n := range s.names {
		if _, ok := other.names[n]; !ok {
			return false
		}
	}
	return true
}

// NormalizePermission canonicalises a permission identifier.
func NormalizePermission(name string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(name))
}

// splitPermission derives module/resource/action from "module.resource.action"
// or "module.action" identifiers. The decomposition is informational.
func splitPermission(name string) (module, resource, action string) {
	parts := strings.Split(name, ".")
	switch len(parts) {
	case 0:
		return "", "", ""
	case 1:
		return parts[0], parts[0], ""
	case 2:
		return parts[0], parts[0], parts[1]
	default:
		return parts[0], strings.Join(parts[1:len(parts)-1], "."), parts[len(parts)-1]
	}
}

func defaultLabel(name string) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(strings.TrimSpace(name), "_", " "))
}
