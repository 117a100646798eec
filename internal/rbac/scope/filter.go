// Package scope derives the tenant filter business repositories apply to
// their queries. It describes predicates and never runs queries itself.
package scope

import (
	"fmt"
	"sort"
	"strings"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/homecare/homecare/internal/rbac"
)

// EntityKind declares which columns tie an entity to a tenant. Either column
// may be empty when the entity does not carry that level.
type EntityKind struct {
	Name                string
	CompanyColumn       string
	EstablishmentColumn string
}

// Registry maps entity kind names to their scoping columns.
type Registry struct {
	kinds map[string]EntityKind
}

// NewRegistry builds a registry. Later kinds override earlier ones with the same name.
func NewRegistry(kinds ...EntityKind) *Registry {
	r := &Registry{kinds: make(map[string]EntityKind, len(kinds))}
	for _, k := range kinds {
		r.kinds[k.Name] = k
	}
	return r
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (EntityKind, bool) {
	if r == nil {
		return EntityKind{}, false
	}
	k, ok := r.kinds[name]
	return k, ok
}

// DefaultKinds lists the tenant-scoped entities of the platform.
func DefaultKinds() []EntityKind {
	return []EntityKind{
		{Name: "companies", CompanyColumn: "id"},
		{Name: "establishments", CompanyColumn: "company_id", EstablishmentColumn: "id"},
		{Name: "users", CompanyColumn: "company_id", EstablishmentColumn: "establishment_id"},
		{Name: "clients", CompanyColumn: "company_id", EstablishmentColumn: "establishment_id"},
		{Name: "contracts", CompanyColumn: "company_id", EstablishmentColumn: "establishment_id"},
		{Name: "menus", EstablishmentColumn: "establishment_id"},
	}
}

type predicateKind int

const (
	matchNothing predicateKind = iota
	unrestricted
	restricted
)

// Condition is one column equality.
type Condition struct {
	Column string
	Value  int64
}

// Predicate is the scoping rule for one principal and entity kind. The zero
// value matches nothing.
type Predicate struct {
	kind       predicateKind
	conditions []Condition
}

// Unrestricted is the predicate of system administrators.
func Unrestricted() Predicate {
	return Predicate{kind: unrestricted}
}

// MatchNothing selects no rows.
func MatchNothing() Predicate {
	return Predicate{}
}

// Equals restricts rows to all given column equalities.
func Equals(conds ...Condition) Predicate {
	if len(conds) == 0 {
		return MatchNothing()
	}
	cs := append([]Condition(nil), conds...)
	sort.Slice(cs, func(i, j int) bool { return cs[i].Column < cs[j].Column })
	return Predicate{kind: restricted, conditions: cs}
}

// IsUnrestricted reports whether the predicate applies no filter.
func (p Predicate) IsUnrestricted() bool {
	return p.kind == unrestricted
}

// MatchesNothing reports whether the predicate rejects every row.
func (p Predicate) MatchesNothing() bool {
	return p.kind == matchNothing
}

// Conditions lists the equalities of a restricted predicate.
func (p Predicate) Conditions() []Condition {
	return append([]Condition(nil), p.conditions...)
}

// Row is a projection of the scoping columns of one record.
type Row map[string]int64

// Matches evaluates the predicate against a row. A missing column never matches.
func (p Predicate) Matches(row Row) bool {
	switch p.kind {
	case unrestricted:
		return true
	case restricted:
		for _, c := range p.conditions {
			v, ok := row[c.Column]
			if !ok || v != c.Value {
				return false
			}
		}
		return true
	}
	return false
}

// Sqlizer renders the predicate as a squirrel WHERE clause.
func (p Predicate) Sqlizer() squirrel.Sqlizer {
	return p.SqlizerFor("")
}

// SqlizerFor renders the predicate with columns qualified by alias.
func (p Predicate) SqlizerFor(alias string) squirrel.Sqlizer {
	switch p.kind {
	case unrestricted:
		return squirrel.Expr("TRUE")
	case restricted:
		eq := make(squirrel.Eq, len(p.conditions))
		for _, c := range p.conditions {
			col := c.Column
			if alias != "" {
				col = alias + "." + col
			}
			eq[col] = c.Value
		}
		return eq
	}
	return squirrel.Expr("1 = 0")
}

// Apply adds the predicate to a select query.
func (p Predicate) Apply(q squirrel.SelectBuilder) squirrel.SelectBuilder {
	return q.Where(p.Sqlizer())
}

func (p Predicate) String() string {
	switch p.kind {
	case unrestricted:
		return "unrestricted"
	case restricted:
		parts := make([]string, 0, len(p.conditions))
		for _, c := range p.conditions {
			parts = append(parts, fmt.Sprintf("%s = %d", c.Column, c.Value))
		}
		return strings.Join(parts, " AND ")
	}
	return "match nothing"
}

// Filter derives predicates from principals.
type Filter struct {
	registry    *Registry
	adminBypass bool
}

// Option customises a Filter.
type Option func(*Filter)

// WithSystemAdminBypass toggles the unrestricted predicate for administrators.
func WithSystemAdminBypass(enabled bool) Option {
	return func(f *Filter) {
		f.adminBypass = enabled
	}
}

// NewFilter builds a Filter over registry.
func NewFilter(registry *Registry, opts ...Option) *Filter {
	f := &Filter{registry: registry, adminBypass: true}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ScopePredicate returns the rows of kind visible to p. A principal without a
// tenant binding, or an unknown kind, yields a predicate matching nothing.
func (f *Filter) ScopePredicate(p rbac.Principal, kind string) Predicate {
	if f.adminBypass && p.IsSystemAdmin {
		return Unrestricted()
	}
	k, ok := f.registry.Lookup(kind)
	if !ok {
		return MatchNothing()
	}
	var conds []Condition
	if k.CompanyColumn != "" && p.CompanyID > 0 {
		conds = append(conds, Condition{Column: k.CompanyColumn, Value: p.CompanyID})
	}
	if k.EstablishmentColumn != "" && p.EstablishmentID > 0 {
		conds = append(conds, Condition{Column: k.EstablishmentColumn, Value: p.EstablishmentID})
	}
	return Equals(conds...)
}

// Covers reports whether target lies inside the principal's bound tenant. An
// establishment outside the principal's own establishment binding is treated
// as outside, since its company is not known here.
func (f *Filter) Covers(p rbac.Principal, target rbac.Context) bool {
	if f.adminBypass && p.IsSystemAdmin {
		return true
	}
	switch target.Type {
	case rbac.ContextSystem:
		return true
	case rbac.ContextCompany:
		return p.CompanyID > 0 && p.CompanyID == target.ID
	case rbac.ContextEstablishment:
		return p.EstablishmentID > 0 && p.EstablishmentID == target.ID
	}
	return false
}
