package scope

import (
	"testing"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecare/homecare/internal/rbac"
)

func newFilter(opts ...Option) *Filter {
	return NewFilter(NewRegistry(DefaultKinds()...), opts...)
}

var establishments = []Row{
	{"id": 10, "company_id": 1},
	{"id": 11, "company_id": 1},
	{"id": 20, "company_id": 2},
}

func filterRows(p Predicate, rows []Row) []Row {
	var out []Row
	for _, r := range rows {
		if p.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

func TestUnboundPrincipalMatchesNothing(t *testing.T) {
	pred := newFilter().ScopePredicate(rbac.Principal{UserID: 9}, "establishments")
	assert.True(t, pred.MatchesNothing())
	assert.Empty(t, filterRows(pred, establishments))

	sql, args, err := pred.Apply(squirrel.Select("id").From("establishments")).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM establishments WHERE 1 = 0", sql)
	assert.Empty(t, args)
}

func TestSystemAdminIsUnrestricted(t *testing.T) {
	admin := rbac.Principal{UserID: 1, IsSystemAdmin: true}
	pred := newFilter().ScopePredicate(admin, "establishments")
	assert.True(t, pred.IsUnrestricted())
	assert.Len(t, filterRows(pred, establishments), 3)

	sql, _, err := pred.Apply(squirrel.Select("id").From("establishments")).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM establishments WHERE TRUE", sql)

	// With the bypass disabled an unbound administrator is scoped like anyone else.
	pred = newFilter(WithSystemAdminBypass(false)).ScopePredicate(admin, "establishments")
	assert.True(t, pred.MatchesNothing())
}

func TestCompanyBoundPrincipalNeverSeesOtherCompanies(t *testing.T) {
	f := newFilter()
	for _, companyID := range []int64{1, 2, 3} {
		p := rbac.Principal{UserID: 5, CompanyID: companyID}
		pred := f.ScopePredicate(p, "establishments")
		for _, row := range establishments {
			if row["company_id"] != companyID {
				assert.False(t, pred.Matches(row), "company %d leaked row %v", companyID, row)
			}
		}
	}
	got := filterRows(f.ScopePredicate(rbac.Principal{UserID: 5, CompanyID: 1}, "establishments"), establishments)
	assert.Len(t, got, 2)
}

func TestEstablishmentBoundPrincipal(t *testing.T) {
	p := rbac.Principal{UserID: 5, CompanyID: 1, EstablishmentID: 10}
	pred := newFilter().ScopePredicate(p, "establishments")
	assert.Equal(t, []Condition{{Column: "company_id", Value: 1}, {Column: "id", Value: 10}}, pred.Conditions())
	assert.Equal(t, []Row{{"id": 10, "company_id": 1}}, filterRows(pred, establishments))

	sql, args, err := squirrel.Select("e.id").From("establishments e").
		Where(pred.SqlizerFor("e")).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT e.id FROM establishments e WHERE e.company_id = $1 AND e.id = $2", sql)
	assert.Equal(t, []any{int64(1), int64(10)}, args)
}

func TestKindWithoutPrincipalLevelMatchesNothing(t *testing.T) {
	// Menus are scoped per establishment; a company-only principal has no binding there.
	pred := newFilter().ScopePredicate(rbac.Principal{UserID: 5, CompanyID: 1}, "menus")
	assert.True(t, pred.MatchesNothing())
}

func TestUnknownKindMatchesNothing(t *testing.T) {
	pred := newFilter().ScopePredicate(rbac.Principal{UserID: 5, CompanyID: 1}, "invoices")
	assert.True(t, pred.MatchesNothing())
	assert.Equal(t, "match nothing", pred.String())
}

func TestMissingColumnDoesNotMatch(t *testing.T) {
	pred := Equals(Condition{Column: "company_id", Value: 1})
	assert.False(t, pred.Matches(Row{"id": 1}))
	assert.Equal(t, "company_id = 1", pred.String())
}

func TestCovers(t *testing.T) {
	f := newFilter()
	p := rbac.Principal{UserID: 5, CompanyID: 1, EstablishmentID: 10}
	assert.True(t, f.Covers(p, rbac.CompanyContext(1)))
	assert.False(t, f.Covers(p, rbac.CompanyContext(2)))
	assert.True(t, f.Covers(p, rbac.EstablishmentContext(10)))
	assert.False(t, f.Covers(p, rbac.EstablishmentContext(11)))
	assert.True(t, f.Covers(p, rbac.SystemContext()))
	assert.False(t, f.Covers(rbac.Principal{UserID: 6}, rbac.CompanyContext(1)))
	assert.True(t, f.Covers(rbac.Principal{UserID: 1, IsSystemAdmin: true}, rbac.CompanyContext(99)))
}
