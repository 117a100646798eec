package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/homecare/homecare/internal/shared"
)

// PermissionTemplate declares a catalog entry created by seeding.
type PermissionTemplate struct {
	Name         string
	ContextLevel ContextType
	Description  string
}

// RoleTemplate is a named permission bundle seeded once. Templates replace the
// numeric levels of the legacy user model.
type RoleTemplate struct {
	Name        string
	Label       string
	ContextType ContextType
	Permissions []string
	// LegacyMinLevel is the lowest legacy level mapped onto this template.
	LegacyMinLevel int
}

// DefaultPermissions is the baseline catalog.
func DefaultPermissions() []PermissionTemplate {
	return []PermissionTemplate{
		{shared.PermSystemAdmin, ContextSystem, "Administer the platform"},
		{shared.PermPermissionsView, ContextSystem, "View the permission catalog"},
		{shared.PermPermissionsEdit, ContextSystem, "Manage the permission catalog"},
		{shared.PermRolesEdit, ContextSystem, "Manage roles"},
		{shared.PermCompaniesView, ContextCompany, "View companies"},
		{shared.PermCompaniesEdit, ContextCompany, "Manage companies"},
		{shared.PermRolesView, ContextCompany, "View roles"},
		{shared.PermAuditView, ContextCompany, "View authorization audit events"},
		{shared.PermEstablishmentsView, ContextEstablishment, "View establishments"},
		{shared.PermEstablishmentsEdit, ContextEstablishment, "Manage establishments"},
		{shared.PermUsersView, ContextEstablishment, "View users"},
		{shared.PermUsersEdit, ContextEstablishment, "Manage users"},
		{shared.PermAssignmentsView, ContextEstablishment, "View role assignments"},
		{shared.PermAssignmentsEdit, ContextEstablishment, "Grant and revoke role assignments"},
		{shared.PermClientsView, ContextEstablishment, "View clients"},
		{shared.PermClientsEdit, ContextEstablishment, "Manage clients"},
		{shared.PermContractsView, ContextEstablishment, "View contracts"},
		{shared.PermContractsEdit, ContextEstablishment, "Manage contracts"},
		{shared.PermMenusView, ContextEstablishment, "View menus"},
	}
}

// RoleTemplates returns the protected role bundles, broadest first.
func RoleTemplates() []RoleTemplate {
	all := make([]string, 0, len(DefaultPermissions()))
	for _, p := range DefaultPermissions() {
		all = append(all, p.Name)
	}
	return []RoleTemplate{
		{
			Name:           "super_admin",
			Label:          "Super Admin",
			ContextType:    ContextSystem,
			Permissions:    all,
			LegacyMinLevel: 100,
		},
		{
			Name:        "admin_empresa",
			Label:       "Administrador da Empresa",
			ContextType: ContextCompany,
			Permissions: []string{
				shared.PermCompaniesView, shared.PermCompaniesEdit, shared.PermRolesView, shared.PermAuditView,
				shared.PermEstablishmentsView, shared.PermEstablishmentsEdit,
				shared.PermUsersView, shared.PermUsersEdit,
				shared.PermAssignmentsView, shared.PermAssignmentsEdit,
				shared.PermClientsView, shared.PermClientsEdit,
				shared.PermContractsView, shared.PermContractsEdit, shared.PermMenusView,
			},
			LegacyMinLevel: 80,
		},
		{
			Name:           "admin_estabelecimento",
			Label:          "Administrador do Estabelecimento",
			ContextType:    ContextEstablishment,
			Permissions:    []string{shared.PermEstablishmentsEdit, shared.PermUsersView},
			LegacyMinLevel: 50,
		},
		{
			Name:        "operador",
			Label:       "Operador",
			ContextType: ContextEstablishment,
			Permissions: []string{
				shared.PermClientsView, shared.PermClientsEdit,
				shared.PermContractsView, shared.PermMenusView,
			},
			LegacyMinLevel: 0,
		},
	}
}

// TemplateForLegacyLevel maps a legacy numeric level onto a template name. It
// exists only for the one-time data migration.
func TemplateForLegacyLevel(level int) (RoleTemplate, bool) {
	templates := RoleTemplates()
	sort.Slice(templates, func(i, j int) bool { return templates[i].LegacyMinLevel > templates[j].LegacyMinLevel })
	for _, t := range templates {
		if level >= t.LegacyMinLevel {
			return t, true
		}
	}
	return RoleTemplate{}, false
}

// SeedReport summarises a seeding run.
type SeedReport struct {
	PermissionsCreated int
	RolesCreated       int
	RolesUpdated       int
}

// SeedTemplates creates missing permissions and converges the template roles.
// Running it twice is a no-op. Writes go through the service so holders of
// updated templates are invalidated.
func (s *Service) SeedTemplates(ctx context.Context, actor Principal) (SeedReport, error) {
	var report SeedReport
	if !actor.IsSystemAdmin {
		return report, ErrPermissionDenied
	}
	if _, err := s.catalog.Refresh(ctx); err != nil {
		return report, err
	}
	for _, p := range DefaultPermissions() {
		if _, ok := s.catalog.Current().Lookup(p.Name); ok {
			continue
		}
		if _, err := s.CreatePermission(ctx, actor, CreatePermissionInput{
			Name:         p.Name,
			ContextLevel: string(p.ContextLevel),
			Description:  p.Description,
		}); err != nil && !errors.Is(err, ErrDuplicate) {
			return report, fmt.Errorf("seed permission %s: %w", p.Name, err)
		}
		report.PermissionsCreated++
	}
	for _, t := range RoleTemplates() {
		existing, err := s.store.GetRoleByName(ctx, t.Name)
		switch {
		case errors.Is(err, ErrNotFound):
			if _, err := s.CreateRole(ctx, actor, CreateRoleInput{
				Name:         t.Name,
				Label:        t.Label,
				ContextType:  string(t.ContextType),
				Permissions:  t.Permissions,
				IsSystemRole: true,
			}); err != nil {
				return report, fmt.Errorf("seed role %s: %w", t.Name, err)
			}
			report.RolesCreated++
		case err != nil:
			return report, err
		default:
			if NewPermissionSet(existing.PermissionNames()...).Equal(NewPermissionSet(t.Permissions...)) {
				continue
			}
			if _, err := s.SetRolePermissions(ctx, actor, existing.ID, t.Permissions); err != nil {
				return report, fmt.Errorf("seed role %s: %w", t.Name, err)
			}
			report.RolesUpdated++
		}
	}
	return report, nil
}
