package rbac_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecare/homecare/internal/rbac"
)

var assignmentCols = []string{"id", "user_id", "role_id", "context_type", "context_id", "status", "expires_at", "assigned_by", "assigned_at"}

func ptr[T any](v T) *T { return &v }

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestRepositoryListAssignmentsExactContext(t *testing.T) {
	mock := newMock(t)
	repo := rbac.NewRepository(mock)
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM authz_assignments WHERE \(user_id = \$1 AND context_type = \$2 AND context_id = \$3 AND status = \$4\) ORDER BY id ASC`).
		WithArgs(int64(7), "establishment", int64(10), "active").
		WillReturnRows(pgxmock.NewRows(assignmentCols).
			AddRow(int64(1), int64(7), int64(3), "establishment", ptr(int64(10)), "active", nil, ptr(int64(1)), at))

	got, err := repo.ListAssignments(context.Background(), 7, rbac.EstablishmentContext(10))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rbac.EstablishmentContext(10), got[0].Context)
	assert.EqualValues(t, 1, got[0].AssignedBy)
	assert.Nil(t, got[0].ExpiresAt)

	mock.ExpectQuery(`WHERE \(user_id = \$1 AND context_type = \$2 AND context_id IS NULL AND status = \$3\)`).
		WithArgs(int64(7), "system", "active").
		WillReturnRows(pgxmock.NewRows(assignmentCols).
			AddRow(int64(2), int64(7), int64(4), "system", nil, "active", nil, nil, at))

	got, err = repo.ListAssignments(context.Background(), 7, rbac.SystemContext())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rbac.SystemContext(), got[0].Context)
	assert.Zero(t, got[0].AssignedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCreateRoleLinksPermissionsInTransaction(t *testing.T) {
	mock := newMock(t)
	repo := rbac.NewRepository(mock)
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	mock.ExpectQuery(`INSERT INTO authz_roles \(name,label,context_type,is_system_role,is_active\) VALUES \(\$1,\$2,\$3,\$4,\$5\) RETURNING id, created_at, updated_at`).
		WithArgs("cuidador", "Cuidador", "establishment", false, true).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(3), at, at))
	mock.ExpectExec(`INSERT INTO authz_role_permissions \(role_id,permission_id\) VALUES \(\$1,\$2\),\(\$3,\$4\) ON CONFLICT DO NOTHING`).
		WithArgs(int64(3), int64(11), int64(3), int64(12)).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	role, err := repo.CreateRole(context.Background(), rbac.Role{Name: "cuidador", Label: "Cuidador", ContextType: rbac.ContextEstablishment, IsActive: true}, []int64{11, 12})
	require.NoError(t, err)
	assert.EqualValues(t, 3, role.ID)
	assert.Equal(t, at, role.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCreateRoleDuplicateRollsBack(t *testing.T) {
	mock := newMock(t)
	repo := rbac.NewRepository(mock)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	mock.ExpectQuery(`INSERT INTO authz_roles`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "authz_roles_name_key"})
	mock.ExpectRollback()

	_, err := repo.CreateRole(context.Background(), rbac.Role{Name: "cuidador", ContextType: rbac.ContextEstablishment}, nil)
	assert.ErrorIs(t, err, rbac.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryGetRoleLoadsPermissions(t *testing.T) {
	mock := newMock(t)
	repo := rbac.NewRepository(mock)
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, name, label, context_type, is_system_role, is_active, created_at, updated_at FROM authz_roles WHERE id = \$1 LIMIT 1`).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "label", "context_type", "is_system_role", "is_active", "created_at", "updated_at"}).
			AddRow(int64(3), "admin_empresa", "Administrador da Empresa", "company", true, true, at, at))
	mock.ExpectQuery(`FROM authz_role_permissions rp JOIN authz_permissions p ON p.id = rp.permission_id WHERE rp.role_id IN \(\$1\)`).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"role_id", "id", "name", "module", "resource", "action", "context_level", "description", "is_active", "created_at"}).
			AddRow(int64(3), int64(20), "clients.view", "clients", "clients", "view", "establishment", "", true, at).
			AddRow(int64(3), int64(21), "companies.view", "companies", "companies", "view", "company", "", true, at))

	role, err := repo.GetRole(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, rbac.ContextCompany, role.ContextType)
	assert.True(t, role.IsSystemRole)
	assert.Equal(t, []string{"clients.view", "companies.view"}, role.PermissionNames())
	assert.Equal(t, rbac.ContextEstablishment, role.Permissions[0].ContextLevel)

	mock.ExpectQuery(`FROM authz_roles WHERE id = \$1`).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "label", "context_type", "is_system_role", "is_active", "created_at", "updated_at"}))
	_, err = repo.GetRole(context.Background(), 4)
	assert.ErrorIs(t, err, rbac.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryUpdatesReportMissingRows(t *testing.T) {
	mock := newMock(t)
	repo := rbac.NewRepository(mock)

	mock.ExpectExec(`UPDATE authz_roles SET is_active = \$1, updated_at = NOW\(\) WHERE id = \$2`).
		WithArgs(false, int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	assert.ErrorIs(t, repo.SetRoleActive(context.Background(), 9, false), rbac.ErrNotFound)

	mock.ExpectExec(`UPDATE authz_assignments SET status = \$1 WHERE id = \$2`).
		WithArgs("suspended", int64(5)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	assert.NoError(t, repo.UpdateAssignmentStatus(context.Background(), 5, rbac.StatusSuspended))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCreateAssignment(t *testing.T) {
	mock := newMock(t)
	repo := rbac.NewRepository(mock)
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	a := rbac.Assignment{UserID: 7, RoleID: 3, Context: rbac.SystemContext(), Status: rbac.StatusActive, AssignedAt: at}

	mock.ExpectQuery(`INSERT INTO authz_assignments .* RETURNING id`).
		WithArgs(int64(7), int64(3), "system", (*int64)(nil), "active", (*time.Time)(nil), (*int64)(nil), at).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(40)))
	got, err := repo.CreateAssignment(context.Background(), a)
	require.NoError(t, err)
	assert.EqualValues(t, 40, got.ID)

	mock.ExpectQuery(`INSERT INTO authz_assignments`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "authz_assignments_active_uniq"})
	_, err = repo.CreateAssignment(context.Background(), a)
	assert.ErrorIs(t, err, rbac.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryExpireAssignments(t *testing.T) {
	mock := newMock(t)
	repo := rbac.NewRepository(mock)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)

	mock.ExpectQuery(`UPDATE authz_assignments SET status = \$1 WHERE status = \$2 AND expires_at <= \$3 RETURNING id, user_id, role_id`).
		WithArgs("inactive", "active", now).
		WillReturnRows(pgxmock.NewRows(assignmentCols).
			AddRow(int64(1), int64(7), int64(3), "company", ptr(int64(2)), "inactive", &expired, nil, now.Add(-48*time.Hour)))

	got, err := repo.ExpireAssignments(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rbac.CompanyContext(2), got[0].Context)
	assert.Equal(t, rbac.StatusInactive, got[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryRoleHolders(t *testing.T) {
	mock := newMock(t)
	repo := rbac.NewRepository(mock)

	mock.ExpectQuery(`SELECT DISTINCT user_id FROM authz_assignments WHERE role_id IN \(\$1,\$2\) ORDER BY user_id ASC`).
		WithArgs(int64(3), int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow(int64(7)).AddRow(int64(8)))

	users, err := repo.RoleHolders(context.Background(), []int64{3, 4})
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, users)

	users, err = repo.RoleHolders(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, users)
	require.NoError(t, mock.ExpectationsWereMet())
}
