package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/homecare/homecare/internal/platform/db"
)

// DBTX is the pgx surface used by the repository.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists the authorization tables in PostgreSQL.
type Repository struct {
	db      DBTX
	builder squirrel.StatementBuilderType
}

// NewRepository constructs a Repository.
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db, builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)}
}

var _ Store = (*Repository)(nil)

var (
	permissionColumns = []string{"id", "name", "module", "resource", "action", "context_level", "description", "is_active", "created_at"}
	roleColumns       = []string{"id", "name", "label", "context_type", "is_system_role", "is_active", "created_at", "updated_at"}
	assignmentColumns = []string{"id", "user_id", "role_id", "context_type", "context_id", "status", "expires_at", "assigned_by", "assigned_at"}
)

// ListPermissions implements Store.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	stmt, args, err := r.builder.Select(permissionColumns...).From("authz_permissions").OrderBy("name ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list permissions sql: %w", err)
	}
	rows, err := r.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permissions: %w", err)
	}
	return perms, nil
}

// CreatePermission implements Store.
func (r *Repository) CreatePermission(ctx context.Context, p Permission) (Permission, error) {
	stmt, args, err := r.builder.Insert("authz_permissions").
		Columns("name", "module", "resource", "action", "context_level", "description", "is_active").
		Values(p.Name, p.Module, p.Resource, p.Action, string(p.ContextLevel), p.Description, p.IsActive).
		Suffix("RETURNING id, created_at").
		ToSql()
	if err != nil {
		return Permission{}, fmt.Errorf("build insert permission sql: %w", err)
	}
	if err := r.db.QueryRow(ctx, stmt, args...).Scan(&p.ID, &p.CreatedAt); err != nil {
		return Permission{}, translateError("insert permission", err)
	}
	return p, nil
}

// SetPermissionActive implements Store.
func (r *Repository) SetPermissionActive(ctx context.Context, id int64, active bool) error {
	stmt, args, err := r.builder.Update("authz_permissions").
		Set("is_active", active).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update permission sql: %w", err)
	}
	return r.execOne(ctx, r.db, "update permission", stmt, args)
}

// ListRoles implements Store.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	return r.selectRoles(ctx, r.builder.Select(roleColumns...).From("authz_roles").OrderBy("name ASC"))
}

// RolesByID implements RoleReader.
func (r *Repository) RolesByID(ctx context.Context, ids []int64) ([]Role, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.selectRoles(ctx, r.builder.Select(roleColumns...).From("authz_roles").Where(squirrel.Eq{"id": ids}).OrderBy("id ASC"))
}

// GetRole implements Store.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	roles, err := r.selectRoles(ctx, r.builder.Select(roleColumns...).From("authz_roles").Where(squirrel.Eq{"id": id}).Limit(1))
	if err != nil {
		return Role{}, err
	}
	if len(roles) == 0 {
		return Role{}, ErrNotFound
	}
	return roles[0], nil
}

// GetRoleByName implements Store.
func (r *Repository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	roles, err := r.selectRoles(ctx, r.builder.Select(roleColumns...).From("authz_roles").Where(squirrel.Eq{"name": name}).Limit(1))
	if err != nil {
		return Role{}, err
	}
	if len(roles) == 0 {
		return Role{}, ErrNotFound
	}
	return roles[0], nil
}

// CreateRole implements Store. The role row and its permission links are written atomically.
func (r *Repository) CreateRole(ctx context.Context, role Role, permissionIDs []int64) (Role, error) {
	err := db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		stmt, args, err := r.builder.Insert("authz_roles").
			Columns("name", "label", "context_type", "is_system_role", "is_active").
			Values(role.Name, role.Label, string(role.ContextType), role.IsSystemRole, role.IsActive).
			Suffix("RETURNING id, created_at, updated_at").
			ToSql()
		if err != nil {
			return fmt.Errorf("build insert role sql: %w", err)
		}
		if err := tx.QueryRow(ctx, stmt, args...).Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return translateError("insert role", err)
		}
		return r.linkPermissions(ctx, tx, role.ID, permissionIDs)
	})
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// SetRoleActive implements Store.
func (r *Repository) SetRoleActive(ctx context.Context, id int64, active bool) error {
	stmt, args, err := r.builder.Update("authz_roles").
		Set("is_active", active).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update role sql: %w", err)
	}
	return r.execOne(ctx, r.db, "update role", stmt, args)
}

// ReplaceRolePermissions implements Store.
func (r *Repository) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return db.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		stmt, args, err := r.builder.Delete("authz_role_permissions").Where(squirrel.Eq{"role_id": roleID}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete role permissions sql: %w", err)
		}
		if _, err := tx.Exec(ctx, stmt, args...); err != nil {
			return fmt.Errorf("delete role permissions: %w", err)
		}
		if err := r.linkPermissions(ctx, tx, roleID, permissionIDs); err != nil {
			return err
		}
		stmt, args, err = r.builder.Update("authz_roles").
			Set("updated_at", squirrel.Expr("NOW()")).
			Where(squirrel.Eq{"id": roleID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build touch role sql: %w", err)
		}
		return r.execOne(ctx, tx, "touch role", stmt, args)
	})
}

// RoleHolders implements Store.
func (r *Repository) RoleHolders(ctx context.Context, roleIDs []int64) ([]int64, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	stmt, args, err := r.builder.Select("DISTINCT user_id").
		From("authz_assignments").
		Where(squirrel.Eq{"role_id": roleIDs}).
		OrderBy("user_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build role holders sql: %w", err)
	}
	return r.selectIDs(ctx, "role holders", stmt, args)
}

// RolesWithPermission implements Store.
func (r *Repository) RolesWithPermission(ctx context.Context, permissionID int64) ([]int64, error) {
	stmt, args, err := r.builder.Select("role_id").
		From("authz_role_permissions").
		Where(squirrel.Eq{"permission_id": permissionID}).
		OrderBy("role_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build roles with permission sql: %w", err)
	}
	return r.selectIDs(ctx, "roles with permission", stmt, args)
}

// ListAssignments implements AssignmentReader. Expiry is filtered by the resolver.
func (r *Repository) ListAssignments(ctx context.Context, userID int64, c Context) ([]Assignment, error) {
	where := squirrel.And{
		squirrel.Eq{"user_id": userID},
		squirrel.Eq{"context_type": string(c.Type)},
		squirrel.Eq{"context_id": c.NullableID()},
		squirrel.Eq{"status": string(StatusActive)},
	}
	return r.selectAssignments(ctx, r.builder.Select(assignmentColumns...).From("authz_assignments").Where(where).OrderBy("id ASC"))
}

// GetAssignment implements Store.
func (r *Repository) GetAssignment(ctx context.Context, id int64) (Assignment, error) {
	items, err := r.selectAssignments(ctx, r.builder.Select(assignmentColumns...).From("authz_assignments").Where(squirrel.Eq{"id": id}).Limit(1))
	if err != nil {
		return Assignment{}, err
	}
	if len(items) == 0 {
		return Assignment{}, ErrNotFound
	}
	return items[0], nil
}

// ListUserAssignments implements Store.
func (r *Repository) ListUserAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	return r.selectAssignments(ctx, r.builder.Select(assignmentColumns...).From("authz_assignments").Where(squirrel.Eq{"user_id": userID}).OrderBy("id ASC"))
}

// CreateAssignment implements Store. The partial unique index on active rows
// surfaces as ErrDuplicate.
func (r *Repository) CreateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	var assignedBy *int64
	if a.AssignedBy > 0 {
		assignedBy = &a.AssignedBy
	}
	stmt, args, err := r.builder.Insert("authz_assignments").
		Columns("user_id", "role_id", "context_type", "context_id", "status", "expires_at", "assigned_by", "assigned_at").
		Values(a.UserID, a.RoleID, string(a.Context.Type), a.Context.NullableID(), string(a.Status), a.ExpiresAt, assignedBy, a.AssignedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return Assignment{}, fmt.Errorf("build insert assignment sql: %w", err)
	}
	if err := r.db.QueryRow(ctx, stmt, args...).Scan(&a.ID); err != nil {
		return Assignment{}, translateError("insert assignment", err)
	}
	return a, nil
}

// UpdateAssignmentStatus implements Store.
func (r *Repository) UpdateAssignmentStatus(ctx context.Context, id int64, status AssignmentStatus) error {
	stmt, args, err := r.builder.Update("authz_assignments").
		Set("status", string(status)).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update assignment sql: %w", err)
	}
	return r.execOne(ctx, r.db, "update assignment", stmt, args)
}

// ExpireAssignments implements Store.
func (r *Repository) ExpireAssignments(ctx context.Context, now time.Time) ([]Assignment, error) {
	stmt, args, err := r.builder.Update("authz_assignments").
		Set("status", string(StatusInactive)).
		Where(squirrel.Eq{"status": string(StatusActive)}).
		Where(squirrel.LtOrEq{"expires_at": now}).
		Suffix("RETURNING " + strings.Join(assignmentColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build expire assignments sql: %w", err)
	}
	rows, err := r.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("expire assignments: %w", err)
	}
	return collectAssignments(rows)
}

func (r *Repository) selectRoles(ctx context.Context, q squirrel.SelectBuilder) ([]Role, error) {
	stmt, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select roles sql: %w", err)
	}
	rows, err := r.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	var (
		roles []Role
		ids   []int64
	)
	for rows.Next() {
		var (
			role Role
			ct   string
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.Label, &ct, &role.IsSystemRole, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan role: %w", err)
		}
		role.ContextType = ContextType(ct)
		roles = append(roles, role)
		ids = append(ids, role.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	if len(ids) == 0 {
		return roles, nil
	}
	perms, err := r.rolePermissions(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range roles {
		roles[i].Permissions = perms[roles[i].ID]
	}
	return roles, nil
}

func (r *Repository) rolePermissions(ctx context.Context, roleIDs []int64) (map[int64][]Permission, error) {
	cols := []string{"rp.role_id"}
	for _, c := range permissionColumns {
		cols = append(cols, "p."+c)
	}
	stmt, args, err := r.builder.Select(cols...).
		From("authz_role_permissions rp").
		Join("authz_permissions p ON p.id = rp.permission_id").
		Where(squirrel.Eq{"rp.role_id": roleIDs}).
		OrderBy("rp.role_id ASC", "p.name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build role permissions sql: %w", err)
	}
	rows, err := r.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query role permissions: %w", err)
	}
	defer rows.Close()
	out := make(map[int64][]Permission, len(roleIDs))
	for rows.Next() {
		var (
			roleID int64
			p      Permission
			level  string
		)
		if err := rows.Scan(&roleID, &p.ID, &p.Name, &p.Module, &p.Resource, &p.Action, &level, &p.Description, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan role permission: %w", err)
		}
		p.ContextLevel = ContextType(level)
		out[roleID] = append(out[roleID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role permissions: %w", err)
	}
	return out, nil
}

func (r *Repository) linkPermissions(ctx context.Context, q querier, roleID int64, permissionIDs []int64) error {
	if len(permissionIDs) == 0 {
		return nil
	}
	insert := r.builder.Insert("authz_role_permissions").Columns("role_id", "permission_id")
	for _, id := range permissionIDs {
		insert = insert.Values(roleID, id)
	}
	stmt, args, err := insert.Suffix("ON CONFLICT DO NOTHING").ToSql()
	if err != nil {
		return fmt.Errorf("build link permissions sql: %w", err)
	}
	if _, err := q.Exec(ctx, stmt, args...); err != nil {
		return translateError("link permissions", err)
	}
	return nil
}

func (r *Repository) selectAssignments(ctx context.Context, q squirrel.SelectBuilder) ([]Assignment, error) {
	stmt, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select assignments sql: %w", err)
	}
	rows, err := r.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	return collectAssignments(rows)
}

func (r *Repository) selectIDs(ctx context.Context, op, stmt string, args []any) ([]int64, error) {
	rows, err := r.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect %s: %w", op, err)
	}
	return ids, nil
}

func (r *Repository) execOne(ctx context.Context, q querier, op, stmt string, args []any) error {
	tag, err := q.Exec(ctx, stmt, args...)
	if err != nil {
		return translateError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectAssignments(rows pgx.Rows) ([]Assignment, error) {
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var (
			a          Assignment
			ct, status string
			contextID  *int64
			assignedBy *int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &ct, &contextID, &status, &a.ExpiresAt, &assignedBy, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.Context = Context{Type: ContextType(ct)}
		if contextID != nil {
			a.Context.ID = *contextID
		}
		if assignedBy != nil {
			a.AssignedBy = *assignedBy
		}
		a.Status = AssignmentStatus(status)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return out, nil
}

func scanPermission(row pgx.Row) (Permission, error) {
	var (
		p     Permission
		level string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Module, &p.Resource, &p.Action, &level, &p.Description, &p.IsActive, &p.CreatedAt); err != nil {
		return Permission{}, fmt.Errorf("scan permission: %w", err)
	}
	p.ContextLevel = ContextType(level)
	return p, nil
}

func translateError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case "23503", "23514":
			return fmt.Errorf("%w: %s", ErrValidation, pgErr.ConstraintName)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
