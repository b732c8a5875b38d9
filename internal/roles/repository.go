package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/permissions"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

const roleColumns = `id, name, display_name, description, parent_role_id, is_system, is_active, is_default, priority, color, icon, max_users, user_count, created_at, updated_at, deleted_at`

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetByID(ctx context.Context, id int64) (Role, error)
	GetByName(ctx context.Context, name string) (Role, error)
	Insert(ctx context.Context, role Role) (int64, error)
	Update(ctx context.Context, role Role) error
	ClearDefault(ctx context.Context, exceptID int64) error
	CountActiveAssignments(ctx context.Context, roleID int64) (int, error)
	ReassignActiveAssignments(ctx context.Context, fromRoleID, toRoleID int64) (int, error)
	DeactivateAssignments(ctx context.Context, roleID int64) (int, error)
	DetachChildren(ctx context.Context, roleID int64) error
	Tombstone(ctx context.Context, id int64, mangledName string) error
	RecomputeUserCount(ctx context.Context, roleID int64) error
	ListGrantIDs(ctx context.Context, roleID int64) ([]int64, error)
	AttachPermission(ctx context.Context, roleID, permissionID int64) error
	DetachPermission(ctx context.Context, roleID, permissionID int64) error
	RecomputePermissionUsage(ctx context.Context, permissionID int64) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.ParentRoleID,
		&role.IsSystem, &role.IsActive, &role.IsDefault, &role.Priority, &role.Color, &role.Icon,
		&role.MaxUsers, &role.UserCount, &role.CreatedAt, &role.UpdatedAt, &role.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, shared.ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

func getRoleByID(ctx context.Context, q queryer, id int64) (Role, error) {
	return scanRole(q.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1 AND deleted_at IS NULL`, id))
}

func getRoleByName(ctx context.Context, q queryer, name string) (Role, error) {
	return scanRole(q.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1 AND deleted_at IS NULL`, name))
}

func translateUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("duplicate name: %w", shared.ErrConflict)
	}
	return err
}

// GetByID returns a role by id.
func (r *Repository) GetByID(ctx context.Context, id int64) (Role, error) {
	return getRoleByID(ctx, r.pool, id)
}

// GetByName returns a role by its unique name.
func (r *Repository) GetByName(ctx context.Context, name string) (Role, error) {
	return getRoleByName(ctx, r.pool, name)
}

// List returns all live roles ordered by priority then name.
func (r *Repository) List(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE deleted_at IS NULL ORDER BY priority DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// Children returns the direct children of a role.
func (r *Repository) Children(ctx context.Context, roleID int64) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles WHERE parent_role_id = $1 AND deleted_at IS NULL ORDER BY priority DESC, name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// DefaultRole returns the role currently flagged as default.
func (r *Repository) DefaultRole(ctx context.Context) (Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE is_default AND deleted_at IS NULL ORDER BY priority DESC LIMIT 1`))
}

// Permissions returns the permissions granted to a role through active grants.
func (r *Repository) Permissions(ctx context.Context, roleID int64) ([]permissions.Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.name, p.display_name, p.description, p.module, p.action, p.resource, p.access_level, p.scope, p.grouping, p.requires, p.is_system, p.is_active, p.usage_count, p.created_at, p.updated_at, p.deleted_at
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1 AND rp.is_active AND p.is_active AND p.deleted_at IS NULL
		ORDER BY p.module, p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []permissions.Permission
	for rows.Next() {
		var perm permissions.Permission
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.DisplayName, &perm.Description, &perm.Module, &perm.Action,
			&perm.Resource, &perm.AccessLevel, &perm.Scope, &perm.Group, &perm.Requires, &perm.IsSystem,
			&perm.IsActive, &perm.UsageCount, &perm.CreatedAt, &perm.UpdatedAt, &perm.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, perm)
	}
	return out, rows.Err()
}

func (t *txRepo) GetByID(ctx context.Context, id int64) (Role, error) {
	return getRoleByID(ctx, t.tx, id)
}

func (t *txRepo) GetByName(ctx context.Context, name string) (Role, error) {
	return getRoleByName(ctx, t.tx, name)
}

func (t *txRepo) Insert(ctx context.Context, role Role) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO roles (name, display_name, description, parent_role_id, is_system, is_active, is_default, priority, color, icon, max_users)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		role.Name, role.DisplayName, role.Description, role.ParentRoleID, role.IsSystem, role.IsActive,
		role.IsDefault, role.Priority, role.Color, role.Icon, role.MaxUsers).Scan(&id)
	if err != nil {
		return 0, translateUnique(err)
	}
	return id, nil
}

func (t *txRepo) Update(ctx context.Context, role Role) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE roles
		SET name = $2, display_name = $3, description = $4, parent_role_id = $5, is_active = $6,
		    is_default = $7, priority = $8, color = $9, icon = $10, max_users = $11, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`,
		role.ID, role.Name, role.DisplayName, role.Description, role.ParentRoleID, role.IsActive,
		role.IsDefault, role.Priority, role.Color, role.Icon, role.MaxUsers)
	if err != nil {
		return translateUnique(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ClearDefault removes the default flag from every role except the given one.
func (t *txRepo) ClearDefault(ctx context.Context, exceptID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE roles SET is_default = FALSE, updated_at = NOW() WHERE is_default AND id <> $1 AND deleted_at IS NULL`, exceptID)
	return err
}

func (t *txRepo) CountActiveAssignments(ctx context.Context, roleID int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM user_roles WHERE role_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > NOW())`, roleID).Scan(&n)
	return n, err
}

// ReassignActiveAssignments moves every active assignment to another role.
// Users already holding the replacement keep their existing row; their stale
// row is revoked instead so the (user, role) active pair stays unique.
func (t *txRepo) ReassignActiveAssignments(ctx context.Context, fromRoleID, toRoleID int64) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE user_roles SET role_id = $2, updated_at = NOW()
		WHERE role_id = $1 AND is_active
		  AND NOT EXISTS (
			SELECT 1 FROM user_roles other
			WHERE other.user_id = user_roles.user_id AND other.role_id = $2 AND other.is_active)`,
		fromRoleID, toRoleID)
	if err != nil {
		return 0, err
	}
	if _, err := t.DeactivateAssignments(ctx, fromRoleID); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// DeactivateAssignments revokes every still-active assignment of the role,
// clearing the primary flag and promoting each affected user's oldest
// remaining active assignment.
func (t *txRepo) DeactivateAssignments(ctx context.Context, roleID int64) (int, error) {
	rows, err := t.tx.Query(ctx, `
		UPDATE user_roles ur
		SET is_active = FALSE, is_primary = FALSE, revoked_at = NOW(), revocation_reason = 'role deleted', updated_at = NOW()
		FROM user_roles prev
		WHERE prev.id = ur.id AND ur.role_id = $1 AND ur.is_active
		RETURNING ur.user_id, prev.is_primary`, roleID)
	if err != nil {
		return 0, err
	}
	revoked := 0
	var demoted []int64
	for rows.Next() {
		var userID int64
		var wasPrimary bool
		if err := rows.Scan(&userID, &wasPrimary); err != nil {
			rows.Close()
			return 0, err
		}
		revoked++
		if wasPrimary {
			demoted = append(demoted, userID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, userID := range demoted {
		if _, err := t.tx.Exec(ctx, `
			UPDATE user_roles SET is_primary = TRUE, updated_at = NOW()
			WHERE id = (
				SELECT id FROM user_roles
				WHERE user_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > NOW())
				ORDER BY assigned_at
				LIMIT 1)`, userID); err != nil {
			return 0, err
		}
	}
	return revoked, nil
}

// DetachChildren turns the role's children into hierarchy roots.
func (t *txRepo) DetachChildren(ctx context.Context, roleID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE roles SET parent_role_id = NULL, updated_at = NOW() WHERE parent_role_id = $1 AND deleted_at IS NULL`, roleID)
	return err
}

// Tombstone soft-deletes the role, mangling the name to free the unique slot.
func (t *txRepo) Tombstone(ctx context.Context, id int64, mangledName string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE roles SET name = $2, is_active = FALSE, is_default = FALSE, deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id, mangledName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// RecomputeUserCount refreshes the derived user_count cache from assignment rows.
func (t *txRepo) RecomputeUserCount(ctx context.Context, roleID int64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE roles
		SET user_count = (SELECT count(*) FROM user_roles WHERE role_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > NOW()))
		WHERE id = $1`, roleID)
	return err
}

func (t *txRepo) ListGrantIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := t.tx.Query(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1 AND is_active`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AttachPermission activates (or inserts) the grant for the pair.
func (t *txRepo) AttachPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, is_active)
		VALUES ($1, $2, TRUE)
		ON CONFLICT (role_id, permission_id) DO UPDATE SET is_active = TRUE, updated_at = NOW()`,
		roleID, permissionID)
	return err
}

// DetachPermission deactivates the grant for the pair.
func (t *txRepo) DetachPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE role_permissions SET is_active = FALSE, updated_at = NOW() WHERE role_id = $1 AND permission_id = $2 AND is_active`, roleID, permissionID)
	return err
}

// RecomputePermissionUsage refreshes the permission's derived usage_count cache.
func (t *txRepo) RecomputePermissionUsage(ctx context.Context, permissionID int64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE permissions
		SET usage_count = (SELECT count(*) FROM role_permissions WHERE permission_id = $1 AND is_active)
		WHERE id = $1`, permissionID)
	return err
}
