package assignments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/roles"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

const assignmentColumns = `id, user_id, role_id, is_active, is_primary, expires_at, context, assignment_reason, conditions, assigned_by, assigned_at, revoked_by, revoked_at, revocation_reason, created_at, updated_at`

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
	// GetRoleForUpdate locks the role row so concurrent counter updates on
	// the same role serialize.
	GetRoleForUpdate(ctx context.Context, roleID int64) (roles.Role, error)
	GetActive(ctx context.Context, userID, roleID int64) (Assignment, error)
	Insert(ctx context.Context, assignment Assignment) (int64, error)
	DemotePrimary(ctx context.Context, userID int64) error
	PromoteOldest(ctx context.Context, userID int64) (int64, error)
	SetPrimary(ctx context.Context, assignmentID int64) error
	Revoke(ctx context.Context, assignmentID, revokedBy int64, reason string) error
	RecomputeUserCount(ctx context.Context, roleID int64) error
	ListActiveForUser(ctx context.Context, userID int64) ([]Assignment, error)
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

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	var conditions []byte
	err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.IsActive, &a.IsPrimary, &a.ExpiresAt, &a.Context,
		&a.AssignmentReason, &conditions, &a.AssignedBy, &a.AssignedAt, &a.RevokedBy, &a.RevokedAt,
		&a.RevocationReason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, shared.ErrNotFound
		}
		return Assignment{}, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &a.Conditions); err != nil {
			return Assignment{}, err
		}
	}
	return a, nil
}

// GetActive returns the active assignment for the (user, role) pair.
func (r *Repository) GetActive(ctx context.Context, userID, roleID int64) (Assignment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM user_roles WHERE user_id = $1 AND role_id = $2 AND is_active`, userID, roleID)
	return scanAssignment(row)
}

// ListForUser returns the user's assignments joined with their roles.
// The expiry filter applies at read time regardless of IncludeInactive.
func (r *Repository) ListForUser(ctx context.Context, userID int64, opts ListOptions) ([]UserRole, error) {
	where := []string{"ur.user_id = $1", "r.deleted_at IS NULL"}
	if !opts.IncludeInactive {
		where = append(where, "ur.is_active")
	}
	if !opts.IncludeExpired {
		where = append(where, "(ur.expires_at IS NULL OR ur.expires_at > NOW())")
	}
	query := `
		SELECT ur.id, ur.user_id, ur.role_id, ur.is_active, ur.is_primary, ur.expires_at, ur.context,
		       ur.assignment_reason, ur.conditions, ur.assigned_by, ur.assigned_at, ur.revoked_by,
		       ur.revoked_at, ur.revocation_reason, ur.created_at, ur.updated_at,
		       r.id, r.name, r.display_name, r.description, r.parent_role_id, r.is_system, r.is_active,
		       r.is_default, r.priority, r.color, r.icon, r.max_users, r.user_count, r.created_at, r.updated_at, r.deleted_at
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY ur.is_primary DESC, ur.assigned_at`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserRole
	for rows.Next() {
		var ur UserRole
		var conditions []byte
		a := &ur.Assignment
		role := &ur.Role
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.IsActive, &a.IsPrimary, &a.ExpiresAt, &a.Context,
			&a.AssignmentReason, &conditions, &a.AssignedBy, &a.AssignedAt, &a.RevokedBy, &a.RevokedAt,
			&a.RevocationReason, &a.CreatedAt, &a.UpdatedAt,
			&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.ParentRoleID, &role.IsSystem,
			&role.IsActive, &role.IsDefault, &role.Priority, &role.Color, &role.Icon, &role.MaxUsers,
			&role.UserCount, &role.CreatedAt, &role.UpdatedAt, &role.DeletedAt); err != nil {
			return nil, err
		}
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &a.Conditions); err != nil {
				return nil, err
			}
		}
		out = append(out, ur)
	}
	return out, rows.Err()
}

// ListForRole returns one page of the role's assignments joined with their
// users, plus the total match count. Query matches user name or email.
func (r *Repository) ListForRole(ctx context.Context, roleID int64, opts ListOptions, page shared.Pagination) ([]RoleUser, int, error) {
	where := []string{"ur.role_id = $1"}
	args := []any{roleID}
	if !opts.IncludeInactive {
		where = append(where, "ur.is_active")
	}
	if !opts.IncludeExpired {
		where = append(where, "(ur.expires_at IS NULL OR ur.expires_at > NOW())")
	}
	if opts.Query != "" {
		args = append(args, "%"+opts.Query+"%")
		where = append(where, "(u.name ILIKE $2 OR u.email ILIKE $2)")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM user_roles ur JOIN users u ON u.id = ur.user_id WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.PerPage, page.Offset())
	query := `
		SELECT ur.id, ur.user_id, ur.role_id, ur.is_active, ur.is_primary, ur.expires_at, ur.context,
		       ur.assignment_reason, ur.conditions, ur.assigned_by, ur.assigned_at, ur.revoked_by,
		       ur.revoked_at, ur.revocation_reason, ur.created_at, ur.updated_at,
		       u.id, u.email, u.name, u.is_active, u.created_at, u.updated_at
		FROM user_roles ur
		JOIN users u ON u.id = ur.user_id
		WHERE ` + cond + `
		ORDER BY ur.assigned_at` + fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []RoleUser
	for rows.Next() {
		var ru RoleUser
		var conditions []byte
		a := &ru.Assignment
		u := &ru.User
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.IsActive, &a.IsPrimary, &a.ExpiresAt, &a.Context,
			&a.AssignmentReason, &conditions, &a.AssignedBy, &a.AssignedAt, &a.RevokedBy, &a.RevokedAt,
			&a.RevocationReason, &a.CreatedAt, &a.UpdatedAt,
			&u.ID, &u.Email, &u.Name, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, 0, err
		}
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &a.Conditions); err != nil {
				return nil, 0, err
			}
		}
		out = append(out, ru)
	}
	return out, total, rows.Err()
}

// ListExpiredActive returns assignments whose expiry has passed while the
// active flag is still set. Used by the sweep job.
func (r *Repository) ListExpiredActive(ctx context.Context, limit int) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+assignmentColumns+` FROM user_roles WHERE is_active AND expires_at IS NOT NULL AND expires_at <= NOW() ORDER BY expires_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *txRepo) GetRoleForUpdate(ctx context.Context, roleID int64) (roles.Role, error) {
	var role roles.Role
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, display_name, description, parent_role_id, is_system, is_active, is_default, priority, color, icon, max_users, user_count, created_at, updated_at, deleted_at
		FROM roles WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, roleID).
		Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.ParentRoleID, &role.IsSystem,
			&role.IsActive, &role.IsDefault, &role.Priority, &role.Color, &role.Icon, &role.MaxUsers,
			&role.UserCount, &role.CreatedAt, &role.UpdatedAt, &role.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return roles.Role{}, shared.ErrNotFound
		}
		return roles.Role{}, err
	}
	return role, nil
}

func (t *txRepo) GetActive(ctx context.Context, userID, roleID int64) (Assignment, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+assignmentColumns+` FROM user_roles WHERE user_id = $1 AND role_id = $2 AND is_active FOR UPDATE`, userID, roleID)
	return scanAssignment(row)
}

func (t *txRepo) Insert(ctx context.Context, a Assignment) (int64, error) {
	conditions, err := json.Marshal(a.Conditions)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, `
		INSERT INTO user_roles (user_id, role_id, is_active, is_primary, expires_at, context, assignment_reason, conditions, assigned_by, assigned_at)
		VALUES ($1, $2, TRUE, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))
		RETURNING id`,
		a.UserID, a.RoleID, a.IsPrimary, a.ExpiresAt, a.Context, a.AssignmentReason, conditions, a.AssignedBy, nullTime(a.AssignedAt)).Scan(&id)
	return id, err
}

// DemotePrimary clears the primary flag from the user's active assignments.
func (t *txRepo) DemotePrimary(ctx context.Context, userID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE user_roles SET is_primary = FALSE, updated_at = NOW() WHERE user_id = $1 AND is_active AND is_primary`, userID)
	return err
}

// PromoteOldest promotes the user's oldest remaining active non-expired
// assignment to primary. Returns 0 when none remain.
func (t *txRepo) PromoteOldest(ctx context.Context, userID int64) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		SELECT id FROM user_roles
		WHERE user_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY assigned_at
		LIMIT 1 FOR UPDATE`, userID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	if err := t.SetPrimary(ctx, id); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *txRepo) SetPrimary(ctx context.Context, assignmentID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE user_roles SET is_primary = TRUE, updated_at = NOW() WHERE id = $1`, assignmentID)
	return err
}

// Revoke marks the assignment inactive and stamps revocation metadata.
func (t *txRepo) Revoke(ctx context.Context, assignmentID, revokedBy int64, reason string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE user_roles
		SET is_active = FALSE, is_primary = FALSE, revoked_by = $2, revoked_at = NOW(), revocation_reason = $3, updated_at = NOW()
		WHERE id = $1 AND is_active`, assignmentID, revokedBy, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// RecomputeUserCount refreshes the role's derived user_count cache.
func (t *txRepo) RecomputeUserCount(ctx context.Context, roleID int64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE roles
		SET user_count = (SELECT count(*) FROM user_roles WHERE role_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > NOW()))
		WHERE id = $1`, roleID)
	return err
}

func (t *txRepo) ListActiveForUser(ctx context.Context, userID int64) ([]Assignment, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+assignmentColumns+` FROM user_roles WHERE user_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > NOW()) ORDER BY assigned_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
