package permissions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

const permissionColumns = `id, name, display_name, description, module, action, resource, access_level, scope, grouping, requires, is_system, is_active, usage_count, created_at, updated_at, deleted_at`

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
	GetByID(ctx context.Context, id int64) (Permission, error)
	GetByName(ctx context.Context, name string) (Permission, error)
	Insert(ctx context.Context, perm Permission) (int64, error)
	Update(ctx context.Context, perm Permission) error
	Tombstone(ctx context.Context, id int64, mangledName string) error
	CountActiveGrants(ctx context.Context, id int64) (int, error)
	RevokeGrants(ctx context.Context, id int64) (int, error)
	RecomputeUsage(ctx context.Context, id int64) error
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

func scanPermission(row pgx.Row) (Permission, error) {
	var perm Permission
	err := row.Scan(&perm.ID, &perm.Name, &perm.DisplayName, &perm.Description, &perm.Module, &perm.Action,
		&perm.Resource, &perm.AccessLevel, &perm.Scope, &perm.Group, &perm.Requires, &perm.IsSystem,
		&perm.IsActive, &perm.UsageCount, &perm.CreatedAt, &perm.UpdatedAt, &perm.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, shared.ErrNotFound
		}
		return Permission{}, err
	}
	return perm, nil
}

func getByID(ctx context.Context, q queryer, id int64) (Permission, error) {
	row := q.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanPermission(row)
}

func getByName(ctx context.Context, q queryer, name string) (Permission, error) {
	row := q.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1 AND deleted_at IS NULL`, name)
	return scanPermission(row)
}

func insertPermission(ctx context.Context, q queryer, perm Permission) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO permissions (name, display_name, description, module, action, resource, access_level, scope, grouping, requires, is_system, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		perm.Name, perm.DisplayName, perm.Description, perm.Module, perm.Action, perm.Resource,
		perm.AccessLevel, perm.Scope, perm.Group, perm.Requires, perm.IsSystem, perm.IsActive).Scan(&id)
	if err != nil {
		return 0, translateUnique(err)
	}
	return id, nil
}

func updatePermission(ctx context.Context, q queryer, perm Permission) error {
	tag, err := q.Exec(ctx, `
		UPDATE permissions
		SET name = $2, display_name = $3, description = $4, module = $5, action = $6, resource = $7,
		    access_level = $8, scope = $9, grouping = $10, requires = $11, is_active = $12, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`,
		perm.ID, perm.Name, perm.DisplayName, perm.Description, perm.Module, perm.Action, perm.Resource,
		perm.AccessLevel, perm.Scope, perm.Group, perm.Requires, perm.IsActive)
	if err != nil {
		return translateUnique(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// translateUnique maps Postgres unique violations onto the conflict sentinel.
func translateUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("duplicate name: %w", shared.ErrConflict)
	}
	return err
}

// GetByID returns the permission with the given id.
func (r *Repository) GetByID(ctx context.Context, id int64) (Permission, error) {
	return getByID(ctx, r.pool, id)
}

// Create inserts a new permission and returns the stored row.
func (r *Repository) Create(ctx context.Context, perm Permission) (Permission, error) {
	id, err := insertPermission(ctx, r.pool, perm)
	if err != nil {
		return Permission{}, err
	}
	return getByID(ctx, r.pool, id)
}

// Update rewrites a permission row.
func (r *Repository) Update(ctx context.Context, perm Permission) error {
	return updatePermission(ctx, r.pool, perm)
}

// GetByName returns the permission with the given name.
func (r *Repository) GetByName(ctx context.Context, name string) (Permission, error) {
	return getByName(ctx, r.pool, name)
}

// Search returns one page of permissions matching the filter plus the total count.
func (r *Repository) Search(ctx context.Context, filter SearchFilter, page shared.Pagination) ([]Permission, int, error) {
	where := []string{"deleted_at IS NULL"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Query != "" {
		p := arg("%" + filter.Query + "%")
		where = append(where, fmt.Sprintf("(name ILIKE %s OR display_name ILIKE %s OR description ILIKE %s)", p, p, p))
	}
	if filter.Module != "" {
		where = append(where, "module = "+arg(filter.Module))
	}
	if filter.Action != "" {
		where = append(where, "action = "+arg(filter.Action))
	}
	if filter.AccessLevel != "" {
		where = append(where, "access_level = "+arg(string(filter.AccessLevel)))
	}
	if filter.Scope != "" {
		where = append(where, "scope = "+arg(string(filter.Scope)))
	}
	if filter.Group != "" {
		where = append(where, "grouping = "+arg(filter.Group))
	}
	if filter.IsActive != nil {
		where = append(where, "is_active = "+arg(*filter.IsActive))
	}
	if filter.IsSystem != nil {
		where = append(where, "is_system = "+arg(*filter.IsSystem))
	}
	if filter.InUse != nil {
		if *filter.InUse {
			where = append(where, "usage_count > 0")
		} else {
			where = append(where, "usage_count = 0")
		}
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM permissions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE ` + cond +
		` ORDER BY module, name LIMIT ` + arg(page.PerPage) + ` OFFSET ` + arg(page.Offset())
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, perm)
	}
	return out, total, rows.Err()
}

func (t *txRepo) GetByID(ctx context.Context, id int64) (Permission, error) {
	return getByID(ctx, t.tx, id)
}

func (t *txRepo) GetByName(ctx context.Context, name string) (Permission, error) {
	return getByName(ctx, t.tx, name)
}

func (t *txRepo) Insert(ctx context.Context, perm Permission) (int64, error) {
	return insertPermission(ctx, t.tx, perm)
}

func (t *txRepo) Update(ctx context.Context, perm Permission) error {
	return updatePermission(ctx, t.tx, perm)
}

// Tombstone soft-deletes the permission, mangling the name to free the unique slot.
func (t *txRepo) Tombstone(ctx context.Context, id int64, mangledName string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE permissions SET name = $2, is_active = FALSE, deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id, mangledName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepo) CountActiveGrants(ctx context.Context, id int64) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM role_permissions WHERE permission_id = $1 AND is_active`, id).Scan(&n)
	return n, err
}

// RevokeGrants deactivates every grant referencing the permission.
func (t *txRepo) RevokeGrants(ctx context.Context, id int64) (int, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE role_permissions SET is_active = FALSE, updated_at = NOW() WHERE permission_id = $1 AND is_active`, id)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// RecomputeUsage refreshes the derived usage_count cache from the grant rows.
func (t *txRepo) RecomputeUsage(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE permissions
		SET usage_count = (SELECT count(*) FROM role_permissions WHERE permission_id = $1 AND is_active)
		WHERE id = $1`, id)
	return err
}
