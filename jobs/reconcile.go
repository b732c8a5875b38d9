package jobs

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CounterReconciler recomputes derived counters from their authoritative rows.
// The per-request paths keep counters in step; this job repairs drift left by
// crashed transactions or manual data fixes.
type CounterReconciler struct {
	pool *pgxpool.Pool
}

// NewCounterReconciler constructs a CounterReconciler.
func NewCounterReconciler(pool *pgxpool.Pool) *CounterReconciler {
	return &CounterReconciler{pool: pool}
}

// Run recomputes roles.user_count and permissions.usage_count in full.
func (r *CounterReconciler) Run(ctx context.Context) error {
	const userCounts = `
		UPDATE roles ro SET user_count = sub.cnt
		FROM (
			SELECT ro2.id, COUNT(ur.id) FILTER (
				WHERE ur.is_active AND (ur.expires_at IS NULL OR ur.expires_at > NOW())
			) AS cnt
			FROM roles ro2
			LEFT JOIN user_roles ur ON ur.role_id = ro2.id
			GROUP BY ro2.id
		) sub
		WHERE sub.id = ro.id AND ro.user_count <> sub.cnt`
	if _, err := r.pool.Exec(ctx, userCounts); err != nil {
		return fmt.Errorf("jobs: reconcile user counts: %w", err)
	}

	const usageCounts = `
		UPDATE permissions p SET usage_count = sub.cnt
		FROM (
			SELECT p2.id, COUNT(rp.role_id) FILTER (WHERE rp.is_active) AS cnt
			FROM permissions p2
			LEFT JOIN role_permissions rp ON rp.permission_id = p2.id
			GROUP BY p2.id
		) sub
		WHERE sub.id = p.id AND p.usage_count <> sub.cnt`
	if _, err := r.pool.Exec(ctx, usageCounts); err != nil {
		return fmt.Errorf("jobs: reconcile usage counts: %w", err)
	}
	return nil
}
