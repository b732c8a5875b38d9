package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/observability"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpirySweep revokes assignments whose expiry has passed.
	TaskExpirySweep = "rbac:expiry_sweep"
	// TaskReconcileCounters recomputes derived role and permission counters.
	TaskReconcileCounters = "rbac:reconcile_counters"
)

// ExpirySweepPayload bounds a single sweep run.
type ExpirySweepPayload struct {
	Limit        int       `json:"limit"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewExpirySweepTask constructs an Asynq task for the expiry sweep.
func NewExpirySweepTask(limit int) (*asynq.Task, error) {
	payload := ExpirySweepPayload{Limit: limit, ScheduledFor: time.Now().UTC()}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpirySweep, body, asynq.Queue(QueueDefault)), nil
}

// ExpirySweeper is implemented by the assignment engine.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// NewExpirySweepHandler builds the handler for TaskExpirySweep.
func NewExpirySweepHandler(sweeper ExpirySweeper, logger *slog.Logger, metrics *observability.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ExpirySweepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		swept, err := sweeper.SweepExpired(ctx, payload.Limit)
		if err != nil {
			metrics.RecordJob(TaskExpirySweep, "error")
			logger.Error("expiry sweep failed", slog.Any("error", err))
			return err
		}
		metrics.RecordJob(TaskExpirySweep, "ok")
		logger.Info("expiry sweep completed", slog.Int("revoked", swept))
		return nil
	}
}

// ReconcileCountersPayload carries scheduling metadata.
type ReconcileCountersPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewReconcileCountersTask constructs an Asynq task for counter reconciliation.
func NewReconcileCountersTask() (*asynq.Task, error) {
	payload := ReconcileCountersPayload{ScheduledFor: time.Now().UTC()}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileCounters, body, asynq.Queue(QueueDefault)), nil
}

// NewReconcileCountersHandler builds the handler for TaskReconcileCounters.
func NewReconcileCountersHandler(reconciler *CounterReconciler, logger *slog.Logger, metrics *observability.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload ReconcileCountersPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if err := reconciler.Run(ctx); err != nil {
			metrics.RecordJob(TaskReconcileCounters, "error")
			logger.Error("counter reconciliation failed", slog.Any("error", err))
			return err
		}
		metrics.RecordJob(TaskReconcileCounters, "ok")
		logger.Info("counter reconciliation completed")
		return nil
	}
}
