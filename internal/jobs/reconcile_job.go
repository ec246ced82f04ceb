package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/holdpay/holdpay/internal/escrow"
	"github.com/robfig/cron/v3"
)

// Reconciler checks unpaid orders against the provider.
type Reconciler interface {
	ReconcilePayments(ctx context.Context) (*escrow.ReconcileResult, error)
}

// PaymentReconcileJob runs payment reconciliation on a cron schedule.
type PaymentReconcileJob struct {
	reconciler Reconciler
	cron       *cron.Cron
	timeout    time.Duration
	logger     *slog.Logger
}

// NewPaymentReconcileJob creates the job. timeout bounds a single run.
func NewPaymentReconcileJob(reconciler Reconciler, timeout time.Duration, logger *slog.Logger) *PaymentReconcileJob {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger = logger.With("component", "payment_reconcile_job")
	return &PaymentReconcileJob{
		reconciler: reconciler,
		cron:       newCron(logger),
		timeout:    timeout,
		logger:     logger,
	}
}

// Start schedules the job. An empty schedule means DefaultSchedule.
func (j *PaymentReconcileJob) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	j.cron.Start()
	j.logger.Info("payment reconciliation scheduled", "schedule", schedule)
	return nil
}

// Stop stops scheduling and waits for a running pass up to ctx.
func (j *PaymentReconcileJob) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
		j.logger.Warn("reconcile job still running at shutdown")
	}
}

// RunOnce performs one reconciliation pass.
func (j *PaymentReconcileJob) RunOnce(ctx context.Context) (*escrow.ReconcileResult, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	return j.reconciler.ReconcilePayments(ctx)
}

func (j *PaymentReconcileJob) run() {
	if _, err := j.RunOnce(context.Background()); err != nil {
		j.logger.Error("payment reconciliation failed", "error", err)
	}
}
