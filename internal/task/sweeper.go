package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/objectql/flowcore/internal/observability"
	"github.com/objectql/flowcore/internal/storage"
)

// Sweeper periodically escalates pending tasks whose due date has passed.
// Only tasks flagged auto_escalate are considered, and a task is escalated
// at most once.
type Sweeper struct {
	service *Service
	store   storage.TaskStore
	logger  *zap.Logger
	metrics *observability.Metrics

	interval time.Duration
	// defaultTarget receives tasks that carry no escalation target of
	// their own. When both are empty the task is skipped.
	defaultTarget string
}

// NewSweeper creates an escalation sweeper over the task service.
func NewSweeper(service *Service, store storage.TaskStore, interval time.Duration, defaultTarget string, logger *zap.Logger, metrics *observability.Metrics) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		service:       service,
		store:         store,
		logger:        logger,
		metrics:       metrics,
		interval:      interval,
		defaultTarget: defaultTarget,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
// Intended to run as a goroutine from main.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("escalation sweeper disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("escalation sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("escalation sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single escalation pass. Exported so it can be triggered
// directly in tests and from an admin endpoint.
func (s *Sweeper) Sweep(ctx context.Context) {
	overdue, err := s.store.FindEscalatable(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("escalation sweep failed", zap.Error(err))
		return
	}

	for _, task := range overdue {
		target := task.EscalationTarget
		if target == "" {
			target = s.defaultTarget
		}
		if target == "" {
			s.logger.Warn("overdue task has no escalation target, skipping",
				zap.String("task_id", task.ID))
			continue
		}

		if _, err := s.service.EscalateTask(ctx, task.TenantID, task.ID, target, "sla breach"); err != nil {
			s.logger.Error("failed to escalate overdue task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordTaskEscalation(task.Name)
		}
		s.logger.Info("overdue task escalated",
			zap.String("task_id", task.ID),
			zap.String("escalated_to", target))
	}
}
