// Package task implements the approval-task service: human work items tied
// to workflow instances, with completion, rejection, delegation, and
// escalation semantics.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/objectql/flowcore/internal/observability"
	"github.com/objectql/flowcore/internal/storage"
	"github.com/objectql/flowcore/model"
)

// Service mediates all task mutations. The store is the source of truth;
// the service enforces the resolve-once lifecycle and the delegation and
// escalation audit rules.
type Service struct {
	store   storage.TaskStore
	logger  *zap.Logger
	metrics *observability.Metrics

	// defaultDue is added to now for tasks created without a due date.
	// Zero leaves the due date unset.
	defaultDue time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics attaches Prometheus instruments to the service.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDefaultDue sets the due-date offset applied to tasks created without
// an explicit due date.
func WithDefaultDue(d time.Duration) Option {
	return func(s *Service) { s.defaultDue = d }
}

// NewService creates a task service over the given store.
func NewService(store storage.TaskStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTaskParams carries the caller-supplied fields of a new task.
type CreateTaskParams struct {
	InstanceID       string
	TenantID         string
	Name             string
	Description      string
	AssignedTo       string
	Data             map[string]any
	DueDate          *time.Time
	AutoEscalate     bool
	EscalationTarget string
}

// CreateTask creates a pending task. When no due date is given and the
// service has a default offset, the due date is derived from now.
func (s *Service) CreateTask(ctx context.Context, params CreateTaskParams) (*model.WorkflowTask, error) {
	if params.Name == "" {
		return nil, model.NewBadRequestError("task name is required")
	}
	if params.AssignedTo == "" {
		return nil, model.NewBadRequestError("task assignee is required")
	}

	due := params.DueDate
	if due == nil && s.defaultDue > 0 {
		d := time.Now().UTC().Add(s.defaultDue)
		due = &d
	}

	task := model.WorkflowTask{
		ID:               uuid.New().String(),
		InstanceID:       params.InstanceID,
		TenantID:         params.TenantID,
		Name:             params.Name,
		Description:      params.Description,
		AssignedTo:       params.AssignedTo,
		Status:           model.TaskStatusPending,
		Data:             params.Data,
		DueDate:          due,
		AutoEscalate:     params.AutoEscalate,
		EscalationTarget: params.EscalationTarget,
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	s.record("create")
	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("instance_id", task.InstanceID),
		zap.String("assigned_to", task.AssignedTo))
	return &task, nil
}

// GetTask retrieves a task by id.
func (s *Service) GetTask(ctx context.Context, tenantID, taskID string) (*model.WorkflowTask, error) {
	task, err := s.store.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// InstanceTasks returns all tasks of an instance, oldest first.
func (s *Service) InstanceTasks(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowTask, error) {
	return s.store.GetInstanceTasks(ctx, tenantID, instanceID)
}

// CompleteTask resolves a pending task as completed, recording who resolved
// it and any result payload.
func (s *Service) CompleteTask(ctx context.Context, tenantID, taskID, completedBy string, result map[string]any) (*model.WorkflowTask, error) {
	task, err := s.pendingTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task.Status = model.TaskStatusCompleted
	task.CompletedAt = &now
	task.CompletedBy = completedBy
	task.Result = result

	if err := s.store.UpdateTask(ctx, *task); err != nil {
		return nil, err
	}
	s.record("complete")
	s.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.String("completed_by", completedBy))
	return task, nil
}

// RejectTask resolves a pending task as rejected.
func (s *Service) RejectTask(ctx context.Context, tenantID, taskID, rejectedBy, reason string) (*model.WorkflowTask, error) {
	task, err := s.pendingTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task.Status = model.TaskStatusRejected
	task.CompletedAt = &now
	task.CompletedBy = rejectedBy
	if reason != "" {
		task.Result = map[string]any{"reason": reason}
	}

	if err := s.store.UpdateTask(ctx, *task); err != nil {
		return nil, err
	}
	s.record("reject")
	s.logger.Info("task rejected",
		zap.String("task_id", task.ID),
		zap.String("rejected_by", rejectedBy))
	return task, nil
}

// DelegateTask hands a pending task to another assignee. The original
// assignee is captured once, on the first delegation, so the audit trail
// survives chains of redelegation.
func (s *Service) DelegateTask(ctx context.Context, tenantID, taskID, delegateTo, reason string) (*model.WorkflowTask, error) {
	if delegateTo == "" {
		return nil, model.NewBadRequestError("delegate target is required")
	}

	task, err := s.pendingTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}

	if task.OriginalAssignee == "" {
		task.OriginalAssignee = task.AssignedTo
	}
	task.DelegatedTo = delegateTo
	task.DelegationReason = reason

	if err := s.store.UpdateTask(ctx, *task); err != nil {
		return nil, err
	}
	s.record("delegate")
	s.logger.Info("task delegated",
		zap.String("task_id", task.ID),
		zap.String("delegated_to", delegateTo),
		zap.String("original_assignee", task.OriginalAssignee))
	return task, nil
}

// EscalateTask routes a pending task to an escalation target. Escalation
// overrides delegation for the effective assignee but leaves the delegation
// fields intact.
func (s *Service) EscalateTask(ctx context.Context, tenantID, taskID, escalateTo, reason string) (*model.WorkflowTask, error) {
	if escalateTo == "" {
		return nil, model.NewBadRequestError("escalation target is required")
	}

	task, err := s.pendingTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}

	task.EscalatedTo = escalateTo
	task.EscalationReason = reason

	if err := s.store.UpdateTask(ctx, *task); err != nil {
		return nil, err
	}
	s.record("escalate")
	s.logger.Info("task escalated",
		zap.String("task_id", task.ID),
		zap.String("escalated_to", escalateTo))
	return task, nil
}

// pendingTask loads a task and verifies it has not yet been resolved.
func (s *Service) pendingTask(ctx context.Context, tenantID, taskID string) (*model.WorkflowTask, error) {
	task, err := s.store.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskStatusPending {
		return nil, model.NewInvalidTaskStateError(
			fmt.Sprintf("task %s is %s, only pending tasks can be modified", task.ID, task.Status))
	}
	return &task, nil
}

func (s *Service) record(operation string) {
	if s.metrics != nil {
		s.metrics.RecordTaskMutation(operation)
	}
}
