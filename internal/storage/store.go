// Package storage defines the persistence port consumed by the engines and
// the task service, with in-memory and PostgreSQL implementations. The
// engines are storage-agnostic: they read a value, mutate it, and write it
// back through these interfaces.
package storage

import (
	"context"
	"time"

	"github.com/objectql/flowcore/model"
)

// DefinitionStore persists workflow definitions. Definitions are immutable
// once saved; a new version is a new row.
type DefinitionStore interface {
	// SaveDefinition persists a definition. Saving an id@version pair that
	// already exists returns CONFLICT.
	SaveDefinition(ctx context.Context, def model.Definition) error

	// GetDefinition retrieves a definition by id. An empty version selects
	// the most recently saved version of that id.
	GetDefinition(ctx context.Context, id, version string) (model.Definition, error)

	// ListDefinitions returns all saved definitions.
	ListDefinitions(ctx context.Context) ([]model.Definition, error)
}

// InstanceStore persists workflow instances.
type InstanceStore interface {
	// SaveInstance persists a new instance.
	SaveInstance(ctx context.Context, inst model.Instance) error

	// GetInstance retrieves an instance by id, scoped to a tenant.
	GetInstance(ctx context.Context, tenantID, instanceID string) (model.Instance, error)

	// UpdateInstance persists an updated instance with optimistic locking.
	// Returns CONFLICT if the stored revision no longer matches.
	UpdateInstance(ctx context.Context, inst model.Instance) error

	// QueryInstances returns instances matching the filter, newest first.
	QueryInstances(ctx context.Context, tenantID string, filter InstanceFilter) ([]model.Instance, error)
}

// TaskStore persists human tasks.
type TaskStore interface {
	// SaveTask persists a new task.
	SaveTask(ctx context.Context, task model.WorkflowTask) error

	// GetTask retrieves a task by id, scoped to a tenant.
	GetTask(ctx context.Context, tenantID, taskID string) (model.WorkflowTask, error)

	// UpdateTask persists an updated task.
	UpdateTask(ctx context.Context, task model.WorkflowTask) error

	// GetInstanceTasks returns all tasks for an instance, oldest first.
	GetInstanceTasks(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowTask, error)

	// FindEscalatable returns pending tasks with auto_escalate set whose
	// due date is before the cutoff. Used by the SLA sweeper.
	FindEscalatable(ctx context.Context, cutoff time.Time) ([]model.WorkflowTask, error)
}

// InstanceFilter narrows QueryInstances results. Zero values match all.
type InstanceFilter struct {
	WorkflowID string
	Status     string
	StartedBy  string
	Limit      int
	Offset     int
}

// Store bundles the three ports. The in-memory and PostgreSQL
// implementations both satisfy it.
type Store interface {
	DefinitionStore
	InstanceStore
	TaskStore
}
