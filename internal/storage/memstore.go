package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/objectql/flowcore/model"
)

// MemoryStore is an in-memory Store used in tests and single-node
// deployments without a database.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]model.Definition // key: id@version
	defOrder    []string                    // save order, for latest-version lookup
	instances   map[string]model.Instance   // key: instance ID
	tasks       map[string]model.WorkflowTask
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]model.Definition),
		instances:   make(map[string]model.Instance),
		tasks:       make(map[string]model.WorkflowTask),
	}
}

// SaveDefinition persists a definition.
func (s *MemoryStore) SaveDefinition(_ context.Context, def model.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := def.Key()
	if _, exists := s.definitions[key]; exists {
		return model.NewConflictError(
			fmt.Sprintf("definition %q already exists", key),
		)
	}
	s.definitions[key] = def
	s.defOrder = append(s.defOrder, key)
	return nil
}

// GetDefinition retrieves a definition by id and optional version.
func (s *MemoryStore) GetDefinition(_ context.Context, id, version string) (model.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if version != "" {
		def, exists := s.definitions[id+"@"+version]
		if !exists {
			return model.Definition{}, model.NewNotFoundError(
				fmt.Sprintf("definition %q version %q not found", id, version),
			)
		}
		return def, nil
	}

	// Latest saved version of the id.
	for i := len(s.defOrder) - 1; i >= 0; i-- {
		def := s.definitions[s.defOrder[i]]
		if def.ID == id {
			return def, nil
		}
	}
	return model.Definition{}, model.NewNotFoundError(
		fmt.Sprintf("definition %q not found", id),
	)
}

// ListDefinitions returns all saved definitions in save order.
func (s *MemoryStore) ListDefinitions(_ context.Context) ([]model.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]model.Definition, 0, len(s.defOrder))
	for _, key := range s.defOrder {
		defs = append(defs, s.definitions[key])
	}
	return defs, nil
}

// SaveInstance persists a new instance.
func (s *MemoryStore) SaveInstance(_ context.Context, inst model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("instance %q already exists", inst.ID),
		)
	}
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// GetInstance retrieves an instance by ID, scoped to tenant.
func (s *MemoryStore) GetInstance(_ context.Context, tenantID, instanceID string) (model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return model.Instance{}, model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", instanceID),
		)
	}
	return cloneInstance(inst), nil
}

// UpdateInstance persists an updated instance with optimistic locking.
func (s *MemoryStore) UpdateInstance(_ context.Context, inst model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", inst.ID),
		)
	}
	if existing.Revision != inst.Revision {
		return model.NewConflictError(
			fmt.Sprintf("instance %q revision conflict (expected %d, got %d)", inst.ID, inst.Revision, existing.Revision),
		)
	}

	inst.Revision++
	s.instances[inst.ID] = cloneInstance(inst)
	return nil
}

// QueryInstances returns instances matching the filter, newest first.
func (s *MemoryStore) QueryInstances(_ context.Context, tenantID string, filter InstanceFilter) ([]model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Instance
	for _, inst := range s.instances {
		if inst.TenantID != tenantID {
			continue
		}
		if filter.WorkflowID != "" && inst.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.StartedBy != "" && inst.StartedBy != filter.StartedBy {
			continue
		}
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []model.Instance{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// SaveTask persists a new task.
func (s *MemoryStore) SaveTask(_ context.Context, task model.WorkflowTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("task %q already exists", task.ID),
		)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask retrieves a task by ID, scoped to tenant.
func (s *MemoryStore) GetTask(_ context.Context, tenantID, taskID string) (model.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[taskID]
	if !exists || task.TenantID != tenantID {
		return model.WorkflowTask{}, model.NewTaskNotFoundError(
			fmt.Sprintf("task %q not found", taskID),
		)
	}
	return cloneTask(task), nil
}

// UpdateTask persists an updated task.
func (s *MemoryStore) UpdateTask(_ context.Context, task model.WorkflowTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; !exists {
		return model.NewTaskNotFoundError(
			fmt.Sprintf("task %q not found", task.ID),
		)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetInstanceTasks returns all tasks for an instance, oldest first.
func (s *MemoryStore) GetInstanceTasks(_ context.Context, tenantID, instanceID string) ([]model.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowTask
	for _, task := range s.tasks {
		if task.TenantID != tenantID || task.InstanceID != instanceID {
			continue
		}
		result = append(result, cloneTask(task))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// FindEscalatable returns pending auto-escalate tasks past their due date.
func (s *MemoryStore) FindEscalatable(_ context.Context, cutoff time.Time) ([]model.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowTask
	for _, task := range s.tasks {
		if task.Status != model.TaskStatusPending || !task.AutoEscalate {
			continue
		}
		if task.DueDate == nil || !task.DueDate.Before(cutoff) {
			continue
		}
		// Already escalated tasks are not re-escalated by the sweeper.
		if task.EscalatedTo != "" {
			continue
		}
		result = append(result, cloneTask(task))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueDate.Before(*result[j].DueDate)
	})
	return result, nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// cloneInstance copies an instance deeply enough that callers never share
// the Data map or History slice with the stored value.
func cloneInstance(inst model.Instance) model.Instance {
	out := inst
	if inst.Data != nil {
		out.Data = make(map[string]any, len(inst.Data))
		for k, v := range inst.Data {
			out.Data[k] = v
		}
	}
	if inst.History != nil {
		out.History = make([]model.StateHistoryEntry, len(inst.History))
		copy(out.History, inst.History)
	}
	return out
}

// cloneTask copies a task so callers never share the Data or Result map
// with the stored value.
func cloneTask(task model.WorkflowTask) model.WorkflowTask {
	out := task
	if task.Data != nil {
		out.Data = make(map[string]any, len(task.Data))
		for k, v := range task.Data {
			out.Data[k] = v
		}
	}
	if task.Result != nil {
		out.Result = make(map[string]any, len(task.Result))
		for k, v := range task.Result {
			out.Result[k] = v
		}
	}
	return out
}
