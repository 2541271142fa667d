package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/objectql/flowcore/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Definitions, instance
// data/history, and task payloads are stored as JSONB documents; the engines
// read a row, mutate the value, and write it back, so the database never
// interprets workflow semantics.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck pings the underlying pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveDefinition inserts a new definition row.
func (s *PgStore) SaveDefinition(ctx context.Context, def model.Definition) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (id, version, name, type, document, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id, version) DO NOTHING`,
		def.ID, def.Version, def.Name, def.Type, doc, def.Checksum, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("definition %q already exists", def.Key()),
		)
	}
	return nil
}

// GetDefinition retrieves a definition by id and optional version.
func (s *PgStore) GetDefinition(ctx context.Context, id, version string) (model.Definition, error) {
	query := `SELECT document FROM workflow_definitions WHERE id = $1`
	args := []any{id}
	if version != "" {
		query += ` AND version = $2`
		args = append(args, version)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	var doc []byte
	err := s.pool.QueryRow(ctx, query, args...).Scan(&doc)
	if err == pgx.ErrNoRows {
		return model.Definition{}, model.NewNotFoundError(
			fmt.Sprintf("definition %q not found", id),
		)
	}
	if err != nil {
		return model.Definition{}, fmt.Errorf("query definition: %w", err)
	}

	var def model.Definition
	if err := json.Unmarshal(doc, &def); err != nil {
		return model.Definition{}, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

// ListDefinitions returns all definitions, oldest first.
func (s *PgStore) ListDefinitions(ctx context.Context) ([]model.Definition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document FROM workflow_definitions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.Definition
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		var def model.Definition
		if err := json.Unmarshal(doc, &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// SaveInstance inserts a new workflow instance.
func (s *PgStore) SaveInstance(ctx context.Context, inst model.Instance) error {
	dataJSON, historyJSON, err := marshalInstanceDocs(inst)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, workflow_id, version, tenant_id, current_state, status,
			data, history, revision,
			created_at, started_at, completed_at, aborted_at, failed_at,
			started_by, completed_by, error
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17
		)`,
		inst.ID, inst.WorkflowID, inst.Version, inst.TenantID, inst.CurrentState, inst.Status,
		dataJSON, historyJSON, inst.Revision,
		inst.CreatedAt, inst.StartedAt, inst.CompletedAt, inst.AbortedAt, inst.FailedAt,
		inst.StartedBy, inst.CompletedBy, inst.Error,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID, scoped to tenant.
func (s *PgStore) GetInstance(ctx context.Context, tenantID, instanceID string) (model.Instance, error) {
	row := s.pool.QueryRow(ctx, instanceSelect+` WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID)

	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.Instance{}, model.NewNotFoundError(
			fmt.Sprintf("instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.Instance{}, fmt.Errorf("query instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance persists an updated instance with optimistic locking.
func (s *PgStore) UpdateInstance(ctx context.Context, inst model.Instance) error {
	dataJSON, historyJSON, err := marshalInstanceDocs(inst)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			current_state = $1, status = $2, data = $3, history = $4,
			revision = $5, started_at = $6, completed_at = $7,
			aborted_at = $8, failed_at = $9, completed_by = $10, error = $11
		WHERE id = $12 AND revision = $13`,
		inst.CurrentState, inst.Status, dataJSON, historyJSON,
		inst.Revision+1, inst.StartedAt, inst.CompletedAt,
		inst.AbortedAt, inst.FailedAt, inst.CompletedBy, inst.Error,
		inst.ID, inst.Revision,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("instance %q revision conflict (expected %d)", inst.ID, inst.Revision),
		)
	}
	return nil
}

// QueryInstances returns instances matching the filter, newest first.
func (s *PgStore) QueryInstances(ctx context.Context, tenantID string, filter InstanceFilter) ([]model.Instance, error) {
	query := instanceSelect + ` WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filter.WorkflowID != "" {
		query += fmt.Sprintf(" AND workflow_id = $%d", argIdx)
		args = append(args, filter.WorkflowID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.StartedBy != "" {
		query += fmt.Sprintf(" AND started_by = $%d", argIdx)
		args = append(args, filter.StartedBy)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var instances []model.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// SaveTask inserts a new task.
func (s *PgStore) SaveTask(ctx context.Context, task model.WorkflowTask) error {
	dataJSON, resultJSON, err := marshalTaskDocs(task)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_tasks (
			id, instance_id, tenant_id, name, description, assigned_to, status,
			data, due_date, auto_escalate, escalation_target,
			delegated_to, original_assignee, delegation_reason,
			escalated_to, escalation_reason,
			created_at, completed_at, completed_by, result
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16,
			$17, $18, $19, $20
		)`,
		task.ID, task.InstanceID, task.TenantID, task.Name, task.Description, task.AssignedTo, task.Status,
		dataJSON, task.DueDate, task.AutoEscalate, task.EscalationTarget,
		task.DelegatedTo, task.OriginalAssignee, task.DelegationReason,
		task.EscalatedTo, task.EscalationReason,
		task.CreatedAt, task.CompletedAt, task.CompletedBy, resultJSON,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, scoped to tenant.
func (s *PgStore) GetTask(ctx context.Context, tenantID, taskID string) (model.WorkflowTask, error) {
	row := s.pool.QueryRow(ctx, taskSelect+` WHERE id = $1 AND tenant_id = $2`,
		taskID, tenantID)

	task, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowTask{}, model.NewTaskNotFoundError(
			fmt.Sprintf("task %q not found", taskID),
		)
	}
	if err != nil {
		return model.WorkflowTask{}, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// UpdateTask persists an updated task.
func (s *PgStore) UpdateTask(ctx context.Context, task model.WorkflowTask) error {
	dataJSON, resultJSON, err := marshalTaskDocs(task)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_tasks SET
			status = $1, data = $2,
			delegated_to = $3, original_assignee = $4, delegation_reason = $5,
			escalated_to = $6, escalation_reason = $7,
			completed_at = $8, completed_by = $9, result = $10
		WHERE id = $11`,
		task.Status, dataJSON,
		task.DelegatedTo, task.OriginalAssignee, task.DelegationReason,
		task.EscalatedTo, task.EscalationReason,
		task.CompletedAt, task.CompletedBy, resultJSON,
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewTaskNotFoundError(
			fmt.Sprintf("task %q not found", task.ID),
		)
	}
	return nil
}

// GetInstanceTasks returns all tasks for an instance, oldest first.
func (s *PgStore) GetInstanceTasks(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowTask, error) {
	rows, err := s.pool.Query(ctx,
		taskSelect+` WHERE instance_id = $1 AND tenant_id = $2 ORDER BY created_at ASC`,
		instanceID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query instance tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.WorkflowTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// FindEscalatable returns pending auto-escalate tasks past their due date.
func (s *PgStore) FindEscalatable(ctx context.Context, cutoff time.Time) ([]model.WorkflowTask, error) {
	rows, err := s.pool.Query(ctx,
		taskSelect+` WHERE status = 'pending' AND auto_escalate
		 AND due_date IS NOT NULL AND due_date < $1 AND escalated_to = ''
		 ORDER BY due_date ASC`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("query escalatable tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.WorkflowTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

const instanceSelect = `
	SELECT id, workflow_id, version, tenant_id, current_state, status,
	       data, history, revision,
	       created_at, started_at, completed_at, aborted_at, failed_at,
	       started_by, completed_by, error
	FROM workflow_instances`

const taskSelect = `
	SELECT id, instance_id, tenant_id, name, description, assigned_to, status,
	       data, due_date, auto_escalate, escalation_target,
	       delegated_to, original_assignee, delegation_reason,
	       escalated_to, escalation_reason,
	       created_at, completed_at, completed_by, result
	FROM workflow_tasks`

func marshalInstanceDocs(inst model.Instance) (data, history []byte, err error) {
	data, err = json.Marshal(inst.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal instance data: %w", err)
	}
	history, err = json.Marshal(inst.History)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal instance history: %w", err)
	}
	return data, history, nil
}

func marshalTaskDocs(task model.WorkflowTask) (data, result []byte, err error) {
	data, err = json.Marshal(task.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal task data: %w", err)
	}
	result, err = json.Marshal(task.Result)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal task result: %w", err)
	}
	return data, result, nil
}

func scanInstance(row pgx.Row) (model.Instance, error) {
	var inst model.Instance
	var dataJSON, historyJSON []byte
	err := row.Scan(
		&inst.ID, &inst.WorkflowID, &inst.Version, &inst.TenantID, &inst.CurrentState, &inst.Status,
		&dataJSON, &historyJSON, &inst.Revision,
		&inst.CreatedAt, &inst.StartedAt, &inst.CompletedAt, &inst.AbortedAt, &inst.FailedAt,
		&inst.StartedBy, &inst.CompletedBy, &inst.Error,
	)
	if err != nil {
		return model.Instance{}, err
	}
	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &inst.Data); err != nil {
			return model.Instance{}, fmt.Errorf("unmarshal instance data: %w", err)
		}
	}
	if historyJSON != nil {
		if err := json.Unmarshal(historyJSON, &inst.History); err != nil {
			return model.Instance{}, fmt.Errorf("unmarshal instance history: %w", err)
		}
	}
	return inst, nil
}

func scanTask(row pgx.Row) (model.WorkflowTask, error) {
	var task model.WorkflowTask
	var dataJSON, resultJSON []byte
	err := row.Scan(
		&task.ID, &task.InstanceID, &task.TenantID, &task.Name, &task.Description, &task.AssignedTo, &task.Status,
		&dataJSON, &task.DueDate, &task.AutoEscalate, &task.EscalationTarget,
		&task.DelegatedTo, &task.OriginalAssignee, &task.DelegationReason,
		&task.EscalatedTo, &task.EscalationReason,
		&task.CreatedAt, &task.CompletedAt, &task.CompletedBy, &resultJSON,
	)
	if err != nil {
		return model.WorkflowTask{}, err
	}
	if dataJSON != nil {
		_ = json.Unmarshal(dataJSON, &task.Data)
	}
	if resultJSON != nil {
		_ = json.Unmarshal(resultJSON, &task.Result)
	}
	return task, nil
}
