package model

import "time"

// Task status constants. A task resolves exactly once:
// pending -> {completed | rejected}.
const (
	TaskStatusPending   = "pending"
	TaskStatusCompleted = "completed"
	TaskStatusRejected  = "rejected"
)

// WorkflowTask is a human work item tied to a workflow instance. Delegation
// and escalation are independent audit trails: delegation preserves the
// original assignee, escalation overrides the active assignee without
// clearing delegation fields.
type WorkflowTask struct {
	ID          string         `json:"id"`
	InstanceID  string         `json:"instance_id"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	AssignedTo  string         `json:"assigned_to"`
	Status      string         `json:"status"`
	Data        map[string]any `json:"data,omitempty"`

	DueDate          *time.Time `json:"due_date,omitempty"`
	AutoEscalate     bool       `json:"auto_escalate,omitempty"`
	EscalationTarget string     `json:"escalation_target,omitempty"`

	DelegatedTo      string `json:"delegated_to,omitempty"`
	OriginalAssignee string `json:"original_assignee,omitempty"`
	DelegationReason string `json:"delegation_reason,omitempty"`

	EscalatedTo      string `json:"escalated_to,omitempty"`
	EscalationReason string `json:"escalation_reason,omitempty"`

	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CompletedBy string         `json:"completed_by,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

// EffectiveAssignee returns who currently owns the task: the escalation
// target if escalated, else the delegate if delegated, else the original
// assignee.
func (t *WorkflowTask) EffectiveAssignee() string {
	if t.EscalatedTo != "" {
		return t.EscalatedTo
	}
	if t.DelegatedTo != "" {
		return t.DelegatedTo
	}
	return t.AssignedTo
}
