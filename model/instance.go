package model

import "time"

// Instance status constants. Status moves only along
// pending -> running -> {completed | aborted | failed}.
const (
	InstanceStatusPending   = "pending"
	InstanceStatusRunning   = "running"
	InstanceStatusCompleted = "completed"
	InstanceStatusAborted   = "aborted"
	InstanceStatusFailed    = "failed"
)

// Instance is one running (or finished) execution of a Definition.
type Instance struct {
	ID           string              `json:"id"`
	WorkflowID   string              `json:"workflow_id"`
	Version      string              `json:"version"`
	TenantID     string              `json:"tenant_id,omitempty"`
	CurrentState string              `json:"current_state"`
	Status       string              `json:"status"`
	Data         map[string]any      `json:"data,omitempty"`
	History      []StateHistoryEntry `json:"history"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	AbortedAt   *time.Time `json:"aborted_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	StartedBy   string `json:"started_by,omitempty"`
	CompletedBy string `json:"completed_by,omitempty"`
	Error       string `json:"error,omitempty"`

	// Revision is the optimistic-lock counter used by the storage port.
	// It carries no workflow semantics.
	Revision int `json:"revision"`
}

// Terminal reports whether the instance has reached a final status.
func (i *Instance) Terminal() bool {
	switch i.Status {
	case InstanceStatusCompleted, InstanceStatusAborted, InstanceStatusFailed:
		return true
	}
	return false
}

// StateHistoryEntry records one state or node hop. History is append-only
// and ordered; it is the full audit trail of an instance.
type StateHistoryEntry struct {
	FromState   string         `json:"from_state"`
	ToState     string         `json:"to_state"`
	Transition  string         `json:"transition"`
	Timestamp   time.Time      `json:"timestamp"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}
