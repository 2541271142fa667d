package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectql/flowcore/internal/storage"
	"github.com/objectql/flowcore/model"
)

func overdueTask(t *testing.T, svc *Service, name, target string, autoEscalate bool) *model.WorkflowTask {
	t.Helper()
	due := time.Now().UTC().Add(-time.Hour)
	task, err := svc.CreateTask(context.Background(), CreateTaskParams{
		InstanceID:       "inst-1",
		TenantID:         "acme",
		Name:             name,
		AssignedTo:       "alice",
		DueDate:          &due,
		AutoEscalate:     autoEscalate,
		EscalationTarget: target,
	})
	require.NoError(t, err)
	return task
}

func TestSweep_escalates_overdue(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store)
	task := overdueTask(t, svc, "approve-order", "role:supervisor", true)

	sweeper := NewSweeper(svc, store, time.Minute, "", nil, nil)
	sweeper.Sweep(context.Background())

	got, err := svc.GetTask(context.Background(), "acme", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "role:supervisor", got.EscalatedTo)
	assert.Equal(t, "sla breach", got.EscalationReason)
	assert.Equal(t, model.TaskStatusPending, got.Status, "escalation does not resolve the task")
}

func TestSweep_escalates_once(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store)
	task := overdueTask(t, svc, "approve-order", "role:supervisor", true)

	sweeper := NewSweeper(svc, store, time.Minute, "", nil, nil)
	sweeper.Sweep(context.Background())

	// A manual re-route after the sweep must survive the next pass.
	_, err := svc.EscalateTask(context.Background(), "acme", task.ID, "role:director", "manual override")
	require.NoError(t, err)

	sweeper.Sweep(context.Background())

	got, err := svc.GetTask(context.Background(), "acme", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "role:director", got.EscalatedTo)
	assert.Equal(t, "manual override", got.EscalationReason)
}

func TestSweep_default_target_fallback(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store)
	task := overdueTask(t, svc, "approve-order", "", true)

	sweeper := NewSweeper(svc, store, time.Minute, "role:ops", nil, nil)
	sweeper.Sweep(context.Background())

	got, err := svc.GetTask(context.Background(), "acme", task.ID)
	require.NoError(t, err)
	assert.Equal(t, "role:ops", got.EscalatedTo)
}

func TestSweep_skips_without_target(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store)
	task := overdueTask(t, svc, "approve-order", "", true)

	sweeper := NewSweeper(svc, store, time.Minute, "", nil, nil)
	sweeper.Sweep(context.Background())

	got, err := svc.GetTask(context.Background(), "acme", task.ID)
	require.NoError(t, err)
	assert.Empty(t, got.EscalatedTo)
}

func TestSweep_ignores_non_escalatable(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store)

	// Not flagged for auto-escalation.
	manual := overdueTask(t, svc, "manual-task", "role:supervisor", false)

	// Not yet due.
	due := time.Now().UTC().Add(time.Hour)
	fresh, err := svc.CreateTask(context.Background(), CreateTaskParams{
		TenantID: "acme", Name: "fresh-task", AssignedTo: "alice",
		DueDate: &due, AutoEscalate: true, EscalationTarget: "role:supervisor",
	})
	require.NoError(t, err)

	// No due date at all.
	open, err := svc.CreateTask(context.Background(), CreateTaskParams{
		TenantID: "acme", Name: "open-task", AssignedTo: "alice",
		AutoEscalate: true, EscalationTarget: "role:supervisor",
	})
	require.NoError(t, err)

	sweeper := NewSweeper(svc, store, time.Minute, "", nil, nil)
	sweeper.Sweep(context.Background())

	for _, id := range []string{manual.ID, fresh.ID, open.ID} {
		got, err := svc.GetTask(context.Background(), "acme", id)
		require.NoError(t, err)
		assert.Empty(t, got.EscalatedTo, "task %s should not be escalated", got.Name)
	}
}

func TestRun_disabled_without_interval(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store)
	sweeper := NewSweeper(svc, store, 0, "", nil, nil)

	done := make(chan struct{})
	go func() {
		sweeper.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately when the interval is zero")
	}
}

func TestRun_stops_on_cancel(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := NewService(store)
	sweeper := NewSweeper(svc, store, time.Millisecond, "", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should stop when the context is cancelled")
	}
}
