package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectql/flowcore/model"
)

func approvalDefinition() model.Definition {
	return model.Definition{
		ID: "order-approval", Version: "1.0.0", Type: model.DefinitionTypeState,
		InitialState: "draft",
		States: map[string]*model.StateConfig{
			"draft": {
				Initial: true,
				Transitions: map[string]*model.TransitionConfig{
					"submit": {Target: "review", Actions: []model.HookRef{{Name: "notify_reviewer"}}},
				},
			},
			"review": {
				OnEnter: []model.HookRef{{Name: "start_sla_timer"}},
				OnExit:  []model.HookRef{{Name: "stop_sla_timer"}},
				Transitions: map[string]*model.TransitionConfig{
					"approve": {
						Target: "approved",
						Guards: []model.HookRef{{Name: "reviewer_has_authority"}},
						Actions: []model.HookRef{{
							Name:   "record_decision",
							Params: map[string]any{"decision": "approved"},
						}},
					},
					"reject": {Target: "rejected"},
				},
			},
			"approved": {Final: true},
			"rejected": {Final: true},
		},
	}
}

func TestCreateInstance(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()

	inst := e.CreateInstance(def, map[string]any{"amount": 1500}, "alice")

	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, "order-approval", inst.WorkflowID)
	assert.Equal(t, "1.0.0", inst.Version)
	assert.Equal(t, "draft", inst.CurrentState)
	assert.Equal(t, model.InstanceStatusPending, inst.Status)
	assert.Equal(t, "alice", inst.StartedBy)
	assert.Equal(t, 1500, inst.Data["amount"])
	assert.False(t, inst.CreatedAt.IsZero())
}

func TestCreateInstance_copies_data(t *testing.T) {
	e := NewEngine()
	data := map[string]any{"amount": 100}

	inst := e.CreateInstance(approvalDefinition(), data, "alice")
	data["amount"] = 999

	assert.Equal(t, 100, inst.Data["amount"])
}

func TestStartInstance(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	inst := e.CreateInstance(def, nil, "alice")

	require.NoError(t, e.StartInstance(context.Background(), inst, def))

	assert.Equal(t, model.InstanceStatusRunning, inst.Status)
	assert.NotNil(t, inst.StartedAt)
}

func TestStartInstance_only_pending(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))

	err := e.StartInstance(context.Background(), inst, def)
	assert.True(t, model.IsCode(err, model.ErrInvalidLifecycle))
}

func TestStartInstance_initial_final_completes(t *testing.T) {
	def := model.Definition{
		ID: "noop", Version: "1", Type: model.DefinitionTypeState,
		InitialState: "done",
		States: map[string]*model.StateConfig{
			"done": {Initial: true, Final: true},
		},
	}
	e := NewEngine()
	inst := e.CreateInstance(def, nil, "alice")

	require.NoError(t, e.StartInstance(context.Background(), inst, def))

	assert.Equal(t, model.InstanceStatusCompleted, inst.Status)
	assert.NotNil(t, inst.CompletedAt)
}

func TestExecuteTransition_ordering(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()

	var calls []string
	log := func(name string) ActionFunc {
		return func(ctx context.Context, ac *Context) error {
			calls = append(calls, name)
			return nil
		}
	}
	require.NoError(t, e.RegisterAction("stop_sla_timer", log("on_exit")))
	require.NoError(t, e.RegisterAction("record_decision", log("transition")))
	require.NoError(t, e.RegisterGuard("reviewer_has_authority",
		func(ctx context.Context, gc *Context) (bool, error) { return true, nil }))

	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))
	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", nil))
	calls = nil

	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "approve", "bob", nil))

	// on_exit of the left state, then the transition's own actions. The
	// target has no on_enter hooks here.
	assert.Equal(t, []string{"on_exit", "transition"}, calls)
	assert.Equal(t, "approved", inst.CurrentState)
	assert.Equal(t, model.InstanceStatusCompleted, inst.Status)
	assert.Equal(t, "bob", inst.CompletedBy)
}

func TestExecuteTransition_on_enter_runs_after_mutation(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()

	var seenState string
	require.NoError(t, e.RegisterAction("start_sla_timer",
		func(ctx context.Context, ac *Context) error {
			seenState = ac.Instance.CurrentState
			return nil
		}))

	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))
	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", nil))

	assert.Equal(t, "review", seenState)
}

func TestExecuteTransition_history(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))

	payload := map[string]any{"note": "ready"}
	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", payload))

	require.Len(t, inst.History, 1)
	entry := inst.History[0]
	assert.Equal(t, "draft", entry.FromState)
	assert.Equal(t, "review", entry.ToState)
	assert.Equal(t, "submit", entry.Transition)
	assert.Equal(t, "alice", entry.TriggeredBy)
	assert.Equal(t, payload, entry.Data)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestExecuteTransition_unknown(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))

	err := e.ExecuteTransition(context.Background(), inst, def, "teleport", "alice", nil)

	assert.True(t, model.IsCode(err, model.ErrUnknownTransition))
	assert.Equal(t, "draft", inst.CurrentState)
}

func TestExecuteTransition_terminal_rejected(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))
	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", nil))
	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "reject", "bob", nil))
	require.Equal(t, model.InstanceStatusCompleted, inst.Status)

	err := e.ExecuteTransition(context.Background(), inst, def, "reject", "bob", nil)

	assert.True(t, model.IsCode(err, model.ErrInvalidLifecycle))
	assert.Equal(t, "rejected", inst.CurrentState)
	require.Len(t, inst.History, 2)
}

func TestExecuteTransition_guard_rejects(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	require.NoError(t, e.RegisterGuard("reviewer_has_authority",
		func(ctx context.Context, gc *Context) (bool, error) { return false, nil }))

	actionRan := false
	require.NoError(t, e.RegisterAction("stop_sla_timer",
		func(ctx context.Context, ac *Context) error {
			actionRan = true
			return nil
		}))

	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))
	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", nil))

	err := e.ExecuteTransition(context.Background(), inst, def, "approve", "bob", nil)

	assert.True(t, model.IsCode(err, model.ErrGuardRejected))
	assert.Equal(t, "review", inst.CurrentState)
	assert.False(t, actionRan, "guard rejection must prevent every action phase")
	assert.Empty(t, inst.History[1:])
}

func TestExecuteTransition_guard_error_blocks(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	require.NoError(t, e.RegisterGuard("reviewer_has_authority",
		func(ctx context.Context, gc *Context) (bool, error) { return true, errors.New("lookup timeout") }))

	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))
	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", nil))

	err := e.ExecuteTransition(context.Background(), inst, def, "approve", "bob", nil)

	assert.True(t, model.IsCode(err, model.ErrGuardRejected))
	assert.Equal(t, "review", inst.CurrentState)
}

func TestExecuteTransition_unregistered_guard_blocks(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))
	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", nil))

	err := e.ExecuteTransition(context.Background(), inst, def, "approve", "bob", nil)

	assert.True(t, model.IsCode(err, model.ErrGuardRejected))
}

func TestExecuteTransition_unregistered_action_skipped(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))

	// notify_reviewer and the review state's hooks are all unregistered.
	err := e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", nil)

	require.NoError(t, err)
	assert.Equal(t, "review", inst.CurrentState)
}

func TestExecuteTransition_action_error_propagates(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	boom := errors.New("smtp unreachable")
	require.NoError(t, e.RegisterAction("notify_reviewer",
		func(ctx context.Context, ac *Context) error { return boom }))

	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))

	err := e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", nil)

	assert.ErrorIs(t, err, boom)
	// The transition action failed before the state mutation.
	assert.Equal(t, "draft", inst.CurrentState)
	assert.Empty(t, inst.History)
}

func TestExecuteTransition_on_enter_error_leaves_mutation(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	boom := errors.New("timer service down")
	require.NoError(t, e.RegisterAction("start_sla_timer",
		func(ctx context.Context, ac *Context) error { return boom }))

	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))

	err := e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", nil)

	assert.ErrorIs(t, err, boom)
	// on_enter runs after the mutation, so the move to review sticks.
	assert.Equal(t, "review", inst.CurrentState)
	assert.Len(t, inst.History, 1)
}

func TestExecuteTransition_params_reach_hook(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	require.NoError(t, e.RegisterGuard("reviewer_has_authority",
		func(ctx context.Context, gc *Context) (bool, error) { return true, nil }))

	var params map[string]any
	require.NoError(t, e.RegisterAction("record_decision",
		func(ctx context.Context, ac *Context) error {
			params = ac.Params
			ac.SetData("decision", ac.Params["decision"])
			return nil
		}))

	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))
	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", nil))
	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "approve", "bob", nil))

	assert.Equal(t, "approved", params["decision"])
	assert.Equal(t, "approved", inst.Data["decision"])
}

func TestAbortInstance(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()

	exitRan := false
	require.NoError(t, e.RegisterAction("stop_sla_timer",
		func(ctx context.Context, ac *Context) error {
			exitRan = true
			return nil
		}))

	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))
	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", nil))

	require.NoError(t, e.AbortInstance(context.Background(), inst, def, "carol"))

	assert.Equal(t, model.InstanceStatusAborted, inst.Status)
	assert.NotNil(t, inst.AbortedAt)
	assert.Equal(t, "carol", inst.CompletedBy)
	assert.True(t, exitRan)

	err := e.AbortInstance(context.Background(), inst, def, "carol")
	assert.True(t, model.IsCode(err, model.ErrInvalidLifecycle))
}

func TestAvailableTransitions(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	inst := e.CreateInstance(def, nil, "alice")
	require.NoError(t, e.StartInstance(context.Background(), inst, def))
	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", nil))

	// Sorted names, guards not consulted even though none is registered.
	assert.Equal(t, []string{"approve", "reject"}, e.AvailableTransitions(inst, def))
}

func TestAvailableTransitions_unknown_state(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	inst := e.CreateInstance(def, nil, "alice")
	inst.CurrentState = "limbo"

	assert.Nil(t, e.AvailableTransitions(inst, def))
}

func TestCanExecuteTransition(t *testing.T) {
	e := NewEngine()
	def := approvalDefinition()
	require.NoError(t, e.RegisterGuard("reviewer_has_authority",
		func(ctx context.Context, gc *Context) (bool, error) {
			return gc.GetData("role") == "manager", nil
		}))

	inst := e.CreateInstance(def, map[string]any{"role": "manager"}, "alice")

	assert.False(t, e.CanExecuteTransition(context.Background(), inst, def, "submit"),
		"pending instance cannot transition")

	require.NoError(t, e.StartInstance(context.Background(), inst, def))
	assert.True(t, e.CanExecuteTransition(context.Background(), inst, def, "submit"))
	assert.False(t, e.CanExecuteTransition(context.Background(), inst, def, "teleport"))

	require.NoError(t, e.ExecuteTransition(context.Background(), inst, def, "submit", "alice", nil))
	assert.True(t, e.CanExecuteTransition(context.Background(), inst, def, "approve"))

	inst.Data["role"] = "intern"
	assert.False(t, e.CanExecuteTransition(context.Background(), inst, def, "approve"))
	assert.Equal(t, "review", inst.CurrentState, "dry run must not mutate")
}
