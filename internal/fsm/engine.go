package fsm

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/objectql/flowcore/internal/observability"
	"github.com/objectql/flowcore/model"
)

// Engine executes state-map definitions. It performs no persistence and no
// internal locking: callers serialize all operations on a given instance and
// write the mutated instance back through the storage port themselves.
type Engine struct {
	guards  *GuardRegistry
	actions *ActionRegistry
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics attaches Prometheus instruments to the engine.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an FSM engine with empty guard and action registries.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		guards:  NewGuardRegistry(),
		actions: NewActionRegistry(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterGuard registers a named guard function.
func (e *Engine) RegisterGuard(name string, fn GuardFunc) error {
	return e.guards.Register(name, fn)
}

// RegisterAction registers a named action function.
func (e *Engine) RegisterAction(name string, fn ActionFunc) error {
	return e.actions.Register(name, fn)
}

// CreateInstance builds a fresh pending instance positioned at the
// definition's initial state. It has no side effects beyond generating an id.
func (e *Engine) CreateInstance(def model.Definition, data map[string]any, startedBy string) *model.Instance {
	working := make(map[string]any, len(data))
	for k, v := range data {
		working[k] = v
	}
	return &model.Instance{
		ID:           uuid.New().String(),
		WorkflowID:   def.ID,
		Version:      def.Version,
		CurrentState: initialStateName(def),
		Status:       model.InstanceStatusPending,
		Data:         working,
		CreatedAt:    time.Now().UTC(),
		StartedBy:    startedBy,
	}
}

// StartInstance moves a pending instance to running and fires the initial
// state's on_enter actions. A definition whose initial state is also final
// completes immediately.
func (e *Engine) StartInstance(ctx context.Context, inst *model.Instance, def model.Definition) error {
	if inst.Status != model.InstanceStatusPending {
		return model.NewInvalidLifecycleError(
			fmt.Sprintf("instance %q is %s, cannot start", inst.ID, inst.Status),
		)
	}

	now := time.Now().UTC()
	inst.Status = model.InstanceStatusRunning
	inst.StartedAt = &now

	state, ok := def.States[inst.CurrentState]
	if !ok {
		return model.NewUnknownTransitionError(
			fmt.Sprintf("initial state %q not found in definition %q", inst.CurrentState, def.ID),
		)
	}

	if e.metrics != nil {
		e.metrics.InstancesStartedTotal.WithLabelValues(def.ID).Inc()
	}
	e.logger.Info("instance started",
		zap.String("instance_id", inst.ID),
		zap.String("workflow_id", def.ID),
		zap.String("state", inst.CurrentState),
	)

	if err := e.runActions(ctx, state.OnEnter, inst, def, inst.CurrentState, ""); err != nil {
		return err
	}

	if state.Final {
		e.complete(inst, def, inst.StartedBy)
	}
	return nil
}

// ExecuteTransition applies a named transition to a running instance.
//
// Ordering is a hard contract: guards (all must pass, in order), then the
// current state's on_exit actions, then the transition's own actions, then
// the state mutation and history append, then the target state's on_enter
// actions. An action error propagates verbatim and aborts the call; whether
// CurrentState was already mutated depends on which phase failed, so callers
// must re-read the instance after a failed call.
func (e *Engine) ExecuteTransition(
	ctx context.Context,
	inst *model.Instance,
	def model.Definition,
	transitionName, triggeredBy string,
	data map[string]any,
) error {
	if inst.Status != model.InstanceStatusRunning {
		return model.NewInvalidLifecycleError(
			fmt.Sprintf("instance %q is %s, cannot transition", inst.ID, inst.Status),
		)
	}

	state, ok := def.States[inst.CurrentState]
	if !ok {
		return model.NewUnknownTransitionError(
			fmt.Sprintf("state %q not found in definition %q", inst.CurrentState, def.ID),
		)
	}
	transition, ok := state.Transitions[transitionName]
	if !ok {
		e.recordTransition(def, "unknown")
		return model.NewUnknownTransitionError(
			fmt.Sprintf("state %q has no transition %q", inst.CurrentState, transitionName),
		)
	}

	if err := e.evaluateGuards(ctx, transition.Guards, inst, def, transitionName); err != nil {
		e.recordTransition(def, "guard_rejected")
		return err
	}

	// on_exit fires while CurrentState still names the state being left.
	if err := e.runActions(ctx, state.OnExit, inst, def, inst.CurrentState, transitionName); err != nil {
		e.recordTransition(def, "failed")
		return err
	}
	if err := e.runActions(ctx, transition.Actions, inst, def, inst.CurrentState, transitionName); err != nil {
		e.recordTransition(def, "failed")
		return err
	}

	fromState := inst.CurrentState
	inst.CurrentState = transition.Target
	inst.History = append(inst.History, model.StateHistoryEntry{
		FromState:   fromState,
		ToState:     transition.Target,
		Transition:  transitionName,
		Timestamp:   time.Now().UTC(),
		TriggeredBy: triggeredBy,
		Data:        data,
	})

	e.logger.Info("transition applied",
		zap.String("instance_id", inst.ID),
		zap.String("workflow_id", def.ID),
		zap.String("transition", transitionName),
		zap.String("from", fromState),
		zap.String("to", transition.Target),
	)

	target, ok := def.States[transition.Target]
	if !ok {
		// Validator prevents dangling targets at load; a dynamically built
		// definition can still reach here.
		e.recordTransition(def, "failed")
		return model.NewUnknownTransitionError(
			fmt.Sprintf("transition target %q not found in definition %q", transition.Target, def.ID),
		)
	}

	if err := e.runActions(ctx, target.OnEnter, inst, def, transition.Target, transitionName); err != nil {
		e.recordTransition(def, "failed")
		return err
	}

	e.recordTransition(def, "applied")
	if target.Final {
		e.complete(inst, def, triggeredBy)
	}
	return nil
}

// AbortInstance runs the current state's on_exit actions and marks the
// instance aborted. No transition or target-state actions run.
func (e *Engine) AbortInstance(ctx context.Context, inst *model.Instance, def model.Definition, abortedBy string) error {
	if inst.Status != model.InstanceStatusRunning {
		return model.NewInvalidLifecycleError(
			fmt.Sprintf("instance %q is %s, cannot abort", inst.ID, inst.Status),
		)
	}

	if state, ok := def.States[inst.CurrentState]; ok {
		if err := e.runActions(ctx, state.OnExit, inst, def, inst.CurrentState, ""); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	inst.Status = model.InstanceStatusAborted
	inst.AbortedAt = &now
	inst.CompletedBy = abortedBy

	if e.metrics != nil {
		e.metrics.InstancesFinishedTotal.WithLabelValues(def.ID, model.InstanceStatusAborted).Inc()
	}
	e.logger.Info("instance aborted",
		zap.String("instance_id", inst.ID),
		zap.String("workflow_id", def.ID),
		zap.String("state", inst.CurrentState),
		zap.String("aborted_by", abortedBy),
	)
	return nil
}

// AvailableTransitions returns the transition names leaving the instance's
// current state. Read-only; guards are not evaluated.
func (e *Engine) AvailableTransitions(inst *model.Instance, def model.Definition) []string {
	state, ok := def.States[inst.CurrentState]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(state.Transitions))
	for name := range state.Transitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CanExecuteTransition evaluates guards without side effects. It returns
// false, never an error, for any condition that would make the transition
// inapplicable.
func (e *Engine) CanExecuteTransition(ctx context.Context, inst *model.Instance, def model.Definition, transitionName string) bool {
	if inst.Status != model.InstanceStatusRunning {
		return false
	}
	state, ok := def.States[inst.CurrentState]
	if !ok {
		return false
	}
	transition, ok := state.Transitions[transitionName]
	if !ok {
		return false
	}
	return e.evaluateGuards(ctx, transition.Guards, inst, def, transitionName) == nil
}

// evaluateGuards runs all guards in order. Every guard must pass; the first
// failure blocks the transition. An unresolvable guard blocks too: guards
// gate correctness, so a missing one is never silently allowed.
func (e *Engine) evaluateGuards(
	ctx context.Context,
	refs []model.HookRef,
	inst *model.Instance,
	def model.Definition,
	transitionName string,
) error {
	for _, ref := range refs {
		fn, ok := e.guards.Lookup(ref.Name)
		if !ok {
			e.logger.Warn("guard not registered, blocking transition",
				zap.String("guard", ref.Name),
				zap.String("instance_id", inst.ID),
				zap.String("transition", transitionName),
			)
			return model.NewGuardRejectedError(
				fmt.Sprintf("guard %q is not registered", ref.Name),
			)
		}

		pass, err := fn(ctx, e.hookContext(inst, def, inst.CurrentState, transitionName, ref))
		if err != nil {
			return model.NewGuardRejectedError(
				fmt.Sprintf("guard %q failed: %v", ref.Name, err),
			)
		}
		if !pass {
			return model.NewGuardRejectedError(
				fmt.Sprintf("guard %q rejected transition %q", ref.Name, transitionName),
			)
		}
	}
	return nil
}

// runActions executes actions strictly in sequence. A missing action is
// logged and skipped: actions are side effects whose absence should not
// block process progress. A resolved action's error propagates verbatim.
func (e *Engine) runActions(
	ctx context.Context,
	refs []model.HookRef,
	inst *model.Instance,
	def model.Definition,
	stateName, transitionName string,
) error {
	for _, ref := range refs {
		fn, ok := e.actions.Lookup(ref.Name)
		if !ok {
			e.logger.Warn("action not registered, skipping",
				zap.String("action", ref.Name),
				zap.String("instance_id", inst.ID),
				zap.String("state", stateName),
			)
			continue
		}
		if err := fn(ctx, e.hookContext(inst, def, stateName, transitionName, ref)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) hookContext(inst *model.Instance, def model.Definition, stateName, transitionName string, ref model.HookRef) *Context {
	return &Context{
		Instance:     inst,
		Definition:   def,
		CurrentState: stateName,
		Transition:   transitionName,
		Params:       ref.Params,
		Logger:       e.logger,
	}
}

func (e *Engine) complete(inst *model.Instance, def model.Definition, by string) {
	now := time.Now().UTC()
	inst.Status = model.InstanceStatusCompleted
	inst.CompletedAt = &now
	inst.CompletedBy = by

	if e.metrics != nil {
		e.metrics.InstancesFinishedTotal.WithLabelValues(def.ID, model.InstanceStatusCompleted).Inc()
	}
	e.logger.Info("instance completed",
		zap.String("instance_id", inst.ID),
		zap.String("workflow_id", def.ID),
		zap.String("state", inst.CurrentState),
	)
}

func (e *Engine) recordTransition(def model.Definition, result string) {
	if e.metrics != nil {
		e.metrics.TransitionsTotal.WithLabelValues(def.ID, result).Inc()
	}
}

// initialStateName returns the explicit initial state, or the state flagged
// initial when the field is unset.
func initialStateName(def model.Definition) string {
	if def.InitialState != "" {
		return def.InitialState
	}
	for name, state := range def.States {
		if state.Initial {
			return name
		}
	}
	return ""
}
