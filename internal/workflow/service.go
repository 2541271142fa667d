// Package workflow is the orchestration layer between the HTTP transport
// and the execution engines. It loads definitions from the registry, applies
// engine operations to instances, and persists the results through the
// storage port with optimistic locking.
package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/objectql/flowcore/internal/definition"
	"github.com/objectql/flowcore/internal/flow"
	"github.com/objectql/flowcore/internal/fsm"
	"github.com/objectql/flowcore/internal/observability"
	"github.com/objectql/flowcore/internal/storage"
	"github.com/objectql/flowcore/model"
)

// Service orchestrates instance lifecycles over the two engines.
type Service struct {
	registry *definition.Registry
	store    storage.Store
	fsm      *fsm.Engine
	flow     *flow.Engine
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates the orchestration service.
func NewService(registry *definition.Registry, store storage.Store, fsmEngine *fsm.Engine, flowEngine *flow.Engine, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		store:    store,
		fsm:      fsmEngine,
		flow:     flowEngine,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InstanceView is an instance together with the transitions currently
// available from its state. Returned by read operations so clients can
// render actions without a second round trip.
type InstanceView struct {
	Instance             model.Instance `json:"instance"`
	AvailableTransitions []string       `json:"available_transitions,omitempty"`
}

// CreateInstance persists a new pending instance of a state-map workflow.
// An empty version resolves to the latest registered version.
func (s *Service) CreateInstance(ctx context.Context, rctx *model.RequestContext, workflowID, version string, data map[string]any) (model.Instance, error) {
	def, err := s.stateDefinition(workflowID, version)
	if err != nil {
		return model.Instance{}, err
	}

	inst := s.fsm.CreateInstance(def, data, rctx.SubjectID)
	inst.TenantID = rctx.TenantID

	if err := s.store.SaveInstance(ctx, *inst); err != nil {
		return model.Instance{}, err
	}
	return *inst, nil
}

// StartInstance moves a pending instance to running, firing the initial
// state's entry actions, and persists the result.
func (s *Service) StartInstance(ctx context.Context, rctx *model.RequestContext, instanceID string) (_ model.Instance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start_instance",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrTenantID.String(rctx.TenantID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, err := s.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	def, err := s.stateDefinition(inst.WorkflowID, inst.Version)
	if err != nil {
		return model.Instance{}, err
	}

	if err := s.fsm.StartInstance(ctx, &inst, def); err != nil {
		return model.Instance{}, err
	}
	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		return model.Instance{}, err
	}
	return inst, nil
}

// ExecuteTransition applies a named transition and persists the outcome.
// When an action fails mid-transition the instance is persisted as the
// engine left it, so the audit trail reflects the partial progress.
func (s *Service) ExecuteTransition(ctx context.Context, rctx *model.RequestContext, instanceID, transitionName string, data map[string]any) (_ model.Instance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.execute_transition",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrTransition.String(transitionName),
		observability.AttrTenantID.String(rctx.TenantID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, err := s.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	def, err := s.stateDefinition(inst.WorkflowID, inst.Version)
	if err != nil {
		return model.Instance{}, err
	}

	execErr := s.fsm.ExecuteTransition(ctx, &inst, def, transitionName, rctx.SubjectID, data)
	if execErr != nil {
		// Lifecycle, unknown-transition, and guard rejections happen before
		// any mutation; only action failures leave state worth persisting.
		switch model.CodeOf(execErr) {
		case model.ErrInvalidLifecycle, model.ErrUnknownTransition, model.ErrGuardRejected:
		default:
			if saveErr := s.store.UpdateInstance(ctx, inst); saveErr != nil {
				s.logger.Error("failed to persist instance after transition error",
					zap.String("instance_id", inst.ID),
					zap.Error(saveErr))
			}
		}
		return model.Instance{}, execErr
	}

	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		return model.Instance{}, err
	}
	return inst, nil
}

// AbortInstance aborts a running instance and persists it.
func (s *Service) AbortInstance(ctx context.Context, rctx *model.RequestContext, instanceID string) (_ model.Instance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.abort_instance",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrTenantID.String(rctx.TenantID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, err := s.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.Instance{}, err
	}
	def, err := s.stateDefinition(inst.WorkflowID, inst.Version)
	if err != nil {
		return model.Instance{}, err
	}

	if err := s.fsm.AbortInstance(ctx, &inst, def, rctx.SubjectID); err != nil {
		return model.Instance{}, err
	}
	if err := s.store.UpdateInstance(ctx, inst); err != nil {
		return model.Instance{}, err
	}
	return inst, nil
}

// GetInstance loads an instance with its available transitions.
func (s *Service) GetInstance(ctx context.Context, rctx *model.RequestContext, instanceID string) (InstanceView, error) {
	inst, err := s.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return InstanceView{}, err
	}

	view := InstanceView{Instance: inst}
	if inst.Status == model.InstanceStatusRunning {
		if def, ok := s.registry.Get(inst.WorkflowID, inst.Version); ok && def.Type == model.DefinitionTypeState {
			view.AvailableTransitions = s.fsm.AvailableTransitions(&inst, def)
		}
	}
	return view, nil
}

// CanExecuteTransition evaluates a transition's guards without applying it.
func (s *Service) CanExecuteTransition(ctx context.Context, rctx *model.RequestContext, instanceID, transitionName string) (bool, error) {
	inst, err := s.store.GetInstance(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return false, err
	}
	def, err := s.stateDefinition(inst.WorkflowID, inst.Version)
	if err != nil {
		return false, err
	}
	return s.fsm.CanExecuteTransition(ctx, &inst, def, transitionName), nil
}

// ListInstances queries the tenant's instances.
func (s *Service) ListInstances(ctx context.Context, rctx *model.RequestContext, filter storage.InstanceFilter) ([]model.Instance, error) {
	return s.store.QueryInstances(ctx, rctx.TenantID, filter)
}

// ExecuteFlow creates an instance of a flow definition and runs it to
// completion in one call, persisting the final instance. The run result is
// returned even when the run failed; the error carries the failure cause.
func (s *Service) ExecuteFlow(ctx context.Context, rctx *model.RequestContext, flowID, version string, variables map[string]any) (_ *flow.ExecutionResult, _ model.Instance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.execute_flow",
		observability.AttrWorkflowID.String(flowID),
		observability.AttrTenantID.String(rctx.TenantID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	def, err := s.flowDefinition(flowID, version)
	if err != nil {
		return nil, model.Instance{}, err
	}

	inst := s.flow.CreateInstance(def, nil, rctx.SubjectID)
	inst.TenantID = rctx.TenantID
	if err := s.store.SaveInstance(ctx, *inst); err != nil {
		return nil, model.Instance{}, err
	}

	res, execErr := s.flow.Execute(ctx, def, inst, variables)
	if err := s.store.UpdateInstance(ctx, *inst); err != nil {
		s.logger.Error("failed to persist flow instance after run",
			zap.String("instance_id", inst.ID),
			zap.Error(err))
		return res, *inst, err
	}
	return res, *inst, execErr
}

// Definitions returns every registered definition, sorted by id.
func (s *Service) Definitions() []model.Definition {
	return s.registry.All()
}

// GetDefinition resolves one definition; empty version means latest.
func (s *Service) GetDefinition(id, version string) (model.Definition, error) {
	def, ok := s.registry.Get(id, version)
	if !ok {
		return model.Definition{}, model.NewNotFoundError(
			fmt.Sprintf("definition %q not found", id))
	}
	return def, nil
}

func (s *Service) stateDefinition(id, version string) (model.Definition, error) {
	def, ok := s.registry.Get(id, version)
	if !ok {
		return model.Definition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", id))
	}
	if def.Type != model.DefinitionTypeState {
		return model.Definition{}, model.NewBadRequestError(
			fmt.Sprintf("definition %q is a %s, not a state workflow", id, def.Type))
	}
	return def, nil
}

func (s *Service) flowDefinition(id, version string) (model.Definition, error) {
	def, ok := s.registry.Get(id, version)
	if !ok {
		return model.Definition{}, model.NewNotFoundError(
			fmt.Sprintf("flow %q not found", id))
	}
	if def.Type != model.DefinitionTypeFlow {
		return model.Definition{}, model.NewBadRequestError(
			fmt.Sprintf("definition %q is a %s, not a flow", id, def.Type))
	}
	return def, nil
}
