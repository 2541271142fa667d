package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/objectql/flowcore/internal/definition"
	"github.com/objectql/flowcore/internal/flow"
	"github.com/objectql/flowcore/internal/fsm"
	"github.com/objectql/flowcore/internal/storage"
	"github.com/objectql/flowcore/model"
)

func testRegistry() *definition.Registry {
	stateMachine := model.Definition{
		ID: "order-approval", Version: "1.0.0", Type: model.DefinitionTypeState,
		InitialState: "draft",
		States: map[string]*model.StateConfig{
			"draft": {
				Initial: true,
				Transitions: map[string]*model.TransitionConfig{
					"submit": {Target: "review"},
				},
			},
			"review": {
				Transitions: map[string]*model.TransitionConfig{
					"approve": {
						Target: "approved",
						Guards: []model.HookRef{{Name: "reviewer_has_authority"}},
					},
					"reject": {Target: "rejected"},
				},
			},
			"approved": {Final: true},
			"rejected": {Final: true},
		},
	}
	flowDef := model.Definition{
		ID: "discount-flow", Version: "2.1.0", Type: model.DefinitionTypeFlow,
		Nodes: []model.FlowNode{
			{ID: "n1", Type: model.NodeStart},
			{ID: "n2", Type: model.NodeDecision},
			{ID: "n3", Type: model.NodeAssignment, Config: map[string]any{"discount": 0.1}},
			{ID: "n4", Type: model.NodeEnd},
		},
		Edges: []model.FlowEdge{
			{Source: "n1", Target: "n2"},
			{Source: "n2", Target: "n3", Condition: "amount == 1500"},
			{Source: "n2", Target: "n4"},
			{Source: "n3", Target: "n4"},
		},
	}
	return definition.NewRegistry([]model.Definition{stateMachine, flowDef})
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *fsm.Engine) {
	t.Helper()
	store := storage.NewMemoryStore()
	fsmEngine := fsm.NewEngine()
	flowEngine := flow.NewEngine()
	svc := NewService(testRegistry(), store, fsmEngine, flowEngine)
	return svc, store, fsmEngine
}

func requestContext() *model.RequestContext {
	return &model.RequestContext{SubjectID: "alice", TenantID: "acme"}
}

func TestCreateInstance(t *testing.T) {
	svc, store, _ := newTestService(t)
	rctx := requestContext()

	inst, err := svc.CreateInstance(context.Background(), rctx, "order-approval", "", map[string]any{"amount": 1500})
	require.NoError(t, err)

	assert.Equal(t, model.InstanceStatusPending, inst.Status)
	assert.Equal(t, "draft", inst.CurrentState)
	assert.Equal(t, "acme", inst.TenantID)
	assert.Equal(t, "alice", inst.StartedBy)
	assert.Equal(t, "1.0.0", inst.Version, "empty version resolves to latest")

	saved, err := store.GetInstance(context.Background(), "acme", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, saved.ID)
}

func TestCreateInstance_unknown_workflow(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateInstance(context.Background(), requestContext(), "missing", "", nil)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

func TestCreateInstance_rejects_flow_definition(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateInstance(context.Background(), requestContext(), "discount-flow", "", nil)
	assert.True(t, model.IsCode(err, model.ErrBadRequest))
}

func TestStartInstance(t *testing.T) {
	svc, store, _ := newTestService(t)
	rctx := requestContext()
	created, err := svc.CreateInstance(context.Background(), rctx, "order-approval", "", nil)
	require.NoError(t, err)

	started, err := svc.StartInstance(context.Background(), rctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, started.Status)

	saved, err := store.GetInstance(context.Background(), "acme", created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusRunning, saved.Status)

	// Starting again is a lifecycle violation.
	_, err = svc.StartInstance(context.Background(), rctx, created.ID)
	assert.True(t, model.IsCode(err, model.ErrInvalidLifecycle))
}

func TestExecuteTransition(t *testing.T) {
	svc, store, fsmEngine := newTestService(t)
	require.NoError(t, fsmEngine.RegisterGuard("reviewer_has_authority",
		func(ctx context.Context, gc *fsm.Context) (bool, error) { return true, nil }))

	rctx := requestContext()
	created, err := svc.CreateInstance(context.Background(), rctx, "order-approval", "", nil)
	require.NoError(t, err)
	_, err = svc.StartInstance(context.Background(), rctx, created.ID)
	require.NoError(t, err)

	inst, err := svc.ExecuteTransition(context.Background(), rctx, created.ID, "submit", map[string]any{"note": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "review", inst.CurrentState)

	inst, err = svc.ExecuteTransition(context.Background(), rctx, created.ID, "approve", nil)
	require.NoError(t, err)
	assert.Equal(t, "approved", inst.CurrentState)
	assert.Equal(t, model.InstanceStatusCompleted, inst.Status)

	saved, err := store.GetInstance(context.Background(), "acme", created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCompleted, saved.Status)
	assert.Len(t, saved.History, 2)
}

func TestExecuteTransition_guard_rejection_not_persisted(t *testing.T) {
	svc, store, _ := newTestService(t)
	rctx := requestContext()
	created, err := svc.CreateInstance(context.Background(), rctx, "order-approval", "", nil)
	require.NoError(t, err)
	_, err = svc.StartInstance(context.Background(), rctx, created.ID)
	require.NoError(t, err)
	_, err = svc.ExecuteTransition(context.Background(), rctx, created.ID, "submit", nil)
	require.NoError(t, err)

	before, err := store.GetInstance(context.Background(), "acme", created.ID)
	require.NoError(t, err)

	// Guard is unregistered, so the transition is blocked.
	_, err = svc.ExecuteTransition(context.Background(), rctx, created.ID, "approve", nil)
	assert.True(t, model.IsCode(err, model.ErrGuardRejected))

	after, err := store.GetInstance(context.Background(), "acme", created.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Revision, after.Revision, "a rejected transition writes nothing")
	assert.Equal(t, "review", after.CurrentState)
}

func TestExecuteTransition_unknown_instance(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ExecuteTransition(context.Background(), requestContext(), "ghost", "submit", nil)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

func TestAbortInstance(t *testing.T) {
	svc, _, _ := newTestService(t)
	rctx := requestContext()
	created, err := svc.CreateInstance(context.Background(), rctx, "order-approval", "", nil)
	require.NoError(t, err)
	_, err = svc.StartInstance(context.Background(), rctx, created.ID)
	require.NoError(t, err)

	aborted, err := svc.AbortInstance(context.Background(), rctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusAborted, aborted.Status)

	// Terminal instances cannot be aborted again.
	_, err = svc.AbortInstance(context.Background(), rctx, created.ID)
	assert.True(t, model.IsCode(err, model.ErrInvalidLifecycle))
}

func TestGetInstance_view(t *testing.T) {
	svc, _, _ := newTestService(t)
	rctx := requestContext()
	created, err := svc.CreateInstance(context.Background(), rctx, "order-approval", "", nil)
	require.NoError(t, err)

	view, err := svc.GetInstance(context.Background(), rctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, view.AvailableTransitions, "pending instances expose no transitions")

	_, err = svc.StartInstance(context.Background(), rctx, created.ID)
	require.NoError(t, err)

	view, err = svc.GetInstance(context.Background(), rctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"submit"}, view.AvailableTransitions)
}

func TestCanExecuteTransition(t *testing.T) {
	svc, _, fsmEngine := newTestService(t)
	require.NoError(t, fsmEngine.RegisterGuard("reviewer_has_authority",
		func(ctx context.Context, gc *fsm.Context) (bool, error) { return false, nil }))

	rctx := requestContext()
	created, err := svc.CreateInstance(context.Background(), rctx, "order-approval", "", nil)
	require.NoError(t, err)
	_, err = svc.StartInstance(context.Background(), rctx, created.ID)
	require.NoError(t, err)
	_, err = svc.ExecuteTransition(context.Background(), rctx, created.ID, "submit", nil)
	require.NoError(t, err)

	ok, err := svc.CanExecuteTransition(context.Background(), rctx, created.ID, "reject")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.CanExecuteTransition(context.Background(), rctx, created.ID, "approve")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListInstances(t *testing.T) {
	svc, _, _ := newTestService(t)
	rctx := requestContext()

	for i := 0; i < 3; i++ {
		_, err := svc.CreateInstance(context.Background(), rctx, "order-approval", "", nil)
		require.NoError(t, err)
	}

	instances, err := svc.ListInstances(context.Background(), rctx, storage.InstanceFilter{WorkflowID: "order-approval"})
	require.NoError(t, err)
	assert.Len(t, instances, 3)

	other := &model.RequestContext{SubjectID: "eve", TenantID: "globex"}
	instances, err = svc.ListInstances(context.Background(), other, storage.InstanceFilter{})
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestExecuteFlow(t *testing.T) {
	svc, store, _ := newTestService(t)
	rctx := requestContext()

	res, inst, err := svc.ExecuteFlow(context.Background(), rctx, "discount-flow", "", map[string]any{"amount": 1500})
	require.NoError(t, err)

	assert.Equal(t, model.InstanceStatusCompleted, res.Status)
	assert.Equal(t, 0.1, res.Variables["discount"])
	assert.Equal(t, "acme", inst.TenantID)

	saved, err := store.GetInstance(context.Background(), "acme", inst.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InstanceStatusCompleted, saved.Status)
	assert.Equal(t, 0.1, saved.Data["discount"])
}

func TestExecuteFlow_rejects_state_definition(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, _, err := svc.ExecuteFlow(context.Background(), requestContext(), "order-approval", "", nil)
	assert.True(t, model.IsCode(err, model.ErrBadRequest))
}

func TestDefinitions(t *testing.T) {
	svc, _, _ := newTestService(t)

	defs := svc.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "discount-flow", defs[0].ID)
	assert.Equal(t, "order-approval", defs[1].ID)

	def, err := svc.GetDefinition("order-approval", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", def.Version)

	_, err = svc.GetDefinition("missing", "")
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

func TestExecuteTransition_spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	svc, _, _ := newTestService(t)
	rctx := requestContext()
	created, err := svc.CreateInstance(context.Background(), rctx, "order-approval", "", nil)
	require.NoError(t, err)
	_, err = svc.StartInstance(context.Background(), rctx, created.ID)
	require.NoError(t, err)
	_, err = svc.ExecuteTransition(context.Background(), rctx, created.ID, "submit", nil)
	require.NoError(t, err)

	// The unregistered guard blocks "approve"; the span records the failure.
	_, err = svc.ExecuteTransition(context.Background(), rctx, created.ID, "approve", nil)
	require.Error(t, err)

	var transitionSpans []tracetest.SpanStub
	for _, s := range exporter.GetSpans() {
		if s.Name == "workflow.execute_transition" {
			transitionSpans = append(transitionSpans, s)
		}
	}
	require.Len(t, transitionSpans, 2)

	okSpan, failedSpan := transitionSpans[0], transitionSpans[1]
	assert.NotEqual(t, codes.Error, okSpan.Status.Code)
	assert.Equal(t, codes.Error, failedSpan.Status.Code)

	attrs := make(map[string]string)
	for _, a := range failedSpan.Attributes {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	assert.Equal(t, created.ID, attrs["flowcore.instance_id"])
	assert.Equal(t, "approve", attrs["flowcore.transition"])
	assert.Equal(t, "acme", attrs["flowcore.tenant_id"])
}
