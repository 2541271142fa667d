package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/objectql/flowcore/internal/observability"
	"github.com/objectql/flowcore/model"
)

// DefaultMaxNodes bounds a single run. Cycles in a flow graph are legal,
// so the interpreter counts node executions and fails the run once the
// bound is crossed rather than looping forever.
const DefaultMaxNodes = 500

// Engine is the batch interpreter for flow-graph definitions. A run walks
// the graph from the start node to an end node (or a dead end) in one call.
// Like the FSM engine it holds no persistence and no per-instance locking.
type Engine struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	logger   *zap.Logger
	metrics  *observability.Metrics
	maxNodes int
	strict   bool
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

// WithMaxNodes overrides the per-run traversal bound.
func WithMaxNodes(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxNodes = n
		}
	}
}

// WithStrictHandlers makes an unregistered handler for a built-in node type
// a run failure instead of a silent no-op. Unknown custom types are always
// no-ops either way.
func WithStrictHandlers(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}

// NewEngine creates a flow engine with the default structural handlers
// registered (start, end, decision, wait pass through; assignment writes
// its config into the variables; script warns and passes).
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		handlers: map[string]HandlerFunc{
			model.NodeStart:      passHandler,
			model.NodeEnd:        passHandler,
			model.NodeDecision:   passHandler,
			model.NodeWait:       passHandler,
			model.NodeAssignment: assignmentHandler,
			model.NodeScript:     scriptHandler,
		},
		logger:   zap.NewNop(),
		maxNodes: DefaultMaxNodes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterHandler installs (or replaces) the handler for a node type.
func (e *Engine) RegisterHandler(nodeType string, fn HandlerFunc) {
	e.mu.Lock()
	e.handlers[nodeType] = fn
	e.mu.Unlock()
}

func (e *Engine) handler(nodeType string) (HandlerFunc, bool) {
	e.mu.RLock()
	fn, registered := e.handlers[nodeType]
	e.mu.RUnlock()
	return fn, registered
}

// ExecutionResult summarizes a finished run. Variables is the final working
// set, also written back to the instance data.
type ExecutionResult struct {
	Status    string         `json:"status"`
	Variables map[string]any `json:"variables,omitempty"`
	Steps     int            `json:"steps"`
	Error     string         `json:"error,omitempty"`
}

// CreateInstance builds a fresh pending instance positioned at the flow's
// start node.
func (e *Engine) CreateInstance(flow model.Definition, data map[string]any, startedBy string) *model.Instance {
	working := make(map[string]any, len(data))
	for k, v := range data {
		working[k] = v
	}
	return &model.Instance{
		ID:           uuid.New().String(),
		WorkflowID:   flow.ID,
		Version:      flow.Version,
		CurrentState: flow.StartNodeID(),
		Status:       model.InstanceStatusPending,
		Data:         working,
		CreatedAt:    time.Now().UTC(),
		StartedBy:    startedBy,
	}
}

// Execute runs the flow to completion. Variables are seeded from the
// instance data with initialVariables layered on top; node output merges
// into them as the run advances, and the final set is written back to the
// instance. The instance must be pending: a run is one-shot, and executing
// a finished instance fails with INVALID_LIFECYCLE.
//
// On failure the instance is marked failed with the cause recorded, and the
// error is returned alongside the result describing the final state.
func (e *Engine) Execute(ctx context.Context, flow model.Definition, inst *model.Instance, initialVariables map[string]any) (*ExecutionResult, error) {
	if inst.Status != model.InstanceStatusPending {
		return nil, model.NewInvalidLifecycleError(
			fmt.Sprintf("cannot execute instance %s in status %s", inst.ID, inst.Status))
	}

	runStart := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RecordFlowRunDuration(flow.ID, time.Since(runStart))
		}
	}()

	now := time.Now().UTC()
	inst.Status = model.InstanceStatusRunning
	inst.StartedAt = &now
	if e.metrics != nil {
		e.metrics.InstancesStartedTotal.WithLabelValues(flow.ID).Inc()
	}

	variables := make(map[string]any, len(inst.Data)+len(initialVariables))
	for k, v := range inst.Data {
		variables[k] = v
	}
	for k, v := range initialVariables {
		variables[k] = v
	}

	state := &ExecState{
		Flow:      flow,
		Instance:  inst,
		Variables: variables,
		Logger:    e.logger.With(zap.String("flow_id", flow.ID), zap.String("instance_id", inst.ID)),
	}

	nodes := make(map[string]model.FlowNode, len(flow.Nodes))
	for _, n := range flow.Nodes {
		nodes[n.ID] = n
	}

	res := &ExecutionResult{Variables: variables}
	current := inst.CurrentState

	for res.Steps < e.maxNodes {
		node, found := nodes[current]
		if !found {
			err := model.NewNodeNotFoundError(fmt.Sprintf("flow %s has no node %s", flow.ID, current))
			e.fail(inst, res, err)
			return res, err
		}
		res.Steps++

		out := e.runNode(ctx, node, state)
		if !out.Success {
			err := out.Err
			if err == nil {
				err = model.NewHandlerFailureError(node.ID, fmt.Errorf("handler reported failure"))
			}
			// Output merges only on success; a failed node's partial
			// output is discarded.
			e.recordNode(flow.ID, node.Type, "failed")
			e.fail(inst, res, err)
			return res, err
		}
		for k, v := range out.Output {
			variables[k] = v
		}
		e.recordNode(flow.ID, node.Type, "ok")

		if node.Type == model.NodeEnd {
			e.complete(inst, res)
			return res, nil
		}

		next := resolveNextEdge(flow.Edges, node, out, variables)
		if next == nil {
			// Dead end: nothing left to do, the run is complete.
			state.Logger.Debug("no outgoing edge, completing run", zap.String("node_id", node.ID))
			e.complete(inst, res)
			return res, nil
		}

		inst.History = append(inst.History, model.StateHistoryEntry{
			FromState:   current,
			ToState:     next.Target,
			Transition:  node.Type,
			Timestamp:   time.Now().UTC(),
			TriggeredBy: inst.StartedBy,
		})
		current = next.Target
		inst.CurrentState = current
	}

	err := model.NewTraversalLimitError(
		fmt.Sprintf("flow %s exceeded the %d-node traversal limit", flow.ID, e.maxNodes))
	if e.metrics != nil {
		e.metrics.TraversalLimitTotal.WithLabelValues(flow.ID).Inc()
	}
	e.fail(inst, res, err)
	return res, err
}

// runNode dispatches the node to its handler. A node type with no handler
// is a no-op unless strict mode is on and the type is a known built-in.
func (e *Engine) runNode(ctx context.Context, node model.FlowNode, state *ExecState) Result {
	fn, registered := e.handler(node.Type)
	if !registered {
		if e.strict && model.BuiltinNodeTypes[node.Type] {
			return failed(model.NewHandlerFailureError(node.ID,
				fmt.Errorf("no handler registered for built-in node type %s", node.Type)))
		}
		state.Logger.Debug("no handler for node type, passing through",
			zap.String("node_id", node.ID), zap.String("node_type", node.Type))
		return ok()
	}
	return fn(ctx, node, state)
}

// resolveNextEdge picks the outgoing edge for a node, in definition order:
// a handler-requested label wins, then for decision nodes the first edge
// whose condition holds, then the first unconditioned edge, then the first
// edge outright.
func resolveNextEdge(edges []model.FlowEdge, node model.FlowNode, out Result, vars map[string]any) *model.FlowEdge {
	var outgoing []*model.FlowEdge
	for i := range edges {
		if edges[i].Source == node.ID {
			outgoing = append(outgoing, &edges[i])
		}
	}
	if len(outgoing) == 0 {
		return nil
	}

	if out.NextEdge != "" {
		for _, edge := range outgoing {
			if edge.Label == out.NextEdge {
				return edge
			}
		}
	}

	if node.Type == model.NodeDecision {
		for _, edge := range outgoing {
			if edge.Condition != "" && EvaluateCondition(edge.Condition, vars) {
				return edge
			}
		}
	}

	for _, edge := range outgoing {
		if edge.Condition == "" {
			return edge
		}
	}
	return outgoing[0]
}

func (e *Engine) complete(inst *model.Instance, res *ExecutionResult) {
	now := time.Now().UTC()
	inst.Status = model.InstanceStatusCompleted
	inst.CompletedAt = &now
	inst.Data = res.Variables
	res.Status = inst.Status
	if e.metrics != nil {
		e.metrics.InstancesFinishedTotal.WithLabelValues(inst.WorkflowID, inst.Status).Inc()
	}
}

func (e *Engine) fail(inst *model.Instance, res *ExecutionResult, err error) {
	now := time.Now().UTC()
	inst.Status = model.InstanceStatusFailed
	inst.FailedAt = &now
	inst.Error = err.Error()
	inst.Data = res.Variables
	res.Status = inst.Status
	res.Error = err.Error()
	if e.metrics != nil {
		e.metrics.InstancesFinishedTotal.WithLabelValues(inst.WorkflowID, inst.Status).Inc()
	}
	e.logger.Warn("flow run failed",
		zap.String("flow_id", inst.WorkflowID),
		zap.String("instance_id", inst.ID),
		zap.Error(err))
}

func (e *Engine) recordNode(flowID, nodeType, result string) {
	if e.metrics != nil {
		e.metrics.NodesExecutedTotal.WithLabelValues(flowID, nodeType, result).Inc()
	}
}
