// Package model contains the shared data model for the workflow execution
// core: definitions, instances, history, human tasks, request identity, and
// the error envelope.
package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition type tags.
const (
	DefinitionTypeState = "state"
	DefinitionTypeFlow  = "flow"
)

// Built-in flow node types.
const (
	NodeStart           = "start"
	NodeEnd             = "end"
	NodeDecision        = "decision"
	NodeAssignment      = "assignment"
	NodeLoop            = "loop"
	NodeCreateRecord    = "create_record"
	NodeUpdateRecord    = "update_record"
	NodeDeleteRecord    = "delete_record"
	NodeGetRecord       = "get_record"
	NodeHTTPRequest     = "http_request"
	NodeScript          = "script"
	NodeWait            = "wait"
	NodeSubflow         = "subflow"
	NodeConnectorAction = "connector_action"
)

// BuiltinNodeTypes is the set of node types the flow engine knows about.
// Types outside this set are treated as custom and execute as no-ops unless
// a handler is registered.
var BuiltinNodeTypes = map[string]bool{
	NodeStart: true, NodeEnd: true, NodeDecision: true, NodeAssignment: true,
	NodeLoop: true, NodeCreateRecord: true, NodeUpdateRecord: true,
	NodeDeleteRecord: true, NodeGetRecord: true, NodeHTTPRequest: true,
	NodeScript: true, NodeWait: true, NodeSubflow: true, NodeConnectorAction: true,
}

// Definition is an immutable workflow template. Exactly one of the two
// variants is populated: the state-machine variant (States, InitialState)
// or the graph variant (Nodes, Edges). Version is an opaque tag; it is
// recorded on instances but never interpreted by the engines.
type Definition struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Type    string `yaml:"type" json:"type"`

	// State-machine variant.
	States       map[string]*StateConfig `yaml:"states,omitempty" json:"states,omitempty"`
	InitialState string                  `yaml:"initial_state,omitempty" json:"initial_state,omitempty"`

	// Graph variant.
	Nodes []FlowNode `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	Edges []FlowEdge `yaml:"edges,omitempty" json:"edges,omitempty"`

	// Populated by the loader, not part of the document.
	Checksum   string `yaml:"-" json:"-"`
	SourceFile string `yaml:"-" json:"-"`
}

// Key returns the registry lookup key "id@version".
func (d Definition) Key() string {
	return d.ID + "@" + d.Version
}

// StateConfig describes one named state of a state-machine definition.
type StateConfig struct {
	Initial     bool                         `yaml:"initial,omitempty" json:"initial,omitempty"`
	Final       bool                         `yaml:"final,omitempty" json:"final,omitempty"`
	OnEnter     []HookRef                    `yaml:"on_enter,omitempty" json:"on_enter,omitempty"`
	OnExit      []HookRef                    `yaml:"on_exit,omitempty" json:"on_exit,omitempty"`
	Transitions map[string]*TransitionConfig `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// TransitionConfig describes a named transition out of a state. In YAML a
// transition value may be shorthand (a bare target-state string) or a full
// object with guards and actions.
type TransitionConfig struct {
	Target  string    `yaml:"target" json:"target"`
	Guards  []HookRef `yaml:"guards,omitempty" json:"guards,omitempty"`
	Actions []HookRef `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// UnmarshalYAML accepts either a bare target string or a full mapping.
func (t *TransitionConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&t.Target)
	}
	type plain TransitionConfig
	return value.Decode((*plain)(t))
}

// HookRef references a guard or action. A reference is either a registered
// name or an inline configuration {type, params} resolved against the same
// registry with Params passed through to the hook.
type HookRef struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Inline reports whether the reference carries inline parameters.
func (h HookRef) Inline() bool {
	return len(h.Params) > 0
}

// UnmarshalYAML accepts either a scalar name or a {type, params} mapping.
func (h *HookRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&h.Name)
	}
	var obj struct {
		Type   string         `yaml:"type"`
		Params map[string]any `yaml:"params"`
	}
	if err := value.Decode(&obj); err != nil {
		return err
	}
	if obj.Type == "" {
		return fmt.Errorf("hook reference requires a type")
	}
	h.Name = obj.Type
	h.Params = obj.Params
	return nil
}

// FlowNode is one typed node of a graph definition. Config is an opaque
// key/value map interpreted by the node's handler; unknown keys (including
// editor layout coordinates) are carried through untouched.
type FlowNode struct {
	ID     string         `yaml:"id" json:"id"`
	Type   string         `yaml:"type" json:"type"`
	Name   string         `yaml:"name,omitempty" json:"name,omitempty"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// FlowEdge connects two nodes. Condition is evaluated at decision nodes;
// Label lets a handler select a specific outgoing edge by name.
type FlowEdge struct {
	Source    string `yaml:"source" json:"source"`
	Target    string `yaml:"target" json:"target"`
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Label     string `yaml:"label,omitempty" json:"label,omitempty"`
}

// StartNodeID returns the id of the start-typed node, falling back to the
// first node when none is tagged start. Empty string for an empty graph.
func (d Definition) StartNodeID() string {
	for _, n := range d.Nodes {
		if n.Type == NodeStart {
			return n.ID
		}
	}
	if len(d.Nodes) > 0 {
		return d.Nodes[0].ID
	}
	return ""
}
