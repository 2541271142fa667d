package definition

import (
	"fmt"

	"github.com/objectql/flowcore/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks definitions structurally and referentially. A definition
// passing validation can be executed without the engines hitting malformed
// structure at runtime; unreachable states or nodes are legal.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions and returns every error found.
func (v *Validator) Validate(defs []model.Definition) []VError {
	var errs []VError
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.ValidateOne(prefix, def)...)
	}
	return errs
}

// ValidateOne checks a single definition, prefixing error paths.
func (v *Validator) ValidateOne(prefix string, def model.Definition) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if def.Version == "" {
		errs = append(errs, VError{Path: prefix + ".version", Code: "REQUIRED", Message: "version is required"})
	}

	switch def.Type {
	case model.DefinitionTypeState:
		errs = append(errs, v.validateStateMachine(prefix, def)...)
	case model.DefinitionTypeFlow:
		errs = append(errs, v.validateFlow(prefix, def)...)
	case "":
		errs = append(errs, VError{Path: prefix + ".type", Code: "REQUIRED", Message: "type is required"})
	default:
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_ENUM",
			Message: fmt.Sprintf("invalid definition type %q (state, flow)", def.Type)})
	}

	return errs
}

func (v *Validator) validateStateMachine(prefix string, def model.Definition) []VError {
	var errs []VError

	if len(def.States) == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "REQUIRED", Message: "at least one state is required"})
		return errs
	}

	// Exactly one initial state, whether spelled via the top-level field
	// or the per-state flag.
	initials := 0
	for name, state := range def.States {
		if state.Initial || name == def.InitialState {
			initials++
		}
	}
	switch {
	case initials == 0:
		errs = append(errs, VError{Path: prefix + ".initial_state", Code: "REQUIRED",
			Message: "exactly one initial state is required"})
	case initials > 1:
		errs = append(errs, VError{Path: prefix + ".initial_state", Code: "AMBIGUOUS",
			Message: fmt.Sprintf("%d states marked initial, want exactly one", initials)})
	}
	if def.InitialState != "" {
		if _, ok := def.States[def.InitialState]; !ok {
			errs = append(errs, VError{Path: prefix + ".initial_state", Code: "REF_NOT_FOUND",
				Message: fmt.Sprintf("initial state %q not found in states", def.InitialState)})
		}
	}

	finals := 0
	for _, state := range def.States {
		if state.Final {
			finals++
		}
	}
	if finals == 0 {
		errs = append(errs, VError{Path: prefix + ".states", Code: "REQUIRED",
			Message: "at least one final state is required"})
	}

	for name, state := range def.States {
		sp := fmt.Sprintf("%s.states.%s", prefix, name)
		for tname, tr := range state.Transitions {
			tp := fmt.Sprintf("%s.transitions.%s", sp, tname)
			if tr.Target == "" {
				errs = append(errs, VError{Path: tp + ".target", Code: "REQUIRED",
					Message: "transition target is required"})
				continue
			}
			if _, ok := def.States[tr.Target]; !ok {
				errs = append(errs, VError{Path: tp + ".target", Code: "REF_NOT_FOUND",
					Message: fmt.Sprintf("target state %q not found", tr.Target)})
			}
			errs = append(errs, v.validateHooks(tp+".guards", tr.Guards)...)
			errs = append(errs, v.validateHooks(tp+".actions", tr.Actions)...)
		}
		errs = append(errs, v.validateHooks(sp+".on_enter", state.OnEnter)...)
		errs = append(errs, v.validateHooks(sp+".on_exit", state.OnExit)...)
	}

	return errs
}

func (v *Validator) validateHooks(prefix string, hooks []model.HookRef) []VError {
	var errs []VError
	for i, h := range hooks {
		if h.Name == "" {
			msg := "hook name is required"
			if h.Inline() {
				msg = "inline hook requires a type"
			}
			errs = append(errs, VError{Path: fmt.Sprintf("%s[%d]", prefix, i), Code: "REQUIRED",
				Message: msg})
		}
	}
	return errs
}

func (v *Validator) validateFlow(prefix string, def model.Definition) []VError {
	var errs []VError

	if len(def.Nodes) == 0 {
		errs = append(errs, VError{Path: prefix + ".nodes", Code: "REQUIRED", Message: "at least one node is required"})
		return errs
	}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	starts, ends := 0, 0
	for i, n := range def.Nodes {
		np := fmt.Sprintf("%s.nodes[%d]", prefix, i)
		if n.ID == "" {
			errs = append(errs, VError{Path: np + ".id", Code: "REQUIRED", Message: "node id is required"})
			continue
		}
		if nodeIDs[n.ID] {
			errs = append(errs, VError{Path: np + ".id", Code: "DUPLICATE",
				Message: fmt.Sprintf("duplicate node id %q", n.ID)})
		}
		nodeIDs[n.ID] = true
		if n.Type == "" {
			errs = append(errs, VError{Path: np + ".type", Code: "REQUIRED", Message: "node type is required"})
		}
		switch n.Type {
		case model.NodeStart:
			starts++
		case model.NodeEnd:
			ends++
		}
	}

	if starts == 0 {
		errs = append(errs, VError{Path: prefix + ".nodes", Code: "REQUIRED",
			Message: "a start node is required"})
	}
	if starts > 1 {
		errs = append(errs, VError{Path: prefix + ".nodes", Code: "AMBIGUOUS",
			Message: fmt.Sprintf("%d start nodes, want exactly one", starts)})
	}
	if ends == 0 {
		errs = append(errs, VError{Path: prefix + ".nodes", Code: "REQUIRED",
			Message: "at least one end node is required"})
	}

	for i, e := range def.Edges {
		ep := fmt.Sprintf("%s.edges[%d]", prefix, i)
		if e.Source == "" {
			errs = append(errs, VError{Path: ep + ".source", Code: "REQUIRED", Message: "edge source is required"})
		} else if !nodeIDs[e.Source] {
			errs = append(errs, VError{Path: ep + ".source", Code: "REF_NOT_FOUND",
				Message: fmt.Sprintf("source node %q not found", e.Source)})
		}
		if e.Target == "" {
			errs = append(errs, VError{Path: ep + ".target", Code: "REQUIRED", Message: "edge target is required"})
		} else if !nodeIDs[e.Target] {
			errs = append(errs, VError{Path: ep + ".target", Code: "REF_NOT_FOUND",
				Message: fmt.Sprintf("target node %q not found", e.Target)})
		}
	}

	return errs
}
