// Package fsm implements the finite-state-machine engine: it advances
// instances of state-map definitions through named transitions, enforcing
// guard conditions and running side-effecting actions in a fixed order
// (on_exit, transition actions, on_enter).
package fsm

import (
	"go.uber.org/zap"

	"github.com/objectql/flowcore/model"
)

// Context is the view of an in-flight transition passed to every guard and
// action. Working-memory access goes through GetData/SetData rather than the
// raw map so hooks never alias instance state across concurrent instances.
type Context struct {
	Instance   *model.Instance
	Definition model.Definition

	// CurrentState is the state the instance occupied when the hook fired.
	// During on_enter it already names the transition target.
	CurrentState string

	// Transition is the transition name, or empty during start/abort hooks.
	Transition string

	// Params carries the inline configuration of a {type, params} hook
	// reference. Nil for named references.
	Params map[string]any

	Logger *zap.Logger
}

// GetData reads a key from the instance's working memory.
func (c *Context) GetData(key string) any {
	if c.Instance == nil || c.Instance.Data == nil {
		return nil
	}
	return c.Instance.Data[key]
}

// SetData writes a key into the instance's working memory.
func (c *Context) SetData(key string, value any) {
	if c.Instance == nil {
		return
	}
	if c.Instance.Data == nil {
		c.Instance.Data = make(map[string]any)
	}
	c.Instance.Data[key] = value
}
