package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/objectql/flowcore/model"
)

// Result is what a node handler reports back to the interpreter.
type Result struct {
	// Success false marks the instance failed and stops the run.
	Success bool
	// Output is merged into the run's variables map.
	Output map[string]any
	// Err carries the failure cause when Success is false.
	Err error
	// NextEdge, when set, selects the outgoing edge with that label ahead
	// of the normal resolution rules.
	NextEdge string
}

// ExecState is the per-run state handed to every node handler.
type ExecState struct {
	Flow      model.Definition
	Instance  *model.Instance
	Variables map[string]any
	Logger    *zap.Logger
}

// HandlerFunc executes one flow node.
type HandlerFunc func(ctx context.Context, node model.FlowNode, st *ExecState) Result

func ok() Result              { return Result{Success: true} }
func failed(err error) Result { return Result{Success: false, Err: err} }
func output(o map[string]any) Result {
	return Result{Success: true, Output: o}
}

// passHandler is the no-op used for structural node types.
func passHandler(context.Context, model.FlowNode, *ExecState) Result { return ok() }

// assignmentHandler copies the node's config entries into the run variables.
// Values are resolved so a config entry may reference an existing variable.
func assignmentHandler(_ context.Context, node model.FlowNode, st *ExecState) Result {
	out := make(map[string]any, len(node.Config))
	for key, value := range node.Config {
		out[key] = resolveValue(value, st.Variables)
	}
	return output(out)
}

// scriptHandler is a stub: script execution needs a sandbox the core does
// not ship. It succeeds without effect so flows authored against a richer
// runtime still traverse.
func scriptHandler(_ context.Context, node model.FlowNode, st *ExecState) Result {
	st.Logger.Warn("script node has no runtime, skipping",
		zap.String("node_id", node.ID),
		zap.String("node_name", node.Name))
	return ok()
}

// resolveValue substitutes "$name" strings with the named variable.
func resolveValue(value any, vars map[string]any) any {
	s, isString := value.(string)
	if !isString || !strings.HasPrefix(s, "$") {
		return value
	}
	if resolved := lookupField(vars, strings.TrimPrefix(s, "$")); resolved != nil {
		return resolved
	}
	return value
}

// resolveString is resolveValue restricted to string results.
func resolveString(value any, vars map[string]any) string {
	resolved := resolveValue(value, vars)
	if resolved == nil {
		return ""
	}
	if s, isString := resolved.(string); isString {
		return s
	}
	return fmt.Sprint(resolved)
}

// NewHTTPRequestHandler returns a handler for http_request nodes. Node
// config keys: url (required), method (default GET), headers (map), body
// (marshalled as JSON when present). The response status and decoded body
// are published as http_status and http_body.
func NewHTTPRequestHandler(client *http.Client) HandlerFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, node model.FlowNode, st *ExecState) Result {
		url := resolveString(node.Config["url"], st.Variables)
		if url == "" {
			return failed(model.NewHandlerFailureError(node.ID, fmt.Errorf("http_request node %s: missing url", node.ID)))
		}
		method := strings.ToUpper(resolveString(node.Config["method"], st.Variables))
		if method == "" {
			method = http.MethodGet
		}

		var body io.Reader
		if raw, present := node.Config["body"]; present {
			payload, err := json.Marshal(resolveValue(raw, st.Variables))
			if err != nil {
				return failed(model.NewHandlerFailureError(node.ID, err))
			}
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return failed(model.NewHandlerFailureError(node.ID, err))
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if headers, isMap := node.Config["headers"].(map[string]any); isMap {
			for name, value := range headers {
				req.Header.Set(name, resolveString(value, st.Variables))
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return failed(model.NewHandlerFailureError(node.ID, err))
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return failed(model.NewHandlerFailureError(node.ID, err))
		}

		if resp.StatusCode >= 400 {
			return failed(model.NewHandlerFailureError(node.ID,
				fmt.Errorf("http_request node %s: upstream returned %d", node.ID, resp.StatusCode)))
		}

		var decoded any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			decoded = string(payload)
		}
		return output(map[string]any{
			"http_status": resp.StatusCode,
			"http_body":   decoded,
		})
	}
}

// RecordAPI is the port record-node handlers call into. Implementations
// bridge to whatever data surface hosts the records.
type RecordAPI interface {
	CreateRecord(ctx context.Context, object string, fields map[string]any) (id string, err error)
	UpdateRecord(ctx context.Context, object, id string, fields map[string]any) error
	DeleteRecord(ctx context.Context, object, id string) error
	GetRecord(ctx context.Context, object, id string) (map[string]any, error)
}

// RecordHandlers builds handlers for the four record node types over the
// given port. Node config keys: object (required), record_id (for
// update/delete/get), fields (map for create/update). String config values
// may use the "$name" variable reference form.
func RecordHandlers(api RecordAPI) map[string]HandlerFunc {
	object := func(node model.FlowNode, st *ExecState) (string, error) {
		name := resolveString(node.Config["object"], st.Variables)
		if name == "" {
			return "", model.NewHandlerFailureError(node.ID, fmt.Errorf("record node %s: missing object", node.ID))
		}
		return name, nil
	}
	recordID := func(node model.FlowNode, st *ExecState) (string, error) {
		id := resolveString(node.Config["record_id"], st.Variables)
		if id == "" {
			return "", model.NewHandlerFailureError(node.ID, fmt.Errorf("record node %s: missing record_id", node.ID))
		}
		return id, nil
	}
	fields := func(node model.FlowNode, st *ExecState) map[string]any {
		raw, isMap := node.Config["fields"].(map[string]any)
		if !isMap {
			return nil
		}
		resolved := make(map[string]any, len(raw))
		for key, value := range raw {
			resolved[key] = resolveValue(value, st.Variables)
		}
		return resolved
	}

	return map[string]HandlerFunc{
		model.NodeCreateRecord: func(ctx context.Context, node model.FlowNode, st *ExecState) Result {
			obj, err := object(node, st)
			if err != nil {
				return failed(err)
			}
			id, err := api.CreateRecord(ctx, obj, fields(node, st))
			if err != nil {
				return failed(model.NewHandlerFailureError(node.ID, err))
			}
			return output(map[string]any{"record_id": id})
		},
		model.NodeUpdateRecord: func(ctx context.Context, node model.FlowNode, st *ExecState) Result {
			obj, err := object(node, st)
			if err != nil {
				return failed(err)
			}
			id, err := recordID(node, st)
			if err != nil {
				return failed(err)
			}
			if err := api.UpdateRecord(ctx, obj, id, fields(node, st)); err != nil {
				return failed(model.NewHandlerFailureError(node.ID, err))
			}
			return ok()
		},
		model.NodeDeleteRecord: func(ctx context.Context, node model.FlowNode, st *ExecState) Result {
			obj, err := object(node, st)
			if err != nil {
				return failed(err)
			}
			id, err := recordID(node, st)
			if err != nil {
				return failed(err)
			}
			if err := api.DeleteRecord(ctx, obj, id); err != nil {
				return failed(model.NewHandlerFailureError(node.ID, err))
			}
			return ok()
		},
		model.NodeGetRecord: func(ctx context.Context, node model.FlowNode, st *ExecState) Result {
			obj, err := object(node, st)
			if err != nil {
				return failed(err)
			}
			id, err := recordID(node, st)
			if err != nil {
				return failed(err)
			}
			record, err := api.GetRecord(ctx, obj, id)
			if err != nil {
				return failed(model.NewHandlerFailureError(node.ID, err))
			}
			return output(map[string]any{"record": record})
		},
	}
}
