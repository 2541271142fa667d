package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/objectql/flowcore/internal/workflow"
	"github.com/objectql/flowcore/model"
)

func handleFlowExecute(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		flowID := chi.URLParam(r, "flowId")

		var body struct {
			Version   string         `json:"version"`
			Variables map[string]any `json:"variables"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}

		res, inst, err := svc.ExecuteFlow(r.Context(), rctx, flowID, body.Version, body.Variables)
		if err != nil && res == nil {
			WriteError(w, err)
			return
		}

		// A failed run is reported with the result, not as a transport
		// error: the instance exists and records the failure.
		WriteJSON(w, http.StatusOK, map[string]any{
			"instance_id": inst.ID,
			"result":      res,
		})
	}
}
