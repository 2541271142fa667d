package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/objectql/flowcore/internal/storage"
	"github.com/objectql/flowcore/internal/workflow"
	"github.com/objectql/flowcore/model"
)

func handleInstanceCreate(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			WorkflowID string         `json:"workflow_id"`
			Version    string         `json:"version"`
			Data       map[string]any `json:"data"`
			Start      bool           `json:"start"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.WorkflowID == "" {
			WriteError(w, model.NewBadRequestError("workflow_id is required"))
			return
		}

		inst, err := svc.CreateInstance(r.Context(), rctx, body.WorkflowID, body.Version, body.Data)
		if err != nil {
			WriteError(w, err)
			return
		}
		if body.Start {
			inst, err = svc.StartInstance(r.Context(), rctx, inst.ID)
			if err != nil {
				WriteError(w, err)
				return
			}
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceStart(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		inst, err := svc.StartInstance(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceTransition(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")
		transition := chi.URLParam(r, "transition")

		var body struct {
			Data map[string]any `json:"data"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}

		inst, err := svc.ExecuteTransition(r.Context(), rctx, instanceID, transition, body.Data)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceAbort(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		inst, err := svc.AbortInstance(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceGet(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		view, err := svc.GetInstance(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleInstanceList(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		filter := storage.InstanceFilter{
			WorkflowID: r.URL.Query().Get("workflow_id"),
			Status:     r.URL.Query().Get("status"),
			StartedBy:  r.URL.Query().Get("started_by"),
			Limit:      queryInt(r, "limit", 50),
			Offset:     queryInt(r, "offset", 0),
		}

		instances, err := svc.ListInstances(r.Context(), rctx, filter)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   instances,
			"limit":  filter.Limit,
			"offset": filter.Offset,
		})
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
