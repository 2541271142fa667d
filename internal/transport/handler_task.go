package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/objectql/flowcore/internal/task"
	"github.com/objectql/flowcore/model"
)

func handleTaskCreate(svc *task.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			InstanceID       string         `json:"instance_id"`
			Name             string         `json:"name"`
			Description      string         `json:"description"`
			AssignedTo       string         `json:"assigned_to"`
			Data             map[string]any `json:"data"`
			DueDate          *time.Time     `json:"due_date"`
			AutoEscalate     bool           `json:"auto_escalate"`
			EscalationTarget string         `json:"escalation_target"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		created, err := svc.CreateTask(r.Context(), task.CreateTaskParams{
			InstanceID:       body.InstanceID,
			TenantID:         rctx.TenantID,
			Name:             body.Name,
			Description:      body.Description,
			AssignedTo:       body.AssignedTo,
			Data:             body.Data,
			DueDate:          body.DueDate,
			AutoEscalate:     body.AutoEscalate,
			EscalationTarget: body.EscalationTarget,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleTaskGet(svc *task.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		got, err := svc.GetTask(r.Context(), rctx.TenantID, chi.URLParam(r, "taskId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, got)
	}
}

func handleInstanceTasks(svc *task.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		tasks, err := svc.InstanceTasks(r.Context(), rctx.TenantID, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": tasks})
	}
}

func handleTaskComplete(svc *task.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Result map[string]any `json:"result"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}

		completed, err := svc.CompleteTask(r.Context(), rctx.TenantID, chi.URLParam(r, "taskId"), rctx.SubjectID, body.Result)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, completed)
	}
}

func handleTaskReject(svc *task.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}

		rejected, err := svc.RejectTask(r.Context(), rctx.TenantID, chi.URLParam(r, "taskId"), rctx.SubjectID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rejected)
	}
}

func handleTaskDelegate(svc *task.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			DelegateTo string `json:"delegate_to"`
			Reason     string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		delegated, err := svc.DelegateTask(r.Context(), rctx.TenantID, chi.URLParam(r, "taskId"), body.DelegateTo, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, delegated)
	}
}

func handleTaskEscalate(svc *task.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			EscalateTo string `json:"escalate_to"`
			Reason     string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		escalated, err := svc.EscalateTask(r.Context(), rctx.TenantID, chi.URLParam(r, "taskId"), body.EscalateTo, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, escalated)
	}
}
