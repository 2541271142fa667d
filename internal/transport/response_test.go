package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/objectql/flowcore/model"
)

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) *model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error == nil {
		t.Fatal("expected error field in body")
	}
	return body.Error
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]string{"hello": "world"})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("unexpected content type %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["hello"] != "world" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestWriteJSON_nilBody(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusNoContent, nil)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", w.Body.String())
	}
}

func TestWriteError_statusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid lifecycle", model.NewInvalidLifecycleError("already started"), http.StatusConflict, model.ErrInvalidLifecycle},
		{"unknown transition", model.NewUnknownTransitionError("no such transition"), http.StatusUnprocessableEntity, model.ErrUnknownTransition},
		{"guard rejected", model.NewGuardRejectedError("guard said no"), http.StatusUnprocessableEntity, model.ErrGuardRejected},
		{"node not found", model.NewNodeNotFoundError("node ghost"), http.StatusNotFound, model.ErrNodeNotFound},
		{"handler failure", model.NewHandlerFailureError("n2", errors.New("boom")), http.StatusBadGateway, model.ErrHandlerFailure},
		{"traversal limit", model.NewTraversalLimitError("too many steps"), http.StatusUnprocessableEntity, model.ErrTraversalLimit},
		{"task not found", model.NewTaskNotFoundError("task t1"), http.StatusNotFound, model.ErrTaskNotFound},
		{"invalid task state", model.NewInvalidTaskStateError("already resolved"), http.StatusConflict, model.ErrInvalidTaskState},
		{"not found", model.NewNotFoundError("gone"), http.StatusNotFound, model.ErrNotFound},
		{"conflict", model.NewConflictError("stale revision"), http.StatusConflict, model.ErrConflict},
		{"bad request", model.NewBadRequestError("nope"), http.StatusBadRequest, model.ErrBadRequest},
		{"unauthorized", model.NewUnauthorizedError("who are you"), http.StatusUnauthorized, model.ErrUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tc.err)

			if w.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, w.Code)
			}
			ee := decodeErrorBody(t, w)
			if ee.Code != tc.code {
				t.Errorf("expected code %s, got %s", tc.code, ee.Code)
			}
		})
	}
}

func TestWriteError_plainError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("something leaked"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	ee := decodeErrorBody(t, w)
	if ee.Code != model.ErrInternalError {
		t.Errorf("expected INTERNAL_ERROR, got %s", ee.Code)
	}
}

func TestWriteNotFound(t *testing.T) {
	w := httptest.NewRecorder()
	WriteNotFound(w, "instance missing")

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	ee := decodeErrorBody(t, w)
	if ee.Message != "instance missing" {
		t.Errorf("unexpected message %q", ee.Message)
	}
}

func TestWriteValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteValidationError(w, []model.FieldError{
		{Field: "states.draft.transitions.submit.target", Message: "references unknown state"},
	})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	ee := decodeErrorBody(t, w)
	if ee.Code != model.ErrValidationError {
		t.Errorf("expected VALIDATION_ERROR, got %s", ee.Code)
	}
	if len(ee.Details) != 1 || ee.Details[0].Field != "states.draft.transitions.submit.target" {
		t.Errorf("unexpected details %v", ee.Details)
	}
}
