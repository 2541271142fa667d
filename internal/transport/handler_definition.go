package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/objectql/flowcore/internal/workflow"
)

func handleDefinitionList(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defs := svc.Definitions()

		type summary struct {
			ID       string `json:"id"`
			Version  string `json:"version"`
			Type     string `json:"type"`
			Name     string `json:"name,omitempty"`
			Checksum string `json:"checksum,omitempty"`
		}
		out := make([]summary, 0, len(defs))
		for _, def := range defs {
			out = append(out, summary{
				ID:       def.ID,
				Version:  def.Version,
				Type:     def.Type,
				Name:     def.Name,
				Checksum: def.Checksum,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": out})
	}
}

func handleDefinitionGet(svc *workflow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := svc.GetDefinition(chi.URLParam(r, "definitionId"), r.URL.Query().Get("version"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}
