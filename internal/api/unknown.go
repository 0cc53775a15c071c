package api

import (
	"net/http"

	"homgard/internal/state"
	"homgard/internal/storage"
)

// UnknownHandler exposes diagnostics for unrecognized device models
type UnknownHandler struct {
	store storage.Storage
}

// NewUnknownHandler creates new unknown-device handler
func NewUnknownHandler(store storage.Storage) *UnknownHandler {
	return &UnknownHandler{store: store}
}

// List handles GET /api/unknown
func (h *UnknownHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"reports": []state.UnknownReport{},
		})
		return
	}

	reports, err := h.store.UnknownReports()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to load reports"})
		return
	}
	if reports == nil {
		reports = []state.UnknownReport{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": reports,
	})
}
