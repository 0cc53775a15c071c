package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"homgard/internal/engine"
	"homgard/internal/events"
	"homgard/internal/state"
)

// DeviceHandler handles device endpoints
type DeviceHandler struct {
	engine     *engine.Engine
	eventStore *events.Store
}

// NewDeviceHandler creates new device handler
func NewDeviceHandler(eng *engine.Engine, eventStore *events.Store) *DeviceHandler {
	return &DeviceHandler{engine: eng, eventStore: eventStore}
}

// List handles GET /api/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	chState, pending := h.engine.CommandState()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": h.engine.Devices(),
		"commandChannel": map[string]interface{}{
			"state":   chState.String(),
			"pending": pending,
		},
	})
}

// Get handles GET /api/devices/{mid}/{addr}
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDFromURL(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid device id"})
		return
	}

	device, found := h.engine.Device(id)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Device not found"})
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// CommandRequest represents a work-mode change request
type CommandRequest struct {
	Zone        int `json:"zone"`
	Mode        int `json:"mode"`
	DurationSec int `json:"durationSec"`
}

// Command handles POST /api/devices/{mid}/{addr}/command
func (h *DeviceHandler) Command(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceIDFromURL(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid device id"})
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}
	if req.Zone < 1 || req.Zone > 4 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Zone must be between 1 and 4"})
		return
	}
	if req.DurationSec < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Duration cannot be negative"})
		return
	}

	seq, err := h.engine.SubmitCommand(id, req.Zone, req.Mode, req.DurationSec)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"seq":     seq,
	})
}

// deviceIDFromURL builds the internal device id from URL params.
func deviceIDFromURL(r *http.Request) (string, bool) {
	mid, err := strconv.ParseInt(chi.URLParam(r, "mid"), 10, 64)
	if err != nil {
		return "", false
	}
	addr, err := strconv.Atoi(chi.URLParam(r, "addr"))
	if err != nil {
		return "", false
	}
	return state.DeviceID(mid, addr), true
}
