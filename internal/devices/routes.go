package devices

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/httpapi"
)

// Routes mounts the device manager HTTP surface on r.
func (m *Manager) Routes(r chi.Router, logger *slog.Logger) {
	r.Post("/command", m.handleCommand(logger))
	r.Get("/devices", m.handleDevices(logger))
	r.Get("/devices/{id}", m.handleDevice(logger))
	r.Get("/capabilities", m.handleCapabilities(logger))
	r.Get("/commands", m.handleCommands(logger))
	r.Get("/commands/{id}", m.handleCommandByID(logger))
}

func (m *Manager) handleCommand(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DeviceIDs  []string       `json:"device_ids"`
			Capability string         `json:"capability"`
			Command    string         `json:"command"`
			Parameters map[string]any `json:"parameters"`
			Priority   bus.Priority   `json:"priority"`
		}
		if err := httpapi.DecodeJSON(r, &req); err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		ids := req.DeviceIDs
		if len(ids) == 0 && req.Capability != "" {
			ids = m.inv.Members(req.Capability)
		}
		commandID, err := m.SendCommand(ids, req.Command, req.Parameters, req.Priority)
		if err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		httpapi.WriteJSON(w, map[string]any{"command_id": commandID, "devices": len(ids)}, logger)
	}
}

func (m *Manager) handleDevices(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		devices := m.inv.List()
		httpapi.WriteJSON(w, map[string]any{"devices": devices, "count": len(devices)}, logger)
	}
}

func (m *Manager) handleDevice(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := m.inv.Get(chi.URLParam(r, "id"))
		if err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		httpapi.WriteJSON(w, d, logger)
	}
}

func (m *Manager) handleCapabilities(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, map[string]any{"capabilities": m.inv.Capabilities()}, logger)
	}
}

func (m *Manager) handleCommands(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err == nil && n >= 0 {
				limit = n
			}
		}
		commands := m.Commands(limit)
		httpapi.WriteJSON(w, map[string]any{"commands": commands, "count": len(commands)}, logger)
	}
}

func (m *Manager) handleCommandByID(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, err := m.GetCommand(chi.URLParam(r, "id"))
		if err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		httpapi.WriteJSON(w, cmd, logger)
	}
}
