package monitor

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia/internal/discovery"
	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/httpapi"
)

// Routes mounts the monitor's HTTP surface: the service directory and the
// per-service check history. The aggregate lives on GET /health via the
// router's health snapshot.
func (m *Monitor) Routes(r chi.Router, logger *slog.Logger) {
	r.Get("/services", func(w http.ResponseWriter, _ *http.Request) {
		type entry struct {
			discovery.Record
			LastCheck *Check `json:"last_check,omitempty"`
		}
		var out []entry
		if m.registry != nil {
			for _, rec := range m.registry.List() {
				e := entry{Record: rec}
				m.mu.RLock()
				if c, ok := m.latest[rec.Name]; ok {
					e.LastCheck = &c
				}
				m.mu.RUnlock()
				out = append(out, e)
			}
		}
		httpapi.WriteJSON(w, map[string]any{"services": out}, logger)
	})

	r.Get("/services/{name}/history", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		h := m.HistoryFor(name)
		if len(h) == 0 {
			if m.registry == nil {
				httpapi.Error(w, fault.Newf(fault.NotFound, "no checks recorded for %q", name), logger)
				return
			}
			if _, ok := m.registry.Get(name); !ok {
				httpapi.Error(w, fault.Newf(fault.NotFound, "unknown service %q", name), logger)
				return
			}
		}
		httpapi.WriteJSON(w, map[string]any{"service": name, "history": h}, logger)
	})
}
