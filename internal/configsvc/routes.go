package configsvc

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia/internal/httpapi"
)

// Routes mounts the configuration service's HTTP surface.
func (s *Service) Routes(r chi.Router, logger *slog.Logger) {
	r.Get("/config", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.WriteJSON(w, map[string]any{"config": s.Get("")}, logger)
	})

	r.Get("/config/{service}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "service")
		httpapi.WriteJSON(w, map[string]any{"service": name, "config": s.Get(name)}, logger)
	})

	r.Post("/config/{service}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "service")
		var cfg map[string]any
		if err := httpapi.DecodeJSON(req, &cfg); err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		if err := s.UpdateService(req.Context(), name, cfg); err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		httpapi.WriteJSON(w, map[string]any{"service": name, "config": s.Get(name)}, logger)
	})

	r.Post("/config/global", func(w http.ResponseWriter, req *http.Request) {
		var cfg map[string]any
		if err := httpapi.DecodeJSON(req, &cfg); err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		if err := s.UpdateGlobal(req.Context(), cfg); err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		httpapi.WriteJSON(w, map[string]any{"config": s.Get("")}, logger)
	})

	r.Get("/services", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.WriteJSON(w, map[string]any{"services": s.ServiceNames()}, logger)
	})

	r.Post("/backup", func(w http.ResponseWriter, _ *http.Request) {
		path, err := s.Backup()
		if err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		httpapi.WriteJSON(w, map[string]any{"backup": path}, logger)
	})

	r.Get("/history/{service}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "service")
		httpapi.WriteJSON(w, map[string]any{"service": name, "history": s.HistoryFor(name)}, logger)
	})
}
