package balancer

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/httpapi"
)

// Routes mounts the load balancer's HTTP surface.
func (b *Balancer) Routes(r chi.Router, logger *slog.Logger) {
	r.Get("/services", func(w http.ResponseWriter, _ *http.Request) {
		out := make(map[string][]Instance)
		for _, name := range b.Services() {
			out[name] = b.Instances(name)
		}
		httpapi.WriteJSON(w, map[string]any{"services": out}, logger)
	})

	r.Get("/services/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		insts := b.Instances(name)
		if len(insts) == 0 {
			httpapi.Error(w, fault.Newf(fault.NotFound, "unknown service %q", name), logger)
			return
		}
		httpapi.WriteJSON(w, map[string]any{"service": name, "instances": insts}, logger)
	})

	r.Post("/route/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		inst, err := b.Route(req.Context(), name)
		if err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		httpapi.WriteJSON(w, map[string]any{"service": name, "instance": inst}, logger)
	})

	r.Post("/algorithm/{name}", func(w http.ResponseWriter, req *http.Request) {
		algo, err := ParseAlgorithm(chi.URLParam(req, "name"))
		if err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		// Optional body scopes the change to one service.
		var body struct {
			Service string `json:"service"`
		}
		if req.ContentLength > 0 {
			if err := httpapi.DecodeJSON(req, &body); err != nil {
				httpapi.Error(w, err, logger)
				return
			}
		}
		b.SetAlgorithm(body.Service, algo)
		httpapi.WriteJSON(w, map[string]any{"algorithm": algo, "service": body.Service}, logger)
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.WriteJSON(w, b.StatsSnapshot(), logger)
	})
}
