package security

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/httpapi"
)

// Routes mounts the security HTTP surface on r.
func (g *Gateway) Routes(r chi.Router, logger *slog.Logger) {
	r.Post("/auth/device", g.handleAuthDevice(logger))
	r.Post("/auth/validate", g.handleValidate(logger))
	r.Post("/encrypt", g.handleEncrypt(logger))
	r.Post("/decrypt", g.handleDecrypt(logger))
	r.Get("/certificates", g.handleCertificates(logger))
	r.Get("/events", g.handleEvents(logger))
}

func (g *Gateway) handleAuthDevice(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CertificatePEM string `json:"certificate_pem"`
		}
		if err := httpapi.DecodeJSON(r, &req); err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		if req.CertificatePEM == "" {
			httpapi.Error(w, fault.New(fault.Validation, "certificate_pem required"), logger)
			return
		}
		p, err := g.AuthenticateDevice([]byte(req.CertificatePEM))
		if err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		httpapi.WriteJSON(w, authResponse(p), logger)
	}
}

func (g *Gateway) handleValidate(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		if err := httpapi.DecodeJSON(r, &req); err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		p, err := g.ValidateToken(req.Token)
		if err != nil {
			httpapi.WriteJSON(w, map[string]any{"valid": false, "error": capitalized(err)}, logger)
			return
		}
		httpapi.WriteJSON(w, map[string]any{
			"valid":      true,
			"device_id":  p.DeviceID,
			"expires_at": p.ExpiresAt,
		}, logger)
	}
}

func (g *Gateway) handleEncrypt(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Payload json.RawMessage `json:"payload"`
		}
		if err := httpapi.DecodeJSON(r, &req); err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		if len(req.Payload) == 0 {
			httpapi.Error(w, fault.New(fault.Validation, "payload required"), logger)
			return
		}
		ct, err := g.EncryptMessage(req.Payload)
		if err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		httpapi.WriteJSON(w, map[string]any{"encrypted": ct, "suite": g.cipher.Suite()}, logger)
	}
}

func (g *Gateway) handleDecrypt(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Encrypted string `json:"encrypted"`
		}
		if err := httpapi.DecodeJSON(r, &req); err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		if req.Encrypted == "" {
			httpapi.Error(w, fault.New(fault.Validation, "encrypted required"), logger)
			return
		}
		pt, err := g.DecryptMessage(req.Encrypted)
		if err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		httpapi.WriteJSON(w, map[string]any{"payload": json.RawMessage(pt)}, logger)
	}
}

func (g *Gateway) handleCertificates(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpapi.WriteJSON(w, map[string]any{"certificates": g.Certificates()}, logger)
	}
}

func (g *Gateway) handleEvents(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				httpapi.Error(w, fault.New(fault.Validation, "limit must be a non-negative integer"), logger)
				return
			}
			limit = n
		}
		httpapi.WriteJSON(w, map[string]any{"events": g.Events(limit)}, logger)
	}
}
