package tts

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alicia-home/alicia/internal/httpapi"
	"github.com/alicia-home/alicia/internal/voice"
)

// Routes mounts the TTS HTTP surface on r.
func (s *Service) Routes(r chi.Router, logger *slog.Logger) {
	r.Post("/synthesize", s.handleSynthesize(logger, false))
	r.Post("/synthesize/base64", s.handleSynthesize(logger, true))
	r.Get("/voices", s.handleVoices(logger))
}

func (s *Service) handleSynthesize(logger *slog.Logger, base64 bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var j voice.TTSJob
		if err := httpapi.DecodeJSON(r, &j); err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		if base64 {
			j.Base64 = true
		}
		result, err := s.Synthesize(r.Context(), j)
		if err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		httpapi.WriteJSON(w, result, logger)
	}
}

func (s *Service) handleVoices(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		voices, err := s.Voices(r.Context())
		if err != nil {
			httpapi.Error(w, err, logger)
			return
		}
		httpapi.WriteJSON(w, map[string]any{"voices": voices, "engine": s.EngineName()}, logger)
	}
}
