// Package tts is the text-to-speech adapter: a bounded work queue in front
// of a pluggable synthesis engine (piper subprocess, or the Google/Azure
// speech APIs). Jobs arrive over HTTP and the voice topics; audio leaves as
// a server-local file path or inline base64.
package tts

import (
	"context"

	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/fault"
)

// Request asks an engine to render text into the file at OutputPath.
type Request struct {
	Text       string
	Voice      string
	OutputPath string
}

// Result reports a finished synthesis.
type Result struct {
	AudioPath string
	SizeBytes int64
}

// Voice describes one voice an engine offers.
type Voice struct {
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
}

// Engine renders text to audio. Implementations must respect ctx deadlines;
// subprocess engines kill the child on expiry.
type Engine interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (Result, error)
	Voices(ctx context.Context) ([]Voice, error)
	Close() error
}

// NewEngine builds the engine named by cfg.Engine.
func NewEngine(cfg config.TTSConfig) (Engine, error) {
	switch cfg.Engine {
	case "", "piper":
		return newPiperEngine(cfg.Piper, cfg.Voice)
	case "google":
		return newGoogleEngine(cfg.Google, cfg.Voice)
	case "azure":
		return newAzureEngine(cfg.Azure, cfg.Voice)
	default:
		return nil, fault.Newf(fault.Validation, "unknown tts engine %q", cfg.Engine)
	}
}
