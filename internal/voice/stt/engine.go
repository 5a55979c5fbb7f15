// Package stt is the speech-to-text adapter: bounded work queue, pluggable
// transcription engine (whisper subprocess, or the Google/Azure speech
// APIs), jobs over HTTP and the voice topics.
package stt

import (
	"context"

	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/fault"
)

// Request points an engine at an audio file on local disk.
type Request struct {
	AudioPath string
	Language  string
}

// Result is a finished transcription.
type Result struct {
	Text       string
	Language   string
	Confidence float64
}

// Engine transcribes audio. Implementations must respect ctx deadlines.
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (Result, error)
	Close() error
}

// NewEngine builds the engine named by cfg.Engine.
func NewEngine(cfg config.STTConfig) (Engine, error) {
	switch cfg.Engine {
	case "", "whisper":
		return newWhisperEngine(cfg.Whisper)
	case "google":
		return newGoogleEngine(cfg.Google)
	case "azure":
		return newAzureEngine(cfg.Azure)
	default:
		return nil, fault.Newf(fault.Validation, "unknown stt engine %q", cfg.Engine)
	}
}
