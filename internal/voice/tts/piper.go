package tts

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/fault"
)

// engineTimeout caps every subprocess invocation regardless of the
// caller's deadline.
const engineTimeout = 30 * time.Second

// piperEngine runs the piper binary per request, feeding text on stdin.
type piperEngine struct {
	binary string
	model  string
	voice  string
}

func newPiperEngine(cfg config.PiperConfig, voice string) (*piperEngine, error) {
	binary := cfg.Binary
	if binary == "" {
		binary = "piper"
	}
	if cfg.Model == "" {
		return nil, fault.New(fault.Validation, "piper model not configured")
	}
	return &piperEngine{binary: binary, model: cfg.Model, voice: voice}, nil
}

func (e *piperEngine) Name() string { return "piper" }

func (e *piperEngine) Synthesize(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.binary, "--model", e.model, "--output_file", req.OutputPath)
	cmd.Stdin = strings.NewReader(req.Text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{}, fault.Newf(fault.Timeout, "piper timeout after %s", engineTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, fault.Newf(fault.Internal, "piper nonzero_exit %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return Result{}, fault.Wrap(fault.Internal, "run piper", err)
	}

	info, err := os.Stat(req.OutputPath)
	if err != nil || info.Size() == 0 {
		return Result{}, fault.New(fault.Internal, "piper invalid_output: no audio produced")
	}
	return Result{AudioPath: req.OutputPath, SizeBytes: info.Size()}, nil
}

// Voices reports the single configured model; piper loads one voice per
// model file.
func (e *piperEngine) Voices(context.Context) ([]Voice, error) {
	name := e.voice
	if name == "" {
		name = e.model
	}
	return []Voice{{Name: name}}, nil
}

func (e *piperEngine) Close() error { return nil }
