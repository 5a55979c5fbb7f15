package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/fault"
)

// engineTimeout caps every subprocess invocation.
const engineTimeout = 30 * time.Second

// whisperEngine shells out to the whisper CLI, which writes a JSON
// transcript next to the audio file.
type whisperEngine struct {
	binary string
	model  string
}

func newWhisperEngine(cfg config.WhisperConfig) (*whisperEngine, error) {
	binary := cfg.Binary
	if binary == "" {
		binary = "whisper"
	}
	model := cfg.Model
	if model == "" {
		model = "base"
	}
	return &whisperEngine{binary: binary, model: model}, nil
}

func (e *whisperEngine) Name() string { return "whisper" }

// whisperOutput is the subset of the CLI's JSON transcript we read.
type whisperOutput struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

func (e *whisperEngine) Transcribe(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	outDir := filepath.Dir(req.AudioPath)
	args := []string{req.AudioPath, "--model", e.model, "--output_format", "json", "--output_dir", outDir}
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}
	cmd := exec.CommandContext(ctx, e.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{}, fault.Newf(fault.Timeout, "whisper timeout after %s", engineTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, fault.Newf(fault.Internal, "whisper nonzero_exit %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return Result{}, fault.Wrap(fault.Internal, "run whisper", err)
	}

	base := strings.TrimSuffix(filepath.Base(req.AudioPath), filepath.Ext(req.AudioPath))
	jsonPath := filepath.Join(outDir, base+".json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return Result{}, fault.New(fault.Internal, "whisper invalid_output: no transcript produced")
	}
	defer os.Remove(jsonPath)

	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fault.Wrap(fault.Internal, "whisper invalid_output", err)
	}

	confidence := 1.0
	if len(out.Segments) > 0 {
		var noSpeech float64
		for _, seg := range out.Segments {
			noSpeech += seg.NoSpeechProb
		}
		confidence = 1 - noSpeech/float64(len(out.Segments))
	}
	return Result{
		Text:       strings.TrimSpace(out.Text),
		Language:   out.Language,
		Confidence: confidence,
	}, nil
}

func (e *whisperEngine) Close() error { return nil }
