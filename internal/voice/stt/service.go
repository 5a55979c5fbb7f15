package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/events"
	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/httpkit"
	"github.com/alicia-home/alicia/internal/metrics"
	"github.com/alicia-home/alicia/internal/voice"
)

// maxAudioFetch bounds how much audio a URL job may pull in.
const maxAudioFetch = 32 << 20

type job struct {
	voice.STTJob
	original json.RawMessage
	done     chan outcome
}

type outcome struct {
	result voice.STTResult
	err    error
}

// Options carries the service's ambient wiring.
type Options struct {
	Events *events.Bus
	Logger *slog.Logger
}

// Service is the STT adapter.
type Service struct {
	conn    bus.Conn
	queue   *voice.Queue[job]
	events  *events.Bus
	logger  *slog.Logger
	workers int
	fetch   *http.Client

	mu     sync.Mutex
	engine Engine
}

// NewService builds the adapter around an already-constructed engine.
func NewService(conn bus.Conn, cfg config.STTConfig, engine Engine, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		conn:    conn,
		queue:   voice.NewQueue[job](cfg.QueueSize),
		events:  opts.Events,
		logger:  logger.With("component", "stt"),
		workers: cfg.Workers,
		fetch:   httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		engine:  engine,
	}
}

// SetEngine swaps the transcription engine from the next job on.
func (s *Service) SetEngine(engine Engine) {
	s.mu.Lock()
	old := s.engine
	s.engine = engine
	s.mu.Unlock()
	if old != nil && old != engine {
		if err := old.Close(); err != nil {
			s.logger.Warn("close previous engine", "error", err)
		}
	}
	s.logger.Info("stt engine swapped", "engine", engine.Name())
}

func (s *Service) currentEngine() Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// EngineName returns the active engine's name.
func (s *Service) EngineName() string { return s.currentEngine().Name() }

// QueueDepth reports waiting jobs, for the health snapshot.
func (s *Service) QueueDepth() int { return s.queue.Depth() }

// Attach subscribes the request topic.
func (s *Service) Attach(ctx context.Context, conn bus.Conn) error {
	return conn.Subscribe(ctx, bus.VoiceTopic(voice.StageSTT, "request"), s.onRequest)
}

// Run drains the work queue until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.queue.Work(ctx, s.workers, s.process)
	return ctx.Err()
}

// Transcribe runs one job through the bounded queue and waits for its
// result.
func (s *Service) Transcribe(ctx context.Context, j voice.STTJob) (voice.STTResult, error) {
	if err := validate(j); err != nil {
		return voice.STTResult{}, err
	}
	item := job{STTJob: j, done: make(chan outcome, 1)}
	if err := s.queue.Push(item); err != nil {
		return voice.STTResult{}, err
	}
	select {
	case out := <-item.done:
		return out.result, out.err
	case <-ctx.Done():
		return voice.STTResult{}, fault.Wrap(fault.Timeout, "transcribe", ctx.Err())
	}
}

func validate(j voice.STTJob) error {
	if j.AudioBase64 == "" && j.AudioURL == "" {
		return fault.New(fault.Validation, "audio_base64 or audio_url required")
	}
	return nil
}

func (s *Service) onRequest(ctx context.Context, _ string, env *bus.Envelope) {
	var j voice.STTJob
	if err := env.DecodePayload(&j); err != nil {
		voice.PublishStageError(ctx, s.conn, voice.StageSTT, "", env.Payload, err, s.logger)
		return
	}
	if err := validate(j); err != nil {
		voice.PublishStageError(ctx, s.conn, voice.StageSTT, j.SessionID, env.Payload, err, s.logger)
		return
	}
	if err := s.queue.Push(job{STTJob: j, original: env.Payload}); err != nil {
		voice.PublishStageError(ctx, s.conn, voice.StageSTT, j.SessionID, env.Payload, err, s.logger)
	}
}

func (s *Service) process(ctx context.Context, item job) {
	result, err := s.transcribe(ctx, item.STTJob)

	if item.done != nil {
		item.done <- outcome{result: result, err: err}
		if err == nil {
			s.publishResult(ctx, result)
		}
		return
	}
	if err != nil {
		voice.PublishStageError(ctx, s.conn, voice.StageSTT, item.SessionID, item.original, err, s.logger)
		return
	}
	s.publishResult(ctx, result)
}

func (s *Service) transcribe(ctx context.Context, j voice.STTJob) (voice.STTResult, error) {
	path, cleanup, err := s.materialize(ctx, j)
	if err != nil {
		return voice.STTResult{}, err
	}
	defer cleanup()

	engine := s.currentEngine()
	start := time.Now()
	res, err := engine.Transcribe(ctx, Request{AudioPath: path, Language: j.Language})
	elapsed := time.Since(start)
	metrics.EngineLatency.WithLabelValues(voice.StageSTT, engine.Name()).Observe(elapsed.Seconds())

	s.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceVoice,
		Kind:      events.KindJobDone,
		Data: map[string]any{
			"session_id":  j.SessionID,
			"stage":       voice.StageSTT,
			"ok":          err == nil,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
	if err != nil {
		return voice.STTResult{}, err
	}
	metrics.VoiceJobs.WithLabelValues(voice.StageSTT, "ok").Inc()

	return voice.STTResult{
		Text:       res.Text,
		Language:   res.Language,
		Confidence: res.Confidence,
		STTTimeMS:  elapsed.Milliseconds(),
		Engine:     engine.Name(),
		SessionID:  j.SessionID,
		DeviceID:   j.DeviceID,
	}, nil
}

// materialize lands the job's audio in a temp file for the engine.
func (s *Service) materialize(ctx context.Context, j voice.STTJob) (string, func(), error) {
	path := filepath.Join(os.TempDir(), "stt_"+uuid.NewString()+".wav")
	cleanup := func() { os.Remove(path) }

	if j.AudioBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(j.AudioBase64)
		if err != nil {
			return "", nil, fault.Wrap(fault.Validation, "decode audio_base64", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return "", nil, fault.Wrap(fault.Internal, "write audio file", err)
		}
		return path, cleanup, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.AudioURL, nil)
	if err != nil {
		return "", nil, fault.Wrap(fault.Validation, "build audio fetch", err)
	}
	resp, err := s.fetch.Do(req)
	if err != nil {
		return "", nil, fault.Wrap(fault.Transport, "fetch audio", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)
	if resp.StatusCode != http.StatusOK {
		return "", nil, fault.Newf(fault.Transport, "fetch audio: status %d", resp.StatusCode)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", nil, fault.Wrap(fault.Internal, "create audio file", err)
	}
	_, err = out.ReadFrom(http.MaxBytesReader(nil, resp.Body, maxAudioFetch))
	out.Close()
	if err != nil {
		cleanup()
		return "", nil, fault.Wrap(fault.Internal, "write audio file", err)
	}
	return path, cleanup, nil
}

func (s *Service) publishResult(ctx context.Context, result voice.STTResult) {
	env, err := bus.New(s.conn.ServiceName(), bus.TypeResponse, result)
	if err != nil {
		s.logger.Error("build stt response", "error", err)
		return
	}
	if err := s.conn.Publish(ctx, bus.VoiceTopic(voice.StageSTT, "response"), env); err != nil {
		s.logger.Warn("stt response publish failed", "error", err)
	}
}
