package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/events"
	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/metrics"
	"github.com/alicia-home/alicia/internal/voice"
)

const defaultMaxTextLength = 1000

// job is one queued synthesis. Bus jobs publish their outcome on the voice
// topics; HTTP jobs hand it back on done.
type job struct {
	voice.TTSJob
	original json.RawMessage
	done     chan outcome
}

type outcome struct {
	result voice.TTSResult
	err    error
}

// Options carries the service's ambient wiring.
type Options struct {
	Events *events.Bus
	Logger *slog.Logger
}

// Service is the TTS adapter.
type Service struct {
	conn    bus.Conn
	queue   *voice.Queue[job]
	events  *events.Bus
	logger  *slog.Logger
	cfg     config.TTSConfig
	workers int
	maxText int

	mu     sync.Mutex
	engine Engine
}

// NewService builds the adapter around an already-constructed engine.
func NewService(conn bus.Conn, cfg config.TTSConfig, engine Engine, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxText := cfg.MaxTextLength
	if maxText <= 0 {
		maxText = defaultMaxTextLength
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = os.TempDir()
	}
	return &Service{
		conn:    conn,
		queue:   voice.NewQueue[job](cfg.QueueSize),
		events:  opts.Events,
		logger:  logger.With("component", "tts"),
		cfg:     cfg,
		workers: cfg.Workers,
		maxText: maxText,
		engine:  engine,
	}
}

// SetEngine swaps the synthesis engine. In-flight jobs finish on the old
// engine; the swap applies from the next job.
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
	s.logger.Info("tts engine swapped", "engine", engine.Name())
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

// Voices lists what the active engine offers.
func (s *Service) Voices(ctx context.Context) ([]Voice, error) {
	return s.currentEngine().Voices(ctx)
}

// Attach subscribes the request topic and the AI response topic; an AI
// answer auto-enqueues synthesis of its text under the same session id.
func (s *Service) Attach(ctx context.Context, conn bus.Conn) error {
	if err := conn.Subscribe(ctx, bus.VoiceTopic(voice.StageTTS, "request"), s.onRequest); err != nil {
		return err
	}
	return conn.Subscribe(ctx, bus.VoiceTopic(voice.StageAI, "response"), s.onAIResponse)
}

// Run drains the work queue until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.queue.Work(ctx, s.workers, s.process)
	return ctx.Err()
}

// Synthesize runs one job through the bounded queue and waits for its
// result. A full queue fails immediately with an overload fault.
func (s *Service) Synthesize(ctx context.Context, j voice.TTSJob) (voice.TTSResult, error) {
	if err := validate(j); err != nil {
		return voice.TTSResult{}, err
	}
	item := job{TTSJob: j, done: make(chan outcome, 1)}
	if err := s.queue.Push(item); err != nil {
		return voice.TTSResult{}, err
	}
	select {
	case out := <-item.done:
		return out.result, out.err
	case <-ctx.Done():
		return voice.TTSResult{}, fault.Wrap(fault.Timeout, "synthesize", ctx.Err())
	}
}

func validate(j voice.TTSJob) error {
	if j.Text == "" {
		return fault.New(fault.Validation, "text required")
	}
	return nil
}

func (s *Service) onRequest(ctx context.Context, _ string, env *bus.Envelope) {
	var j voice.TTSJob
	if err := env.DecodePayload(&j); err != nil {
		voice.PublishStageError(ctx, s.conn, voice.StageTTS, "", env.Payload, err, s.logger)
		return
	}
	s.enqueueBus(ctx, j, env.Payload)
}

// onAIResponse chains the pipeline: the AI's reply text becomes a TTS job
// carrying the same session and target device.
func (s *Service) onAIResponse(ctx context.Context, _ string, env *bus.Envelope) {
	var res voice.AIResult
	if err := env.DecodePayload(&res); err != nil {
		s.logger.Warn("bad ai response payload", "error", err)
		return
	}
	if res.Response == "" {
		return
	}
	s.enqueueBus(ctx, voice.TTSJob{
		Text:      res.Response,
		SessionID: res.SessionID,
		DeviceID:  res.DeviceID,
	}, env.Payload)
}

func (s *Service) enqueueBus(ctx context.Context, j voice.TTSJob, original json.RawMessage) {
	if err := validate(j); err != nil {
		voice.PublishStageError(ctx, s.conn, voice.StageTTS, j.SessionID, original, err, s.logger)
		return
	}
	if err := s.queue.Push(job{TTSJob: j, original: original}); err != nil {
		voice.PublishStageError(ctx, s.conn, voice.StageTTS, j.SessionID, original, err, s.logger)
	}
}

// process executes one job and routes its outcome back to the caller or
// onto the bus.
func (s *Service) process(ctx context.Context, item job) {
	result, err := s.synthesize(ctx, item.TTSJob)

	if item.done != nil {
		item.done <- outcome{result: result, err: err}
		if err == nil {
			s.publishResult(ctx, result)
		}
		return
	}
	if err != nil {
		voice.PublishStageError(ctx, s.conn, voice.StageTTS, item.SessionID, item.original, err, s.logger)
		return
	}
	s.publishResult(ctx, result)
	s.deliver(ctx, item.TTSJob, result)
}

func (s *Service) synthesize(ctx context.Context, j voice.TTSJob) (voice.TTSResult, error) {
	text := j.Text
	if len([]rune(text)) > s.maxText {
		text = string([]rune(text)[:s.maxText]) + "…"
	}

	engine := s.currentEngine()
	out := filepath.Join(s.cfg.OutputDir, "tts_"+uuid.NewString()+".wav")
	start := time.Now()
	res, err := engine.Synthesize(ctx, Request{Text: text, Voice: j.Voice, OutputPath: out})
	elapsed := time.Since(start)
	metrics.EngineLatency.WithLabelValues(voice.StageTTS, engine.Name()).Observe(elapsed.Seconds())

	s.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceVoice,
		Kind:      events.KindJobDone,
		Data: map[string]any{
			"session_id":  j.SessionID,
			"stage":       voice.StageTTS,
			"ok":          err == nil,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
	if err != nil {
		return voice.TTSResult{}, err
	}
	metrics.VoiceJobs.WithLabelValues(voice.StageTTS, "ok").Inc()

	result := voice.TTSResult{
		Success:          true,
		AudioPath:        res.AudioPath,
		Engine:           engine.Name(),
		ProcessingTimeMS: elapsed.Milliseconds(),
		SessionID:        j.SessionID,
		DeviceID:         j.DeviceID,
	}
	if j.Base64 {
		data, rerr := os.ReadFile(res.AudioPath)
		if rerr != nil {
			return voice.TTSResult{}, fault.Wrap(fault.Internal, "read audio file", rerr)
		}
		result.AudioBase64 = base64.StdEncoding.EncodeToString(data)
	}
	return result, nil
}

func (s *Service) publishResult(ctx context.Context, result voice.TTSResult) {
	env, err := bus.New(s.conn.ServiceName(), bus.TypeResponse, result)
	if err != nil {
		s.logger.Error("build tts response", "error", err)
		return
	}
	if err := s.conn.Publish(ctx, bus.VoiceTopic(voice.StageTTS, "response"), env); err != nil {
		s.logger.Warn("tts response publish failed", "error", err)
	}
}

// deliver hands finished audio to the device manager as a play_audio
// command when the job names a target device.
func (s *Service) deliver(ctx context.Context, j voice.TTSJob, result voice.TTSResult) {
	if j.DeviceID == "" {
		return
	}
	env, err := bus.New(s.conn.ServiceName(), bus.TypeCommand, map[string]any{
		"device_ids": []string{j.DeviceID},
		"command":    "play_audio",
		"parameters": map[string]any{
			"audio_path": result.AudioPath,
			"session_id": j.SessionID,
		},
		"priority": bus.PriorityHigh,
	})
	if err != nil {
		s.logger.Error("build play_audio command", "error", err)
		return
	}
	if err := s.conn.Publish(ctx, bus.TopicDeviceCommandRequest, env); err != nil {
		s.logger.Warn("play_audio publish failed", "device_id", j.DeviceID, "error", err)
	}
}
