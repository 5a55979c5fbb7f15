package ai

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/events"
	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/metrics"
	"github.com/alicia-home/alicia/internal/voice"
)

// Reference back-end limits, used when config leaves the limiter knobs
// unset.
const (
	defaultRequestsPerMinute = 480
	defaultTokensPerMinute   = 2_000_000
)

type job struct {
	voice.AIJob
	original json.RawMessage
	done     chan outcome
}

type outcome struct {
	result voice.AIResult
	err    error
}

// Options carries the service's ambient wiring.
type Options struct {
	Events *events.Bus
	Logger *slog.Logger
}

// Service is the AI adapter.
type Service struct {
	conn    bus.Conn
	queue   *voice.Queue[job]
	limiter *Limiter
	events  *events.Bus
	logger  *slog.Logger
	workers int

	mu     sync.Mutex
	engine Engine
}

// NewService builds the adapter around an already-constructed engine.
func NewService(conn bus.Conn, cfg config.AIConfig, engine Engine, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rpm := cfg.RequestsPerMinute
	if rpm == 0 {
		rpm = defaultRequestsPerMinute
	}
	tpm := cfg.TokensPerMinute
	if tpm == 0 {
		tpm = defaultTokensPerMinute
	}
	return &Service{
		conn:    conn,
		queue:   voice.NewQueue[job](cfg.QueueSize),
		limiter: NewLimiter(rpm, tpm),
		events:  opts.Events,
		logger:  logger.With("component", "ai"),
		workers: cfg.Workers,
		engine:  engine,
	}
}

// SetEngine swaps the completion engine from the next job on.
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
	s.logger.Info("ai engine swapped", "engine", engine.Name())
}

func (s *Service) currentEngine() Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// QueueDepth reports waiting jobs, for the health snapshot.
func (s *Service) QueueDepth() int { return s.queue.Depth() }

// Limits reports the limiter's configuration and current window usage.
func (s *Service) Limits() map[string]any {
	requests, tokens := s.limiter.Usage()
	return map[string]any{
		"requests_per_minute": s.limiter.requestsPerMin,
		"tokens_per_minute":   s.limiter.tokensPerMin,
		"window_requests":     requests,
		"window_tokens":       tokens,
	}
}

// Attach subscribes the request topic and the STT response topic; a
// transcript auto-enqueues a completion under the same session id.
func (s *Service) Attach(ctx context.Context, conn bus.Conn) error {
	if err := conn.Subscribe(ctx, bus.VoiceTopic(voice.StageAI, "request"), s.onRequest); err != nil {
		return err
	}
	return conn.Subscribe(ctx, bus.VoiceTopic(voice.StageSTT, "response"), s.onSTTResponse)
}

// Run drains the work queue until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.queue.Work(ctx, s.workers, s.process)
	return ctx.Err()
}

// Complete runs one job through the bounded queue and waits for its
// result.
func (s *Service) Complete(ctx context.Context, j voice.AIJob) (voice.AIResult, error) {
	if j.Text == "" {
		return voice.AIResult{}, fault.New(fault.Validation, "text required")
	}
	item := job{AIJob: j, done: make(chan outcome, 1)}
	if err := s.queue.Push(item); err != nil {
		return voice.AIResult{}, err
	}
	select {
	case out := <-item.done:
		return out.result, out.err
	case <-ctx.Done():
		return voice.AIResult{}, fault.Wrap(fault.Timeout, "complete", ctx.Err())
	}
}

func (s *Service) onRequest(ctx context.Context, _ string, env *bus.Envelope) {
	var j voice.AIJob
	if err := env.DecodePayload(&j); err != nil {
		voice.PublishStageError(ctx, s.conn, voice.StageAI, "", env.Payload, err, s.logger)
		return
	}
	s.enqueueBus(ctx, j, env.Payload)
}

// onSTTResponse chains the pipeline: a transcript becomes a completion job
// carrying the same session and device.
func (s *Service) onSTTResponse(ctx context.Context, _ string, env *bus.Envelope) {
	var res voice.STTResult
	if err := env.DecodePayload(&res); err != nil {
		s.logger.Warn("bad stt response payload", "error", err)
		return
	}
	if res.Text == "" {
		return
	}
	s.enqueueBus(ctx, voice.AIJob{
		Text:      res.Text,
		SessionID: res.SessionID,
		DeviceID:  res.DeviceID,
	}, env.Payload)
}

func (s *Service) enqueueBus(ctx context.Context, j voice.AIJob, original json.RawMessage) {
	if j.Text == "" {
		voice.PublishStageError(ctx, s.conn, voice.StageAI, j.SessionID, original, fault.New(fault.Validation, "text required"), s.logger)
		return
	}
	if err := s.queue.Push(job{AIJob: j, original: original}); err != nil {
		voice.PublishStageError(ctx, s.conn, voice.StageAI, j.SessionID, original, err, s.logger)
	}
}

func (s *Service) process(ctx context.Context, item job) {
	result, err := s.complete(ctx, item.AIJob)

	if item.done != nil {
		item.done <- outcome{result: result, err: err}
		if err == nil {
			s.publishResult(ctx, result)
		}
		return
	}
	if err != nil {
		voice.PublishStageError(ctx, s.conn, voice.StageAI, item.SessionID, item.original, err, s.logger)
		return
	}
	s.publishResult(ctx, result)
}

func (s *Service) complete(ctx context.Context, j voice.AIJob) (voice.AIResult, error) {
	if err := s.limiter.Wait(ctx, estimateTokens(j.Text)); err != nil {
		return voice.AIResult{}, fault.Wrap(fault.Timeout, "rate limit wait", err)
	}

	engine := s.currentEngine()
	start := time.Now()
	res, err := engine.Complete(ctx, Request{Text: j.Text})
	elapsed := time.Since(start)
	metrics.EngineLatency.WithLabelValues(voice.StageAI, engine.Name()).Observe(elapsed.Seconds())

	s.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceVoice,
		Kind:      events.KindJobDone,
		Data: map[string]any{
			"session_id":  j.SessionID,
			"stage":       voice.StageAI,
			"ok":          err == nil,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
	if err != nil {
		return voice.AIResult{}, err
	}
	if res.TokensUsed > 0 {
		s.limiter.Record(res.TokensUsed)
	}
	metrics.VoiceJobs.WithLabelValues(voice.StageAI, "ok").Inc()

	return voice.AIResult{
		Response:   res.Response,
		TokensUsed: res.TokensUsed,
		Model:      res.Model,
		AITimeMS:   elapsed.Milliseconds(),
		SessionID:  j.SessionID,
		DeviceID:   j.DeviceID,
	}, nil
}

func (s *Service) publishResult(ctx context.Context, result voice.AIResult) {
	env, err := bus.New(s.conn.ServiceName(), bus.TypeResponse, result)
	if err != nil {
		s.logger.Error("build ai response", "error", err)
		return
	}
	if err := s.conn.Publish(ctx, bus.VoiceTopic(voice.StageAI, "response"), env); err != nil {
		s.logger.Warn("ai response publish failed", "error", err)
	}
}
