// Package voice holds what the three pipeline adapters (stt, ai, tts)
// share: job and result payload shapes, the bounded work queue, and the
// stage error contract. A voice interaction flows stt → ai → tts with one
// session id threaded through every leg, so delivery at the end correlates
// with the utterance at the start.
package voice

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/metrics"
)

// Pipeline stage names, also the middle level of the voice topics.
const (
	StageSTT = "stt"
	StageAI  = "ai"
	StageTTS = "tts"
)

// DefaultQueueSize bounds each adapter's work queue.
const DefaultQueueSize = 32

// TTSJob is the payload of voice/tts/request.
type TTSJob struct {
	Text      string `json:"text"`
	Voice     string `json:"voice,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	// Base64 asks for the audio inline instead of a server-local path.
	Base64 bool `json:"base64,omitempty"`
}

// TTSResult is the payload of voice/tts/response.
type TTSResult struct {
	Success          bool   `json:"success"`
	AudioPath        string `json:"audio_path,omitempty"`
	AudioBase64      string `json:"audio_base64,omitempty"`
	Engine           string `json:"engine"`
	ProcessingTimeMS int64  `json:"processing_time_ms"`
	SessionID        string `json:"session_id,omitempty"`
	DeviceID         string `json:"device_id,omitempty"`
	Error            string `json:"error,omitempty"`
}

// STTJob is the payload of voice/stt/request. Audio arrives inline as
// base64 or by URL for the engine to fetch.
type STTJob struct {
	AudioBase64 string `json:"audio_base64,omitempty"`
	AudioURL    string `json:"audio_url,omitempty"`
	Language    string `json:"language,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
}

// STTResult is the payload of voice/stt/response.
type STTResult struct {
	Text       string  `json:"text"`
	Language   string  `json:"language,omitempty"`
	Confidence float64 `json:"confidence"`
	STTTimeMS  int64   `json:"stt_time_ms"`
	Engine     string  `json:"engine"`
	SessionID  string  `json:"session_id,omitempty"`
	DeviceID   string  `json:"device_id,omitempty"`
}

// AIJob is the payload of voice/ai/request.
type AIJob struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
}

// AIResult is the payload of voice/ai/response.
type AIResult struct {
	Response   string `json:"response"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model"`
	AITimeMS   int64  `json:"ai_time_ms"`
	SessionID  string `json:"session_id,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
}

// StageError is the payload published on voice/<stage>/error. FallbackText
// is a spoken apology downstream components can hand to TTS so the user
// hears something rather than silence.
type StageError struct {
	Stage           string          `json:"stage"`
	Error           string          `json:"error"`
	Kind            fault.Kind      `json:"kind"`
	FallbackText    string          `json:"fallback_text"`
	SessionID       string          `json:"session_id,omitempty"`
	OriginalRequest json.RawMessage `json:"original_request,omitempty"`
	RetryAfterMS    int64           `json:"retry_after_ms,omitempty"`
}

// PublishStageError reports a failed pipeline leg on the stage's error
// topic.
func PublishStageError(ctx context.Context, conn bus.Conn, stage, sessionID string, original json.RawMessage, err error, logger *slog.Logger) {
	se := StageError{
		Stage:           stage,
		Error:           err.Error(),
		Kind:            fault.KindOf(err),
		FallbackText:    "Sorry, the " + stage + " stage failed.",
		SessionID:       sessionID,
		OriginalRequest: original,
	}
	if se.Kind == fault.Overload {
		se.RetryAfterMS = 1000
	}
	env, berr := bus.New(conn.ServiceName(), bus.TypeError, se)
	if berr != nil {
		logger.Error("build stage error envelope", "stage", stage, "error", berr)
		return
	}
	if perr := conn.Publish(ctx, bus.VoiceTopic(stage, "error"), env); perr != nil {
		logger.Warn("stage error publish failed", "stage", stage, "error", perr)
	}
	metrics.VoiceJobs.WithLabelValues(stage, "error").Inc()
}

// Queue is the bounded job intake shared by the adapters. HTTP callers get
// an overload fault back (surfaced as 503); bus callers translate the same
// fault into a stage error envelope.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	cap   int
	wake  chan struct{}
}

// NewQueue builds a queue bounded at capacity (default 32).
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue[T]{cap: capacity, wake: make(chan struct{}, 1)}
}

// Push enqueues a job, failing with an overload fault when full.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	if len(q.items) >= q.cap {
		q.mu.Unlock()
		return fault.Newf(fault.Overload, "work queue full (%d jobs waiting)", q.cap)
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Depth returns the number of waiting jobs.
func (q *Queue[T]) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Work drains the queue with n workers until ctx is cancelled. Each worker
// takes one job at a time, so n=1 preserves job order.
func (q *Queue[T]) Work(ctx context.Context, n int, fn func(context.Context, T)) {
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, ok := q.pop()
				if ok {
					fn(ctx, item)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-q.wake:
				case <-time.After(100 * time.Millisecond):
				}
			}
		}()
	}
	wg.Wait()
}
