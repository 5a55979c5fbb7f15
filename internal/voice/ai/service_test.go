package ai

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/voice"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEngine struct {
	response string
	tokens   int
	fail     error
}

func (e *fakeEngine) Name() string { return "fake-model" }

func (e *fakeEngine) Complete(context.Context, Request) (Result, error) {
	if e.fail != nil {
		return Result{}, e.fail
	}
	return Result{Response: e.response, TokensUsed: e.tokens, Model: "fake-model"}, nil
}

func (e *fakeEngine) Close() error { return nil }

func newTestService(t *testing.T, ex *bus.Exchange, engine Engine, cfg config.AIConfig) *Service {
	t.Helper()
	conn := ex.Connect("ai")
	s := NewService(conn, cfg, engine, Options{Logger: testLogger()})
	if err := s.Attach(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(cancel)
	return s
}

func TestComplete(t *testing.T) {
	ex := bus.NewExchange()
	s := newTestService(t, ex, &fakeEngine{response: "done", tokens: 12}, config.AIConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := s.Complete(ctx, voice.AIJob{Text: "hello", SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Response != "done" || result.TokensUsed != 12 || result.Model != "fake-model" {
		t.Fatalf("result = %+v", result)
	}
	if result.SessionID != "sess-1" {
		t.Fatalf("session = %q", result.SessionID)
	}
}

func TestCompleteEmptyText(t *testing.T) {
	ex := bus.NewExchange()
	s := newTestService(t, ex, &fakeEngine{}, config.AIConfig{})

	_, err := s.Complete(context.Background(), voice.AIJob{})
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("want validation, got %v", err)
	}
}

func TestTranscriptChainsToCompletion(t *testing.T) {
	ex := bus.NewExchange()
	newTestService(t, ex, &fakeEngine{response: "lights are on", tokens: 8}, config.AIConfig{})

	upstream := ex.Connect("stt")
	env, err := bus.New("stt", bus.TypeResponse, voice.STTResult{
		Text:      "turn on the lights",
		SessionID: "sess-4",
		DeviceID:  "speaker-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := upstream.Publish(context.Background(), bus.VoiceTopic(voice.StageSTT, "response"), env); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(ex.PublishedTo(bus.VoiceTopic(voice.StageAI, "response"))) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no ai response published")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var result voice.AIResult
	if err := ex.PublishedTo(bus.VoiceTopic(voice.StageAI, "response"))[0].DecodePayload(&result); err != nil {
		t.Fatal(err)
	}
	if result.Response != "lights are on" || result.SessionID != "sess-4" || result.DeviceID != "speaker-1" {
		t.Fatalf("result = %+v", result)
	}
}

func TestEngineFailurePublishesStageError(t *testing.T) {
	ex := bus.NewExchange()
	newTestService(t, ex, &fakeEngine{fail: fault.New(fault.Internal, "api_error: status 500")}, config.AIConfig{})

	upstream := ex.Connect("stt")
	env, err := bus.New("stt", bus.TypeResponse, voice.STTResult{Text: "hello", SessionID: "sess-5"})
	if err != nil {
		t.Fatal(err)
	}
	if err := upstream.Publish(context.Background(), bus.VoiceTopic(voice.StageSTT, "response"), env); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(ex.PublishedTo(bus.VoiceTopic(voice.StageAI, "error"))) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no stage error published")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var se voice.StageError
	if err := ex.PublishedTo(bus.VoiceTopic(voice.StageAI, "error"))[0].DecodePayload(&se); err != nil {
		t.Fatal(err)
	}
	if se.Stage != voice.StageAI || se.FallbackText != "Sorry, the ai stage failed." {
		t.Fatalf("stage error = %+v", se)
	}
}

func TestChatEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": req.Model,
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "hi there"}},
			},
			"usage": map[string]int{"total_tokens": 21},
		})
	}))
	defer srv.Close()

	engine, err := NewEngine(config.AIConfig{
		Endpoint:     srv.URL,
		Model:        "test-model",
		APIKey:       "sk-test",
		SystemPrompt: "You are a home assistant.",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := engine.Complete(context.Background(), Request{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "hi there" || res.TokensUsed != 21 || res.Model != "test-model" {
		t.Fatalf("result = %+v", res)
	}
}

func TestChatEngineThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limit", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	engine, err := NewEngine(config.AIConfig{Endpoint: srv.URL, Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = engine.Complete(context.Background(), Request{Text: "hello"})
	if !fault.IsKind(err, fault.Overload) {
		t.Fatalf("want overload, got %v", err)
	}
}

func TestLimiterRequestsWindow(t *testing.T) {
	l := NewLimiter(2, 0)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	if sleep := l.tryReserve(10); sleep != 0 {
		t.Fatalf("first reserve slept %v", sleep)
	}
	if sleep := l.tryReserve(10); sleep != 0 {
		t.Fatalf("second reserve slept %v", sleep)
	}
	sleep := l.tryReserve(10)
	if sleep <= 0 {
		t.Fatal("third reserve should sleep")
	}
	// The window frees up once the oldest entry ages out.
	clock = clock.Add(limiterWindow + time.Second)
	if sleep := l.tryReserve(10); sleep != 0 {
		t.Fatalf("reserve after window slept %v", sleep)
	}
}

func TestLimiterTokensWindow(t *testing.T) {
	l := NewLimiter(0, 100)
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	if sleep := l.tryReserve(80); sleep != 0 {
		t.Fatalf("first reserve slept %v", sleep)
	}
	if sleep := l.tryReserve(30); sleep <= 0 {
		t.Fatal("over-budget reserve should sleep")
	}
	// Actual usage came in lower than the estimate; the correction makes
	// room.
	l.Record(60)
	if sleep := l.tryReserve(30); sleep != 0 {
		t.Fatalf("reserve after correction slept %v", sleep)
	}

	requests, tokens := l.Usage()
	if requests != 2 || tokens != 90 {
		t.Fatalf("usage = %d req, %d tokens", requests, tokens)
	}
}

func TestLimiterOversizeJobAdmittedWhenIdle(t *testing.T) {
	// A single job larger than the whole token budget must not deadlock;
	// it is admitted when the window is empty.
	l := NewLimiter(0, 100)
	if sleep := l.tryReserve(500); sleep != 0 {
		t.Fatalf("oversize reserve slept %v", sleep)
	}
}
