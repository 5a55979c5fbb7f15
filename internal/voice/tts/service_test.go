package tts

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
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

// fakeEngine records requests and writes a fixed blob to the output path.
type fakeEngine struct {
	requests []Request
	fail     error
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Synthesize(_ context.Context, req Request) (Result, error) {
	e.requests = append(e.requests, req)
	if e.fail != nil {
		return Result{}, e.fail
	}
	if err := os.WriteFile(req.OutputPath, []byte("RIFFdata"), 0o644); err != nil {
		return Result{}, err
	}
	return Result{AudioPath: req.OutputPath, SizeBytes: 8}, nil
}

func (e *fakeEngine) Voices(context.Context) ([]Voice, error) {
	return []Voice{{Name: "fake-voice"}}, nil
}

func (e *fakeEngine) Close() error { return nil }

func newTestService(t *testing.T, ex *bus.Exchange, engine Engine, cfg config.TTSConfig) (*Service, context.CancelFunc) {
	t.Helper()
	conn := ex.Connect("tts")
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	s := NewService(conn, cfg, engine, Options{Logger: testLogger()})
	if err := s.Attach(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(cancel)
	return s, cancel
}

func TestSynthesizeProducesAudio(t *testing.T) {
	ex := bus.NewExchange()
	engine := &fakeEngine{}
	s, _ := newTestService(t, ex, engine, config.TTSConfig{})

	ctx, cancelT := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelT()
	result, err := s.Synthesize(ctx, voice.TTSJob{Text: "hello there", SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.AudioPath == "" || result.Engine != "fake" {
		t.Fatalf("result = %+v", result)
	}
	if result.SessionID != "sess-1" {
		t.Fatalf("session = %q", result.SessionID)
	}
	if _, err := os.Stat(result.AudioPath); err != nil {
		t.Fatal(err)
	}
}

func TestSynthesizeBase64(t *testing.T) {
	ex := bus.NewExchange()
	s, _ := newTestService(t, ex, &fakeEngine{}, config.TTSConfig{})

	ctx, cancelT := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelT()
	result, err := s.Synthesize(ctx, voice.TTSJob{Text: "hello", Base64: true})
	if err != nil {
		t.Fatal(err)
	}
	if result.AudioBase64 == "" {
		t.Fatal("no base64 audio")
	}
}

func TestSynthesizeEmptyText(t *testing.T) {
	ex := bus.NewExchange()
	s, _ := newTestService(t, ex, &fakeEngine{}, config.TTSConfig{})

	_, err := s.Synthesize(context.Background(), voice.TTSJob{})
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("want validation, got %v", err)
	}
}

func TestSynthesizeTruncatesLongText(t *testing.T) {
	ex := bus.NewExchange()
	engine := &fakeEngine{}
	s, _ := newTestService(t, ex, engine, config.TTSConfig{MaxTextLength: 10})

	ctx, cancelT := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelT()
	if _, err := s.Synthesize(ctx, voice.TTSJob{Text: strings.Repeat("a", 50)}); err != nil {
		t.Fatal(err)
	}
	if len(engine.requests) != 1 {
		t.Fatalf("requests = %d", len(engine.requests))
	}
	got := engine.requests[0].Text
	if got != strings.Repeat("a", 10)+"…" {
		t.Fatalf("text = %q", got)
	}
}

func TestAIResponseChainsToSynthesisAndDelivery(t *testing.T) {
	ex := bus.NewExchange()
	s, _ := newTestService(t, ex, &fakeEngine{}, config.TTSConfig{})
	_ = s

	upstream := ex.Connect("ai")
	env, err := bus.New("ai", bus.TypeResponse, voice.AIResult{
		Response:  "The lights are on.",
		SessionID: "sess-9",
		DeviceID:  "speaker-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := upstream.Publish(context.Background(), bus.VoiceTopic(voice.StageAI, "response"), env); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(ex.PublishedTo(bus.VoiceTopic(voice.StageTTS, "response"))) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no tts response published")
		}
		time.Sleep(10 * time.Millisecond)
	}

	responses := ex.PublishedTo(bus.VoiceTopic(voice.StageTTS, "response"))
	var result voice.TTSResult
	if err := responses[0].DecodePayload(&result); err != nil {
		t.Fatal(err)
	}
	if result.SessionID != "sess-9" {
		t.Fatalf("session = %q", result.SessionID)
	}

	// Audio for a device-addressed job goes to the device manager as a
	// play_audio command.
	commands := ex.PublishedTo(bus.TopicDeviceCommandRequest)
	if len(commands) != 1 {
		t.Fatalf("commands = %d", len(commands))
	}
	var cmd struct {
		DeviceIDs  []string       `json:"device_ids"`
		Command    string         `json:"command"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := commands[0].DecodePayload(&cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Command != "play_audio" || len(cmd.DeviceIDs) != 1 || cmd.DeviceIDs[0] != "speaker-1" {
		t.Fatalf("cmd = %+v", cmd)
	}
	if cmd.Parameters["session_id"] != "sess-9" {
		t.Fatalf("parameters = %+v", cmd.Parameters)
	}
}

func TestBusRequestFailurePublishesStageError(t *testing.T) {
	ex := bus.NewExchange()
	engineErr := fault.New(fault.Internal, "piper nonzero_exit 1")
	s, _ := newTestService(t, ex, &fakeEngine{fail: engineErr}, config.TTSConfig{})
	_ = s

	caller := ex.Connect("router")
	env, err := bus.New("router", bus.TypeRequest, voice.TTSJob{Text: "hello", SessionID: "sess-2"})
	if err != nil {
		t.Fatal(err)
	}
	if err := caller.Publish(context.Background(), bus.VoiceTopic(voice.StageTTS, "request"), env); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(ex.PublishedTo(bus.VoiceTopic(voice.StageTTS, "error"))) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no stage error published")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var se voice.StageError
	if err := ex.PublishedTo(bus.VoiceTopic(voice.StageTTS, "error"))[0].DecodePayload(&se); err != nil {
		t.Fatal(err)
	}
	if se.Stage != voice.StageTTS || se.SessionID != "sess-2" {
		t.Fatalf("stage error = %+v", se)
	}
	if se.FallbackText != "Sorry, the tts stage failed." {
		t.Fatalf("fallback = %q", se.FallbackText)
	}
}

func TestQueueOverflowReturnsOverload(t *testing.T) {
	ex := bus.NewExchange()
	conn := ex.Connect("tts")
	s := NewService(conn, config.TTSConfig{QueueSize: 1, OutputDir: t.TempDir()}, &fakeEngine{}, Options{Logger: testLogger()})
	// No worker running: the first job sits in the queue, the second must
	// be rejected immediately.
	if err := s.queue.Push(job{TTSJob: voice.TTSJob{Text: "first"}}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Synthesize(context.Background(), voice.TTSJob{Text: "second"})
	if !fault.IsKind(err, fault.Overload) {
		t.Fatalf("want overload, got %v", err)
	}
}

func TestLanguageOf(t *testing.T) {
	cases := map[string]string{
		"en-US-Standard-C": "en-US",
		"de-DE-Neural2-B":  "de-DE",
		"alloy":            "en-US",
	}
	for voiceName, want := range cases {
		if got := languageOf(voiceName); got != want {
			t.Errorf("languageOf(%q) = %q, want %q", voiceName, got, want)
		}
	}
}
