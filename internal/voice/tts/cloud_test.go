package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/fault"
)

func TestGoogleEngineSynthesize(t *testing.T) {
	audio := []byte("RIFF-pcm-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/text:synthesize" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("key") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var req struct {
			Input struct {
				Text string `json:"text"`
			} `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input.Text == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"audioContent": base64.StdEncoding.EncodeToString(audio),
		})
	}))
	defer srv.Close()

	engine, err := newGoogleEngine(config.GoogleConfig{APIKey: "test-key", Endpoint: srv.URL}, "en-US-Standard-C")
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "out.wav")
	res, err := engine.Synthesize(context.Background(), Request{Text: "hello", OutputPath: out})
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(res.AudioPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(audio) {
		t.Fatalf("audio = %q", got)
	}
}

func TestGoogleEngineAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	engine, err := newGoogleEngine(config.GoogleConfig{APIKey: "k", Endpoint: srv.URL}, "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = engine.Synthesize(context.Background(), Request{Text: "hello", OutputPath: filepath.Join(t.TempDir(), "out.wav")})
	if !fault.IsKind(err, fault.Internal) {
		t.Fatalf("want internal api_error, got %v", err)
	}
}
