package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/httpkit"
)

// engineTimeout caps one completion call.
const engineTimeout = 60 * time.Second

// Request is one completion job.
type Request struct {
	Text string
}

// Result is a finished completion.
type Result struct {
	Response   string
	TokensUsed int
	Model      string
}

// Engine produces completions. The one implementation speaks the
// OpenAI-compatible chat protocol, which covers local back ends (ollama,
// llama.cpp) and hosted ones alike.
type Engine interface {
	Name() string
	Complete(ctx context.Context, req Request) (Result, error)
	Close() error
}

type chatEngine struct {
	endpoint     string
	apiKey       string
	model        string
	systemPrompt string
	client       *http.Client
}

// NewEngine builds the chat completions engine from cfg.
func NewEngine(cfg config.AIConfig) (Engine, error) {
	if cfg.Endpoint == "" {
		return nil, fault.New(fault.Validation, "ai endpoint not configured")
	}
	if cfg.Model == "" {
		return nil, fault.New(fault.Validation, "ai model not configured")
	}
	return &chatEngine{
		endpoint:     strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		client:       httpkit.NewClient(httpkit.WithTimeout(0)),
	}, nil
}

func (e *chatEngine) Name() string { return e.model }

func (e *chatEngine) Complete(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	messages := make([]message, 0, 2)
	if e.systemPrompt != "" {
		messages = append(messages, message{Role: "system", Content: e.systemPrompt})
	}
	messages = append(messages, message{Role: "user", Content: req.Text})

	body, err := json.Marshal(map[string]any{
		"model":    e.model,
		"messages": messages,
	})
	if err != nil {
		return Result{}, fault.Wrap(fault.Internal, "marshal completion request", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fault.Wrap(fault.Internal, "build completion request", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(hreq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, fault.Newf(fault.Timeout, "completion timeout after %s", engineTimeout)
		}
		return Result{}, fault.Wrap(fault.Transport, "call completion endpoint", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, fault.Newf(fault.Overload, "completion endpoint throttled: %s", httpkit.ReadErrorBody(resp.Body, 4096))
	case resp.StatusCode != http.StatusOK:
		return Result{}, fault.Newf(fault.Internal, "completion api_error: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fault.Wrap(fault.Internal, "decode completion response", err)
	}
	if len(out.Choices) == 0 {
		return Result{}, fault.New(fault.Internal, "completion api_error: no choices returned")
	}
	model := out.Model
	if model == "" {
		model = e.model
	}
	return Result{
		Response:   strings.TrimSpace(out.Choices[0].Message.Content),
		TokensUsed: out.Usage.TotalTokens,
		Model:      model,
	}, nil
}

func (e *chatEngine) Close() error { return nil }

// estimateTokens guesses a job's token cost for the limiter; actual usage
// from the API corrects it afterwards. Four characters per token is the
// usual rough cut for English.
func estimateTokens(text string) int {
	n := len(text)/4 + 1
	return n
}
