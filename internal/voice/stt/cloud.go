package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/alicia-home/alicia/internal/config"
	"github.com/alicia-home/alicia/internal/fault"
	"github.com/alicia-home/alicia/internal/httpkit"
)

var cloudClient = httpkit.NewClient(httpkit.WithTimeout(0))

// googleEngine calls the Google Cloud speech recognition REST API.
type googleEngine struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func newGoogleEngine(cfg config.GoogleConfig) (*googleEngine, error) {
	if cfg.APIKey == "" {
		return nil, fault.New(fault.Validation, "google api_key not configured")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://speech.googleapis.com/v1"
	}
	return &googleEngine{apiKey: cfg.APIKey, endpoint: strings.TrimSuffix(endpoint, "/"), client: cloudClient}, nil
}

func (e *googleEngine) Name() string { return "google" }

func (e *googleEngine) Transcribe(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	audio, err := os.ReadFile(req.AudioPath)
	if err != nil {
		return Result{}, fault.Wrap(fault.Internal, "read audio file", err)
	}
	language := req.Language
	if language == "" {
		language = "en-US"
	}
	body, err := json.Marshal(map[string]any{
		"config": map[string]any{"languageCode": language},
		"audio":  map[string]string{"content": base64.StdEncoding.EncodeToString(audio)},
	})
	if err != nil {
		return Result{}, fault.Wrap(fault.Internal, "marshal recognize request", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/speech:recognize?key="+e.apiKey, bytes.NewReader(body))
	if err != nil {
		return Result{}, fault.Wrap(fault.Internal, "build recognize request", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(hreq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, fault.Newf(fault.Timeout, "google stt timeout after %s", engineTimeout)
		}
		return Result{}, fault.Wrap(fault.Transport, "call google stt", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)
	if resp.StatusCode != http.StatusOK {
		return Result{}, fault.Newf(fault.Internal, "google stt api_error: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var out struct {
		Results []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fault.Wrap(fault.Internal, "decode recognize response", err)
	}

	var text strings.Builder
	var confidence float64
	var n int
	for _, r := range out.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		text.WriteString(r.Alternatives[0].Transcript)
		confidence += r.Alternatives[0].Confidence
		n++
	}
	if n > 0 {
		confidence /= float64(n)
	}
	return Result{Text: text.String(), Language: language, Confidence: confidence}, nil
}

func (e *googleEngine) Close() error { return nil }

// azureEngine calls the Azure short-audio recognition endpoint.
type azureEngine struct {
	apiKey string
	region string
	client *http.Client
}

func newAzureEngine(cfg config.AzureConfig) (*azureEngine, error) {
	if cfg.APIKey == "" || cfg.Region == "" {
		return nil, fault.New(fault.Validation, "azure api_key and region required")
	}
	return &azureEngine{apiKey: cfg.APIKey, region: cfg.Region, client: cloudClient}, nil
}

func (e *azureEngine) Name() string { return "azure" }

func (e *azureEngine) Transcribe(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	audio, err := os.ReadFile(req.AudioPath)
	if err != nil {
		return Result{}, fault.Wrap(fault.Internal, "read audio file", err)
	}
	language := req.Language
	if language == "" {
		language = "en-US"
	}
	url := fmt.Sprintf(
		"https://%s.stt.speech.microsoft.com/speech/recognition/conversation/cognitiveservices/v1?language=%s",
		e.region, language,
	)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(audio))
	if err != nil {
		return Result{}, fault.Wrap(fault.Internal, "build recognize request", err)
	}
	hreq.Header.Set("Ocp-Apim-Subscription-Key", e.apiKey)
	hreq.Header.Set("Content-Type", "audio/wav")

	resp, err := e.client.Do(hreq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, fault.Newf(fault.Timeout, "azure stt timeout after %s", engineTimeout)
		}
		return Result{}, fault.Wrap(fault.Transport, "call azure stt", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)
	if resp.StatusCode != http.StatusOK {
		return Result{}, fault.Newf(fault.Internal, "azure stt api_error: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var out struct {
		RecognitionStatus string  `json:"RecognitionStatus"`
		DisplayText       string  `json:"DisplayText"`
		Confidence        float64 `json:"Confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fault.Wrap(fault.Internal, "decode recognize response", err)
	}
	if out.RecognitionStatus != "Success" {
		return Result{}, fault.Newf(fault.Internal, "azure stt api_error: %s", out.RecognitionStatus)
	}
	confidence := out.Confidence
	if confidence == 0 {
		confidence = 1
	}
	return Result{Text: out.DisplayText, Language: language, Confidence: confidence}, nil
}

func (e *azureEngine) Close() error { return nil }
