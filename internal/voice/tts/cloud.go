package tts

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

// cloudClient is shared by both cloud engines. The per-request deadline
// comes from the engine timeout, so the client itself carries none.
var cloudClient = httpkit.NewClient(httpkit.WithTimeout(0))

// googleEngine calls the Google Cloud text-to-speech REST API.
type googleEngine struct {
	apiKey   string
	endpoint string
	voice    string
	client   *http.Client
}

func newGoogleEngine(cfg config.GoogleConfig, voice string) (*googleEngine, error) {
	if cfg.APIKey == "" {
		return nil, fault.New(fault.Validation, "google api_key not configured")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://texttospeech.googleapis.com/v1"
	}
	return &googleEngine{
		apiKey:   cfg.APIKey,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		voice:    voice,
		client:   cloudClient,
	}, nil
}

func (e *googleEngine) Name() string { return "google" }

func (e *googleEngine) Synthesize(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	voice := req.Voice
	if voice == "" {
		voice = e.voice
	}
	body, err := json.Marshal(map[string]any{
		"input":       map[string]string{"text": req.Text},
		"voice":       map[string]string{"languageCode": languageOf(voice), "name": voice},
		"audioConfig": map[string]string{"audioEncoding": "LINEAR16"},
	})
	if err != nil {
		return Result{}, fault.Wrap(fault.Internal, "marshal synthesize request", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/text:synthesize?key="+e.apiKey, bytes.NewReader(body))
	if err != nil {
		return Result{}, fault.Wrap(fault.Internal, "build synthesize request", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(hreq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, fault.Newf(fault.Timeout, "google tts timeout after %s", engineTimeout)
		}
		return Result{}, fault.Wrap(fault.Transport, "call google tts", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)
	if resp.StatusCode != http.StatusOK {
		return Result{}, fault.Newf(fault.Internal, "google tts api_error: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var out struct {
		AudioContent string `json:"audioContent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fault.Wrap(fault.Internal, "decode google tts response", err)
	}
	return writeAudio(req.OutputPath, out.AudioContent, true)
}

func (e *googleEngine) Voices(ctx context.Context) ([]Voice, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/voices?key="+e.apiKey, nil)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "build voices request", err)
	}
	resp, err := e.client.Do(hreq)
	if err != nil {
		return nil, fault.Wrap(fault.Transport, "list google voices", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)
	if resp.StatusCode != http.StatusOK {
		return nil, fault.Newf(fault.Internal, "google tts api_error: status %d", resp.StatusCode)
	}
	var out struct {
		Voices []struct {
			Name          string   `json:"name"`
			LanguageCodes []string `json:"languageCodes"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fault.Wrap(fault.Internal, "decode voices response", err)
	}
	voices := make([]Voice, 0, len(out.Voices))
	for _, v := range out.Voices {
		voice := Voice{Name: v.Name}
		if len(v.LanguageCodes) > 0 {
			voice.Language = v.LanguageCodes[0]
		}
		voices = append(voices, voice)
	}
	return voices, nil
}

func (e *googleEngine) Close() error { return nil }

// azureEngine calls the Azure cognitive services speech API with SSML.
type azureEngine struct {
	apiKey string
	region string
	voice  string
	client *http.Client
}

func newAzureEngine(cfg config.AzureConfig, voice string) (*azureEngine, error) {
	if cfg.APIKey == "" || cfg.Region == "" {
		return nil, fault.New(fault.Validation, "azure api_key and region required")
	}
	if voice == "" {
		voice = "en-US-JennyNeural"
	}
	return &azureEngine{apiKey: cfg.APIKey, region: cfg.Region, voice: voice, client: cloudClient}, nil
}

func (e *azureEngine) Name() string { return "azure" }

func (e *azureEngine) host() string {
	return fmt.Sprintf("https://%s.tts.speech.microsoft.com", e.region)
}

func (e *azureEngine) Synthesize(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, engineTimeout)
	defer cancel()

	voice := req.Voice
	if voice == "" {
		voice = e.voice
	}
	ssml := fmt.Sprintf(
		`<speak version='1.0' xml:lang='%s'><voice name='%s'>%s</voice></speak>`,
		languageOf(voice), voice, escapeXML(req.Text),
	)

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host()+"/cognitiveservices/v1", strings.NewReader(ssml))
	if err != nil {
		return Result{}, fault.Wrap(fault.Internal, "build synthesize request", err)
	}
	hreq.Header.Set("Ocp-Apim-Subscription-Key", e.apiKey)
	hreq.Header.Set("Content-Type", "application/ssml+xml")
	hreq.Header.Set("X-Microsoft-OutputFormat", "riff-24khz-16bit-mono-pcm")

	resp, err := e.client.Do(hreq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, fault.Newf(fault.Timeout, "azure tts timeout after %s", engineTimeout)
		}
		return Result{}, fault.Wrap(fault.Transport, "call azure tts", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)
	if resp.StatusCode != http.StatusOK {
		return Result{}, fault.Newf(fault.Internal, "azure tts api_error: status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	out, err := os.Create(req.OutputPath)
	if err != nil {
		return Result{}, fault.Wrap(fault.Internal, "create audio file", err)
	}
	defer out.Close()
	n, err := out.ReadFrom(resp.Body)
	if err != nil {
		return Result{}, fault.Wrap(fault.Internal, "write audio file", err)
	}
	if n == 0 {
		return Result{}, fault.New(fault.Internal, "azure tts api_error: empty audio")
	}
	return Result{AudioPath: req.OutputPath, SizeBytes: n}, nil
}

func (e *azureEngine) Voices(ctx context.Context) ([]Voice, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.host()+"/cognitiveservices/voices/list", nil)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "build voices request", err)
	}
	hreq.Header.Set("Ocp-Apim-Subscription-Key", e.apiKey)
	resp, err := e.client.Do(hreq)
	if err != nil {
		return nil, fault.Wrap(fault.Transport, "list azure voices", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)
	if resp.StatusCode != http.StatusOK {
		return nil, fault.Newf(fault.Internal, "azure tts api_error: status %d", resp.StatusCode)
	}
	var raw []struct {
		ShortName string `json:"ShortName"`
		Locale    string `json:"Locale"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fault.Wrap(fault.Internal, "decode voices response", err)
	}
	voices := make([]Voice, 0, len(raw))
	for _, v := range raw {
		voices = append(voices, Voice{Name: v.ShortName, Language: v.Locale})
	}
	return voices, nil
}

func (e *azureEngine) Close() error { return nil }

// writeAudio persists engine output, decoding base64 when asked.
func writeAudio(path, content string, b64 bool) (Result, error) {
	data := []byte(content)
	if b64 {
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return Result{}, fault.Wrap(fault.Internal, "decode audio content", err)
		}
		data = decoded
	}
	if len(data) == 0 {
		return Result{}, fault.New(fault.Internal, "api_error: empty audio")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Result{}, fault.Wrap(fault.Internal, "write audio file", err)
	}
	return Result{AudioPath: path, SizeBytes: int64(len(data))}, nil
}

// languageOf extracts the locale prefix of a voice name like
// "en-US-Standard-C"; bare names fall back to en-US.
func languageOf(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) >= 2 && len(parts[0]) == 2 {
		return parts[0] + "-" + parts[1]
	}
	return "en-US"
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return r.Replace(s)
}
