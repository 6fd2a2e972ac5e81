package engram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// GeminiLLM drives consolidation, dreaming, and narrative generation through
// the Gemini generateContent API. Implements LLM.
type GeminiLLM struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// GeminiLLMOption configures a GeminiLLM.
type GeminiLLMOption func(*GeminiLLM)

// WithGeminiLLMModel sets the generation model (default: gemini-2.0-flash).
func WithGeminiLLMModel(model string) GeminiLLMOption {
	return func(l *GeminiLLM) { l.model = model }
}

// WithGeminiLLMBaseURL overrides the API base URL.
func WithGeminiLLMBaseURL(url string) GeminiLLMOption {
	return func(l *GeminiLLM) { l.baseURL = url }
}

// NewGeminiLLM creates an LLM backend for Google's Gemini generateContent API.
func NewGeminiLLM(apiKey string, opts ...GeminiLLMOption) *GeminiLLM {
	l := &GeminiLLM{
		apiKey:  apiKey,
		model:   "gemini-2.0-flash",
		baseURL: "https://generativelanguage.googleapis.com",
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Complete implements the LLM interface. A false second return means the
// backend is unavailable or errored, never conflated with a Go error.
func (l *GeminiLLM) Complete(ctx context.Context, prompt string, temperature float64) (string, bool) {
	if l.apiKey == "" {
		return "", false
	}

	var text string
	operation := func() error {
		t, err := l.completeOnce(ctx, prompt, temperature)
		if err != nil {
			return err
		}
		text = t
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return "", false
	}
	return text, true
}

func (l *GeminiLLM) completeOnce(ctx context.Context, prompt string, temperature float64) (string, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", l.baseURL, l.model, l.apiKey)

	reqBody := geminiGenerateRequest{
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: geminiGenerationConfig{Temperature: temperature},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("marshal: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gemini generate %d: %s", resp.StatusCode, string(body[:min(len(body), 200)]))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", backoff.Permanent(fmt.Errorf("gemini generate %d: %s", resp.StatusCode, string(body[:min(len(body), 200)])))
	}

	var gResp geminiGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gResp); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode: %w", err))
	}
	if len(gResp.Candidates) == 0 || len(gResp.Candidates[0].Content.Parts) == 0 {
		return "", backoff.Permanent(fmt.Errorf("empty completion returned"))
	}
	return gResp.Candidates[0].Content.Parts[0].Text, nil
}

// --- Gemini generateContent API types ---

type geminiGenerationConfig struct {
	Temperature float64 `json:"temperature"`
}

type geminiGenerateRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}
