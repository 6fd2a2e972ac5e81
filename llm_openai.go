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

// OpenAILLM drives consolidation, dreaming, and narrative generation through
// an OpenAI-compatible chat completions endpoint. Implements LLM.
type OpenAILLM struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// OpenAILLMOption configures an OpenAILLM.
type OpenAILLMOption func(*OpenAILLM)

// WithOpenAILLMModel sets the chat model (default: gpt-4o-mini).
func WithOpenAILLMModel(model string) OpenAILLMOption {
	return func(l *OpenAILLM) { l.model = model }
}

// WithOpenAILLMBaseURL overrides the API base URL.
func WithOpenAILLMBaseURL(url string) OpenAILLMOption {
	return func(l *OpenAILLM) { l.baseURL = url }
}

// NewOpenAILLM creates an LLM backend for OpenAI-compatible chat APIs.
func NewOpenAILLM(apiKey string, opts ...OpenAILLMOption) *OpenAILLM {
	l := &OpenAILLM{
		apiKey:  apiKey,
		model:   "gpt-4o-mini",
		baseURL: "https://api.openai.com",
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Complete implements the LLM interface: a false second return means the
// backend is unavailable or errored, never conflated with a Go error. Per
// spec.md §6, callers are expected to degrade gracefully on false.
func (l *OpenAILLM) Complete(ctx context.Context, prompt string, temperature float64) (string, bool) {
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

func (l *OpenAILLM) completeOnce(ctx context.Context, prompt string, temperature float64) (string, error) {
	url := l.baseURL + "/v1/chat/completions"

	reqBody := openAIChatRequest{
		Model:       l.model,
		Temperature: temperature,
		Messages: []openAIChatMessage{
			{Role: "user", Content: prompt},
		},
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
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("openai chat %d: %s", resp.StatusCode, string(body[:min(len(body), 200)]))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", backoff.Permanent(fmt.Errorf("openai chat %d: %s", resp.StatusCode, string(body[:min(len(body), 200)])))
	}

	var chatResp openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode: %w", err))
	}
	if len(chatResp.Choices) == 0 {
		return "", backoff.Permanent(fmt.Errorf("empty completion returned"))
	}
	return chatResp.Choices[0].Message.Content, nil
}

// --- OpenAI chat completions API types ---

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Temperature float64             `json:"temperature"`
	Messages    []openAIChatMessage `json:"messages"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
}
