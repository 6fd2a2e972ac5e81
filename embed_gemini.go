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

// GeminiEmbedder generates vector embeddings via the Gemini embedding API.
// Implements Embedder.
type GeminiEmbedder struct {
	apiKey    string
	model     string
	dimension int
	baseURL   string
	client    *http.Client
}

// GeminiOption configures a GeminiEmbedder.
type GeminiOption func(*GeminiEmbedder)

// WithGeminiModel sets the embedding model (default: gemini-embedding-001).
func WithGeminiModel(model string) GeminiOption {
	return func(e *GeminiEmbedder) { e.model = model }
}

// WithGeminiDimension sets the output embedding dimension (default: 768).
func WithGeminiDimension(dim int) GeminiOption {
	return func(e *GeminiEmbedder) { e.dimension = dim }
}

// WithGeminiBaseURL overrides the API base URL, useful for proxies.
func WithGeminiBaseURL(url string) GeminiOption {
	return func(e *GeminiEmbedder) { e.baseURL = url }
}

// NewGeminiEmbedder creates an embedding provider for Google's Gemini models.
func NewGeminiEmbedder(apiKey string, opts ...GeminiOption) *GeminiEmbedder {
	e := &GeminiEmbedder{
		apiKey:    apiKey,
		model:     "gemini-embedding-001",
		dimension: 768,
		baseURL:   "https://generativelanguage.googleapis.com",
		client:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed generates a vector for the given text, retrying transient HTTP
// failures with exponential backoff.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.apiKey == "" {
		return nil, fmt.Errorf("engram: gemini embedder has no API key")
	}

	var vec []float32
	operation := func() error {
		v, err := e.embedOnce(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *GeminiEmbedder) embedOnce(ctx context.Context, text string) ([]float32, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:embedContent?key=%s", e.baseURL, e.model, e.apiKey)

	reqBody := geminiEmbedRequest{
		Model: "models/" + e.model,
		Content: geminiContent{
			Parts: []geminiPart{{Text: text}},
		},
		OutputDimensionality: e.dimension,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gemini embed %d: %s", resp.StatusCode, string(body[:min(len(body), 200)]))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, backoff.Permanent(fmt.Errorf("gemini embed %d: %s", resp.StatusCode, string(body[:min(len(body), 200)])))
	}

	var gResp geminiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&gResp); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode: %w", err))
	}
	if len(gResp.Embedding.Values) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("empty embedding returned"))
	}

	vec := make([]float32, len(gResp.Embedding.Values))
	for i, v := range gResp.Embedding.Values {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimension returns the configured embedding dimension.
func (e *GeminiEmbedder) Dimension() int {
	return e.dimension
}

// --- Gemini Embed API types ---

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiEmbedRequest struct {
	Model                string        `json:"model"`
	Content              geminiContent `json:"content"`
	OutputDimensionality int           `json:"outputDimensionality,omitempty"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float64 `json:"values"`
	} `json:"embedding"`
}
