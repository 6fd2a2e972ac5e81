package engram

import "context"

// Embedder turns text into a dense vector. All vectors produced by one
// Embedder share a fixed dimension (spec.md §3: "dimension is a per-store
// property; mixing dimensions is forbidden"). Implementations: embed_openai.go,
// embed_ollama.go, embed_gemini.go.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// LLM is the opaque prompt->text collaborator spec.md §1 treats as external.
// Complete returns (text, true) on success. It returns ("", false) rather
// than an error when the backend is unavailable or times out — spec.md §6's
// "llm(prompt, temperature) -> text | null" nullable-return contract — so
// callers degrade gracefully instead of treating unavailability as a fault.
// Implementations: llm_openai.go, llm_gemini.go.
type LLM interface {
	Complete(ctx context.Context, prompt string, temperature float64) (string, bool)
}
