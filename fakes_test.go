package engram

import "context"

// fakeEmbedder is a deterministic, network-free Embedder double. Lookups by
// exact text return a configured vector; anything else falls back to a
// length-derived vector so every call still returns a same-dimension result.
type fakeEmbedder struct {
	dim     int
	vectors map[string][]float32
	err     error
}

func newFakeEmbedder(dim int) *fakeEmbedder {
	return &fakeEmbedder{dim: dim, vectors: make(map[string][]float32)}
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	v := make([]float32, f.dim)
	if f.dim > 0 {
		v[0] = float32(len(text)%11) / 11.0
	}
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int {
	return f.dim
}

// fakeLLM is a scripted LLM double: each call consumes the next queued
// response, repeating the last entry once the queue is exhausted.
type fakeLLM struct {
	responses []string
	ok        []bool
	calls     int
}

func newFakeLLM(response string, ok bool) *fakeLLM {
	return &fakeLLM{responses: []string{response}, ok: []bool{ok}}
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string, temperature float64) (string, bool) {
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return f.responses[i], f.ok[i]
}
