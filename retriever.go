package engram

import (
	"context"
	"sort"
)

// Retriever ranks candidate units against a natural-language query,
// blending semantic similarity with freshness, salience, graph
// connectedness, and optional emotional resonance, per spec.md §4.2.
type Retriever struct {
	store    *Store
	embedder Embedder
	cfg      *Config
}

// NewRetriever constructs a Retriever over store, using embedder to embed
// queries and cfg for tuning knobs (recency half-life etc).
func NewRetriever(store *Store, embedder Embedder, cfg *Config) *Retriever {
	return &Retriever{store: store, embedder: embedder, cfg: cfg}
}

// RetrieveOptions parameterizes Retrieve per spec.md §4.2's operation
// signature.
type RetrieveOptions struct {
	TopK         int
	KindFilter   Kind
	MinSalience  float64
	EmotionQuery *[EmotionDims]float64
	DaysWindow   *float64
	UpdateAccess bool
}

// Scored pairs a unit with its composite retrieval score.
type Scored struct {
	Unit  *MemoryUnit
	Score float64
}

// Retrieve implements spec.md §4.2's retrieve operation.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]Scored, error) {
	queryEmbedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		// Embedder unavailable: spec.md §7 BackendUnavailable — degrade to
		// an empty result rather than surfacing the error.
		return nil, nil
	}

	hits, err := r.store.VectorSearch(queryEmbedding, opts.TopK*3, opts.KindFilter, opts.MinSalience)
	if err != nil {
		return nil, err
	}

	var candidates []*MemoryUnit
	if len(hits) == 0 {
		// Fall back to query() by kind/min_salience.
		units, err := r.store.Query(QueryOptions{
			Kind:        opts.KindFilter,
			ActiveOnly:  true,
			MinSalience: opts.MinSalience,
			Limit:       opts.TopK,
		})
		if err != nil {
			return nil, err
		}
		candidates = units
		hits = make([]VectorResult, len(units))
		for i, u := range units {
			hits[i] = VectorResult{ID: u.ID, Similarity: 0}
		}
	} else {
		candidates = make([]*MemoryUnit, 0, len(hits))
		for _, h := range hits {
			u, err := r.store.Get(h.ID)
			if err != nil || u == nil {
				continue
			}
			candidates = append(candidates, u)
		}
	}

	simByID := make(map[string]float64, len(hits))
	for _, h := range hits {
		simByID[h.ID] = h.Similarity
	}

	scored := make([]Scored, 0, len(candidates))
	for _, u := range candidates {
		ageDays := DaysSince(u.Timestamp)

		decayed := DecayedSalience(u.Salience, u.DecayRate, ageDays)
		if decayed < 0.01 {
			continue
		}
		if opts.DaysWindow != nil && ageDays > *opts.DaysWindow {
			continue
		}

		sim := simByID[u.ID]
		score := CompositeScore(sim, decayed, ageDays, r.cfg.RecencyHalfLifeDays, len(u.Relations))

		if opts.EmotionQuery != nil {
			resonance := EmotionResonance(*opts.EmotionQuery, u.EmotionVector)
			score = ApplyEmotionBoost(score, resonance)
		}

		scored = append(scored, Scored{Unit: u, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Unit.Timestamp.After(scored[j].Unit.Timestamp)
	})

	if opts.TopK > 0 && len(scored) > opts.TopK {
		scored = scored[:opts.TopK]
	}

	if opts.UpdateAccess {
		for _, s := range scored {
			r.store.UpdateAccess(s.Unit.ID)
		}
	}

	return scored, nil
}
