package engram

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	json "github.com/segmentio/encoding/json"
)

// proposedInsight is the shape the Dreamer asks the LLM to produce, per
// spec.md §4.5 step 3.
type proposedInsight struct {
	Content      string   `json:"content"`
	SampledIDs   []string `json:"sampled_ids"`
	NoveltyScore float64  `json:"novelty_score"`
}

// Dreamer proposes cross-domain insights via diverse sampling, an LLM
// prompt, and a novelty gate, per spec.md §4.5.
type Dreamer struct {
	store    *Store
	embedder Embedder
	llm      LLM
	identity *Identity
	cfg      *Config
}

// NewDreamer constructs a Dreamer over the given collaborators.
func NewDreamer(store *Store, embedder Embedder, llm LLM, identity *Identity, cfg *Config) *Dreamer {
	return &Dreamer{store: store, embedder: embedder, llm: llm, identity: identity, cfg: cfg}
}

// Dream implements spec.md §4.5's algorithm.
func (d *Dreamer) Dream(ctx context.Context) ([]*MemoryUnit, error) {
	if d.llm == nil {
		return nil, nil
	}

	semantics, err := d.store.Query(QueryOptions{Kind: KindSemantic, ActiveOnly: true, Limit: 500})
	if err != nil {
		return nil, err
	}
	n := d.cfg.DreamSampleCount
	if len(semantics) < n {
		return nil, nil
	}

	sampled := diverseSample(semantics, n)
	prompt := dreamPrompt(sampled, d.cfg.DreamMaxInsights)

	text, ok := d.llm.Complete(ctx, prompt, 0.9)
	if !ok {
		return nil, nil
	}

	proposals, ok := parseProposedInsights(text)
	if !ok {
		return nil, nil
	}

	var created []*MemoryUnit
	for i, p := range proposals {
		if i >= d.cfg.DreamMaxInsights {
			break
		}
		if p.NoveltyScore < d.cfg.NoveltyMinScore {
			continue
		}
		if len(p.SampledIDs) < 2 {
			continue
		}

		embedding, err := d.embedder.Embed(ctx, p.Content)
		if err != nil {
			continue
		}

		hits, err := d.store.VectorSearch(embedding, 3, "", 0)
		if err != nil {
			return nil, err
		}
		if len(hits) > 0 && hits[0].Similarity > d.cfg.NoveltyThreshold {
			// Too close to known content: drop.
			continue
		}

		unit := NewMemoryUnit(KindInsight, p.Content)
		unit.Embedding = embedding
		unit.Salience = 0.92
		unit.Tags = normalizeTags(append([]string{"dream"}, unit.Tags...))
		for _, id := range p.SampledIDs {
			unit.Relations = append(unit.Relations, Relation{
				TargetID: id,
				Kind:     RelationInspiredBy,
				Strength: p.NoveltyScore,
			})
		}

		if err := d.store.WithWriteLock(func() error {
			prevHash, err := d.store.GetLastHash()
			if err != nil {
				return err
			}
			unit.PrevHash = prevHash
			if d.identity != nil {
				unit.Signature = d.identity.SignMemory(unit)
			}
			return d.store.putLocked(unit)
		}); err != nil {
			return nil, err
		}

		created = append(created, unit)
	}

	return created, nil
}

// diverseSample implements spec.md §4.5 step 2: sort ascending by degree
// (|relations|), take the first floor(0.6*k) distinct units, fill to k from
// a descending-salience list skipping already-selected, then shuffle.
func diverseSample(units []*MemoryUnit, k int) []*MemoryUnit {
	byDegree := make([]*MemoryUnit, len(units))
	copy(byDegree, units)
	sort.Slice(byDegree, func(i, j int) bool { return len(byDegree[i].Relations) < len(byDegree[j].Relations) })

	lowDegreeCount := int(0.6 * float64(k))
	selected := make([]*MemoryUnit, 0, k)
	seen := make(map[string]bool, k)
	for _, u := range byDegree {
		if len(selected) >= lowDegreeCount {
			break
		}
		selected = append(selected, u)
		seen[u.ID] = true
	}

	bySalience := make([]*MemoryUnit, len(units))
	copy(bySalience, units)
	sort.Slice(bySalience, func(i, j int) bool { return bySalience[i].Salience > bySalience[j].Salience })

	for _, u := range bySalience {
		if len(selected) >= k {
			break
		}
		if seen[u.ID] {
			continue
		}
		selected = append(selected, u)
		seen[u.ID] = true
	}

	rand.Shuffle(len(selected), func(i, j int) { selected[i], selected[j] = selected[j], selected[i] })
	return selected
}

func dreamPrompt(sampled []*MemoryUnit, maxInsights int) string {
	var b strings.Builder
	for _, u := range sampled {
		fmt.Fprintf(&b, "- id=%s: %s\n", u.ID, u.Content)
	}
	return fmt.Sprintf(`You are looking for counter-intuitive, cross-domain connections
among these memories:

%s
Propose up to %d connections. Each must cite at least 2 of the ids above in
sampled_ids, describe the connection in content, and self-report a
novelty_score between 0 and 1 (how surprising/non-obvious the connection is).

Output only a JSON array of objects with fields: content, sampled_ids,
novelty_score.`, b.String(), maxInsights)
}

func parseProposedInsights(text string) ([]proposedInsight, bool) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, false
	}
	var proposals []proposedInsight
	if err := json.Unmarshal([]byte(text[start:end+1]), &proposals); err != nil {
		return nil, false
	}
	return proposals, true
}
