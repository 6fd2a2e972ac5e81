package engram

import (
	"context"
	"fmt"
	"strings"

	json "github.com/segmentio/encoding/json"
)

// distilledFact is the shape the Consolidator asks the LLM to produce for
// each distilled semantic fact, per spec.md §4.4 step 3.
type distilledFact struct {
	Content        string   `json:"content"`
	Tags           []string `json:"tags"`
	Salience       float64  `json:"salience"`
	SourceEpisodes []string `json:"source_episodes"`
	Contradicts    string   `json:"contradicts"`
}

// Consolidator distills batches of unconsolidated episodic units into
// semantic units, and demotes contradicted prior semantics, per spec.md §4.4.
type Consolidator struct {
	store    *Store
	embedder Embedder
	llm      LLM
	cfg      *Config
	identity *Identity

	microCounter int
}

// NewConsolidator constructs a Consolidator over the given collaborators.
func NewConsolidator(store *Store, embedder Embedder, llm LLM, identity *Identity, cfg *Config) *Consolidator {
	return &Consolidator{store: store, embedder: embedder, llm: llm, identity: identity, cfg: cfg}
}

// ConsolidateBatch implements spec.md §4.4's consolidate_batch.
func (c *Consolidator) ConsolidateBatch(ctx context.Context, episodes []*MemoryUnit) ([]*MemoryUnit, error) {
	if c.llm == nil || len(episodes) == 0 {
		return nil, nil
	}

	replay := buildReplay(episodes)
	prompt := consolidationPrompt(replay)

	text, ok := c.llm.Complete(ctx, prompt, 0.0)
	if !ok {
		// BackendUnavailable: no-op result, not an error.
		return nil, nil
	}

	facts, ok := parseDistilledFacts(text)
	if !ok {
		// ParseFailure: do NOT mark episodes consolidated.
		return nil, nil
	}

	var created []*MemoryUnit
	err := c.store.WithWriteLock(func() error {
		prevHash, err := c.store.GetLastHash()
		if err != nil {
			return err
		}

		for _, fact := range facts {
			var supersededID string
			if fact.Contradicts != "" {
				id, err := c.handleContradiction(ctx, fact.Contradicts)
				if err != nil {
					return err
				}
				supersededID = id
			}

			embedding, embErr := c.embedder.Embed(ctx, fact.Content)
			if embErr != nil {
				// BackendUnavailable for this one fact: skip it, keep going.
				continue
			}

			unit := NewMemoryUnit(KindSemantic, fact.Content)
			unit.Embedding = embedding
			unit.Salience = fact.Salience
			unit.Tags = normalizeTags(fact.Tags)
			unit.PrevHash = prevHash
			for _, srcID := range fact.SourceEpisodes {
				unit.Relations = append(unit.Relations, Relation{
					TargetID: srcID,
					Kind:     RelationDistilledFrom,
					Strength: 1.0,
				})
			}
			if supersededID != "" {
				unit.Relations = append(unit.Relations, Relation{
					TargetID: supersededID,
					Kind:     RelationSupersedes,
					Strength: 1.0,
				})
			}
			if c.identity != nil {
				unit.Signature = c.identity.SignMemory(unit)
			}

			if err := c.store.putLocked(unit); err != nil {
				return err
			}
			prevHash = unitContentHash(unit)
			created = append(created, unit)
		}

		for _, ep := range episodes {
			if err := c.store.MarkConsolidated(ep.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

// handleContradiction finds the nearest semantic unit to the natural
// language description and, if similarity exceeds the configured
// threshold, deactivates it and returns its id so the caller can relate the
// new fact to it via a "supersedes" edge (DESIGN.md's resolution of
// spec.md §9's open question on contradiction resolution).
func (c *Consolidator) handleContradiction(ctx context.Context, description string) (string, error) {
	embedding, err := c.embedder.Embed(ctx, description)
	if err != nil {
		return "", nil
	}
	hits, err := c.store.VectorSearch(embedding, 1, KindSemantic, 0)
	if err != nil {
		return "", err
	}
	if len(hits) == 0 || hits[0].Similarity <= c.cfg.ContradictionThresh {
		return "", nil
	}
	if err := c.store.Deactivate(hits[0].ID); err != nil {
		return "", err
	}
	return hits[0].ID, nil
}

// OnNewMemory implements spec.md §4.4's on_new_memory: increments a
// micro-counter; once it reaches MicroThreshold, consolidates the next
// <=20 unconsolidated episodes and resets the counter.
func (c *Consolidator) OnNewMemory(ctx context.Context, unit *MemoryUnit) ([]*MemoryUnit, error) {
	if unit.Kind != KindEpisodic {
		return nil, nil
	}
	c.microCounter++
	if c.microCounter < c.cfg.MicroThreshold {
		return nil, nil
	}
	c.microCounter = 0

	episodes, err := c.store.Query(QueryOptions{
		Kind:               KindEpisodic,
		ActiveOnly:         true,
		UnconsolidatedOnly: true,
		Limit:              20,
	})
	if err != nil {
		return nil, err
	}
	return c.ConsolidateBatch(ctx, episodes)
}

// WakeupConsolidate implements spec.md §4.4's wakeup_consolidate: consolidate
// all unconsolidated episodic units, capped at 200 per cycle.
func (c *Consolidator) WakeupConsolidate(ctx context.Context) ([]*MemoryUnit, error) {
	episodes, err := c.store.Query(QueryOptions{
		Kind:               KindEpisodic,
		ActiveOnly:         true,
		UnconsolidatedOnly: true,
		Limit:              200,
	})
	if err != nil {
		return nil, err
	}
	return c.ConsolidateBatch(ctx, episodes)
}

type replayEntry struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Timestamp string   `json:"timestamp"`
	Tags      []string `json:"tags"`
	Salience  float64  `json:"salience"`
}

func buildReplay(episodes []*MemoryUnit) []replayEntry {
	replay := make([]replayEntry, len(episodes))
	for i, ep := range episodes {
		content := ep.Content
		if len(content) > 300 {
			content = content[:300]
		}
		tags := ep.Tags
		if len(tags) > 5 {
			tags = tags[:5]
		}
		replay[i] = replayEntry{
			ID:        ep.ID,
			Content:   content,
			Timestamp: ep.Timestamp.Format(timeLayout),
			Tags:      tags,
			Salience:  ep.Salience,
		}
	}
	return replay
}

func consolidationPrompt(replay []replayEntry) string {
	encoded, _ := json.Marshal(replay)
	return fmt.Sprintf(`You are distilling episodic memories into durable semantic facts.

Episodes:
%s

Output a JSON array of distilled facts. Each element must have:
content (string), tags (array of strings), salience (0..1),
source_episodes (array of the episode ids it was drawn from),
and optionally contradicts (a natural-language description of a prior
fact this one contradicts, or omit/empty if none).

Output only the JSON array, nothing else.`, string(encoded))
}

// parseDistilledFacts implements spec.md §9's lenient LLM-output parsing:
// extract the first bracketed JSON array region and parse only that.
func parseDistilledFacts(text string) ([]distilledFact, bool) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, false
	}
	var facts []distilledFact
	if err := json.Unmarshal([]byte(text[start:end+1]), &facts); err != nil {
		return nil, false
	}
	return facts, true
}
