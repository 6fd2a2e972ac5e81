package engram

import "context"

// Prospective fires deferred intentions when context resembles their
// trigger, per spec.md §4.7.
type Prospective struct {
	store    *Store
	embedder Embedder
	identity *Identity
	cfg      *Config
}

// NewProspective constructs a Prospective over the given collaborators.
func NewProspective(store *Store, embedder Embedder, identity *Identity, cfg *Config) *Prospective {
	return &Prospective{store: store, embedder: embedder, identity: identity, cfg: cfg}
}

// TriggerMatch pairs a fired prospective unit with its similarity score.
type TriggerMatch struct {
	Unit  *MemoryUnit
	Score float64
}

// Create implements spec.md §4.7's create: embed the trigger, store a
// prospective unit tagged "active".
func (p *Prospective) Create(ctx context.Context, trigger string, action ProspectiveAction, content string) (*MemoryUnit, error) {
	triggerEmbedding, err := p.embedder.Embed(ctx, trigger)
	if err != nil {
		return nil, nil
	}

	if content == "" {
		content = trigger
	}

	unit := NewMemoryUnit(KindProspective, content)
	unit.TriggerCondition = trigger
	unit.TriggerEmbedding = triggerEmbedding
	unit.Action = &action
	unit.Tags = normalizeTags(append(unit.Tags, "active"))

	err = p.store.WithWriteLock(func() error {
		prevHash, err := p.store.GetLastHash()
		if err != nil {
			return err
		}
		unit.PrevHash = prevHash
		if p.identity != nil {
			unit.Signature = p.identity.SignMemory(unit)
		}
		return p.store.putLocked(unit)
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// CheckTriggers implements spec.md §4.7's check_triggers: embed the
// context, compute cosine similarity against each active prospective
// unit's stored trigger embedding, return those at or above the configured
// threshold.
func (p *Prospective) CheckTriggers(ctx context.Context, situationContext string) ([]TriggerMatch, error) {
	contextEmbedding, err := p.embedder.Embed(ctx, situationContext)
	if err != nil {
		return nil, nil
	}

	units, err := p.store.Query(QueryOptions{Kind: KindProspective, ActiveOnly: true, Limit: 10000})
	if err != nil {
		return nil, err
	}

	var matches []TriggerMatch
	for _, u := range units {
		if len(u.TriggerEmbedding) == 0 {
			continue
		}
		sim := CosineSimilarity(contextEmbedding, u.TriggerEmbedding)
		if sim >= p.cfg.TriggerThreshold {
			matches = append(matches, TriggerMatch{Unit: u, Score: sim})
		}
	}
	return matches, nil
}

// Fire implements spec.md §4.7's fire: deactivate the unit and return its
// action payload. Firing is irreversible in-session; re-creation is how
// one re-arms a prospective.
func (p *Prospective) Fire(unit *MemoryUnit) (*ProspectiveAction, error) {
	if err := p.store.Deactivate(unit.ID); err != nil {
		return nil, err
	}
	return unit.Action, nil
}
