package engram

import (
	"context"
	"log"
	"sync"
	"time"
)

// WakeupResult summarizes the non-fatal wakeup() sequence of spec.md §4.10.
type WakeupResult struct {
	SessionStart    time.Time
	RootHash        string
	LastConsolidation string
	Attestation     *WakeupAttestation
	Consolidated    int
	Metabolism      MetabolismStatus
	Audit           AuditReport
	Demoted         []string
	ActiveProspectives int
	Narrative       string
}

// RecallResult pairs retrieval hits with any prospective actions fired by
// the recall's query context.
type RecallResult struct {
	Hits        []Scored
	FiredActions []*ProspectiveAction
}

// SleepResult summarizes the sleep() maintenance sequence of spec.md §4.10.
type SleepResult struct {
	Consolidated int
	Dreamed      int
	Narrative    string
	Metabolized  []string
}

// StatusReport is the response to the status() operation.
type StatusReport struct {
	Metabolism         MetabolismStatus
	ActiveUnits        int
	ActiveProspectives int
	Narrative          string
	RootHash           string
}

// Orchestrator wires together every ENGRAM subcomponent and sequences the
// wakeup/remember/recall/sleep/intend/anchor/status operations of spec.md
// §4.10. Per spec.md §5, all public operations are serialized through mu;
// concurrent callers share a single cooperative event loop.
type Orchestrator struct {
	mu sync.Mutex

	store        *Store
	identity     *Identity
	embedder     Embedder
	llm          LLM
	cfg          *Config
	retriever    *Retriever
	consolidator *Consolidator
	dreamer      *Dreamer
	metabolism   *Metabolism
	prospective  *Prospective
	anchoring    *Anchoring
	narrative    *Narrative
	transplant   *Transplant
}

// Init constructs an Orchestrator for the given config: opens the store,
// loads or generates the agent identity, and wires every subcomponent over
// the supplied embedder/llm (either may be nil; subcomponents degrade
// gracefully per spec.md §6).
func Init(cfg *Config, embedder Embedder, llm LLM) (*Orchestrator, error) {
	cfg.ApplyDefaults()

	store, err := NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	identity, err := NewIdentity(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		store:        store,
		identity:     identity,
		embedder:     embedder,
		llm:          llm,
		cfg:          cfg,
		retriever:    NewRetriever(store, embedder, cfg),
		consolidator: NewConsolidator(store, embedder, llm, identity, cfg),
		dreamer:      NewDreamer(store, embedder, llm, identity, cfg),
		metabolism:   NewMetabolism(store, cfg),
		prospective:  NewProspective(store, embedder, identity, cfg),
		anchoring:    NewAnchoring(store, cfg),
		narrative:    NewNarrative(store, llm, identity, cfg),
		transplant:   NewTransplant(store, identity),
	}
	return o, nil
}

// Wakeup runs spec.md §4.10's wakeup sequence. Every step is logged and
// non-fatal: a subcomponent failure is recorded and the sequence continues.
func (o *Orchestrator) Wakeup(ctx context.Context) (*WakeupResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	res := &WakeupResult{SessionStart: time.Now().UTC()}

	active, err := o.store.Query(QueryOptions{ActiveOnly: true, Limit: 1000000})
	if err != nil {
		log.Printf("[engram] wakeup: query active units failed: %v", err)
	}
	res.RootHash = o.identity.ComputeRootHash(active)

	lastConsolidation := ""
	for _, u := range active {
		if !u.ConsolidatedTS.IsZero() && u.ConsolidatedTS.Format(timeLayout) > lastConsolidation {
			lastConsolidation = u.ConsolidatedTS.Format(timeLayout)
		}
	}
	res.LastConsolidation = lastConsolidation

	attestation, err := o.identity.MakeWakeupAttestation(res.RootHash, lastConsolidation)
	if err != nil {
		log.Printf("[engram] wakeup: attestation failed: %v", err)
	} else {
		res.Attestation = attestation
	}

	consolidated, err := o.consolidator.WakeupConsolidate(ctx)
	if err != nil {
		log.Printf("[engram] wakeup: consolidation failed: %v", err)
	}
	res.Consolidated = len(consolidated)

	if status, err := o.metabolism.Status(); err != nil {
		log.Printf("[engram] wakeup: metabolism status failed: %v", err)
	} else {
		res.Metabolism = status
	}
	if _, err := o.metabolism.Metabolize(false); err != nil {
		log.Printf("[engram] wakeup: metabolize failed: %v", err)
	}

	audit, err := o.anchoring.AuditReport()
	if err != nil {
		log.Printf("[engram] wakeup: anchoring audit failed: %v", err)
	} else {
		res.Audit = audit
		if audit.RiskLevel == RiskHigh {
			demoted, err := o.anchoring.DemoteUnanchored(false)
			if err != nil {
				log.Printf("[engram] wakeup: demotion failed: %v", err)
			} else {
				res.Demoted = demoted
			}
		}
	}

	if count, err := o.store.Count(KindProspective, true); err != nil {
		log.Printf("[engram] wakeup: prospective count failed: %v", err)
	} else {
		res.ActiveProspectives = count
	}

	res.Narrative = o.narrative.Current()

	return res, nil
}

// Remember implements spec.md §4.10's remember: embed, link prev_hash, sign,
// put, feed the Consolidator's on_new_memory, then earn(0.5).
func (o *Orchestrator) Remember(ctx context.Context, content string, kind Kind, tags []string, salience float64, emotion *[EmotionDims]float64) (*MemoryUnit, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	unit := NewMemoryUnit(kind, content)
	unit.Tags = normalizeTags(tags)
	if salience > 0 {
		unit.Salience = salience
	}
	if emotion != nil {
		unit.EmotionVector = *emotion
	}

	if o.embedder != nil {
		if emb, err := o.embedder.Embed(ctx, content); err == nil {
			unit.Embedding = emb
		} else {
			log.Printf("[engram] remember: embed failed, storing without vector: %v", err)
		}
	}

	var putErr error
	err := o.store.WithWriteLock(func() error {
		prevHash, err := o.store.GetLastHash()
		if err != nil {
			return err
		}
		unit.PrevHash = prevHash
		unit.Signature = o.identity.SignMemory(unit)
		putErr = o.store.putLocked(unit)
		return putErr
	})
	if err != nil {
		return nil, err
	}

	if _, err := o.consolidator.OnNewMemory(ctx, unit); err != nil {
		log.Printf("[engram] remember: on_new_memory failed: %v", err)
	}

	o.metabolism.Earn(0.5)
	return unit, nil
}

// Recall implements spec.md §4.10's recall: delegate to the Retriever, then
// check and fire any matching prospective triggers against the query.
func (o *Orchestrator) Recall(ctx context.Context, query string, topK int, kindFilter Kind, emotion *[EmotionDims]float64) (*RecallResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	hits, err := o.retriever.Retrieve(ctx, query, RetrieveOptions{
		TopK:         topK,
		KindFilter:   kindFilter,
		EmotionQuery: emotion,
		UpdateAccess: true,
	})
	if err != nil {
		return nil, err
	}

	res := &RecallResult{Hits: hits}

	matches, err := o.prospective.CheckTriggers(ctx, query)
	if err != nil {
		log.Printf("[engram] recall: check_triggers failed: %v", err)
		return res, nil
	}
	for _, m := range matches {
		action, err := o.prospective.Fire(m.Unit)
		if err != nil {
			log.Printf("[engram] recall: fire failed for %s: %v", m.Unit.ID, err)
			continue
		}
		if action != nil {
			res.FiredActions = append(res.FiredActions, action)
		}
	}
	return res, nil
}

// Sleep implements spec.md §4.10's sleep maintenance sequence. Step 1
// (filesystem snapshot) is external to this module and left to the caller.
func (o *Orchestrator) Sleep(ctx context.Context) (*SleepResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	res := &SleepResult{}

	consolidated, err := o.consolidator.WakeupConsolidate(ctx)
	if err != nil {
		log.Printf("[engram] sleep: consolidation failed: %v", err)
	}
	res.Consolidated = len(consolidated)

	if count, err := o.store.Count(KindSemantic, true); err != nil {
		log.Printf("[engram] sleep: semantic count failed: %v", err)
	} else if count >= 10 {
		dreamed, err := o.dreamer.Dream(ctx)
		if err != nil {
			log.Printf("[engram] sleep: dream failed: %v", err)
		}
		res.Dreamed = len(dreamed)
	}

	narrative, err := o.narrative.UpdateNarrative(ctx)
	if err != nil {
		log.Printf("[engram] sleep: update_narrative failed: %v", err)
	}
	res.Narrative = narrative

	metabolized, err := o.metabolism.Metabolize(false)
	if err != nil {
		log.Printf("[engram] sleep: metabolize failed: %v", err)
	}
	res.Metabolized = metabolized

	return res, nil
}

// Intend implements spec.md §4.7's create, exposed as the orchestrator's
// intend operation: stage a deferred intention against a trigger phrase.
func (o *Orchestrator) Intend(ctx context.Context, trigger string, action ProspectiveAction, content string) (*MemoryUnit, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prospective.Create(ctx, trigger, action, content)
}

// Anchor implements spec.md §4.8's anchor, exposed as the orchestrator's
// anchor operation: clear a prior demotion on id, tagging it with method.
func (o *Orchestrator) Anchor(id, method string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.anchoring.Anchor(id, method)
}

// Status reports a lightweight snapshot of metabolism, active memory
// counts, and the current narrative, without running any maintenance.
func (o *Orchestrator) Status() (*StatusReport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	status, err := o.metabolism.Status()
	if err != nil {
		return nil, err
	}

	activeUnits, err := o.store.Count("", true)
	if err != nil {
		return nil, err
	}
	activeProspectives, err := o.store.Count(KindProspective, true)
	if err != nil {
		return nil, err
	}

	active, err := o.store.Query(QueryOptions{ActiveOnly: true, Limit: 1000000})
	if err != nil {
		return nil, err
	}
	rootHash := o.identity.ComputeRootHash(active)

	return &StatusReport{
		Metabolism:         status,
		ActiveUnits:        activeUnits,
		ActiveProspectives: activeProspectives,
		Narrative:          o.narrative.Current(),
		RootHash:           rootHash,
	}, nil
}

// Transplant exposes the signed export/import subsystem for callers that
// need it directly (outside the wakeup/remember/recall/sleep sequences).
func (o *Orchestrator) Transplant() *Transplant {
	return o.transplant
}

// VerifyChain exposes spec.md §4.3's verify_chain over every unit currently
// in the store, active or not.
func (o *Orchestrator) VerifyChain() (bool, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	units, err := o.store.Query(QueryOptions{Limit: 1000000})
	if err != nil {
		return false, "", err
	}
	ok, offendingID := o.identity.VerifyChain(units)
	return ok, offendingID, nil
}

// Close releases the underlying store's resources.
func (o *Orchestrator) Close() error {
	return o.store.Close()
}
