package engram

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// Metabolism enforces a soft token budget on the active set, per spec.md §4.6.
type Metabolism struct {
	store         *Store
	maxTokens     int
	earnPerAction int
	earnedTokens  int
}

// NewMetabolism constructs a Metabolism over store with the given budget
// parameters.
func NewMetabolism(store *Store, cfg *Config) *Metabolism {
	return &Metabolism{store: store, maxTokens: cfg.MaxTokens, earnPerAction: cfg.EarnPerAction}
}

// ComputeCosts implements spec.md §4.6's compute_costs: for each active
// unit, maintenance_cost = word_count*1.3 * salience * 1.2^age_days,
// persisted back to the store.
func (m *Metabolism) ComputeCosts() error {
	units, err := m.store.Query(QueryOptions{ActiveOnly: true, Limit: 10000})
	if err != nil {
		return err
	}
	for _, u := range units {
		ageDays := DaysSince(u.Timestamp)
		wordCount := float64(len(splitWords(u.Content)))
		u.MaintenanceCost = wordCount * 1.3 * u.Salience * math.Pow(1.2, ageDays)
		if err := m.store.UpdateUnit(u); err != nil {
			return err
		}
	}
	return nil
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}

// degreeBonus implements DESIGN.md's resolution of spec.md §4.6's
// undefined degree_bonus term: min(|relations|/10, 1.0) * 0.1, mirroring
// the Retriever's graph-connectedness scaling.
func degreeBonus(relations []Relation) float64 {
	return math.Min(float64(len(relations))/10.0, 1.0) * 0.1
}

// TotalCost implements spec.md §4.6's total_cost: sum of active maintenance costs.
func (m *Metabolism) TotalCost() (float64, error) {
	entries, err := m.store.AllActiveCosts(degreeBonus)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, e := range entries {
		total += e.Cost
	}
	return total, nil
}

// EffectiveBudget implements spec.md §4.6's effective_budget.
func (m *Metabolism) EffectiveBudget() float64 {
	return float64(m.maxTokens + m.earnedTokens)
}

// Earn implements spec.md §4.6's earn: adds earn_per_action*multiplier to
// earned_tokens. Called after each successful remember().
func (m *Metabolism) Earn(multiplier float64) {
	m.earnedTokens += int(float64(m.earnPerAction) * multiplier)
}

// Metabolize implements spec.md §4.6's metabolize algorithm. Never deletes
// data; only deactivates. Returns the ids deactivated (or that would be
// deactivated, if dryRun).
func (m *Metabolism) Metabolize(dryRun bool) ([]string, error) {
	if err := m.ComputeCosts(); err != nil {
		return nil, err
	}
	total, err := m.TotalCost()
	if err != nil {
		return nil, err
	}
	budget := m.EffectiveBudget()
	if total <= budget {
		return nil, nil
	}

	excess := total - budget
	entries, err := m.store.AllActiveCosts(degreeBonus)
	if err != nil {
		return nil, err
	}

	var archived []string
	for _, e := range entries {
		if excess <= 0 {
			break
		}
		if e.Utility > 5.0 {
			continue
		}
		if !dryRun {
			if err := m.store.Deactivate(e.ID); err != nil {
				return nil, err
			}
		}
		archived = append(archived, e.ID)
		excess -= e.Cost
	}
	return archived, nil
}

// Status reports the current budget state, per spec.md §4.10's orchestrator
// status rollup (supplemented from original_source/engram/metabolism.py's
// status() method, see SPEC_FULL.md).
type MetabolismStatus struct {
	ActiveMemories int
	TotalCost      float64
	Budget         float64
	UtilizationPct float64
	EarnedTokens   int
	Headroom       float64
}

// String renders a human-readable summary using go-humanize's comma
// formatting for the larger token counts.
func (s MetabolismStatus) String() string {
	return fmt.Sprintf("active=%d cost=%s/%s (%.1f%%) earned=%s headroom=%s",
		s.ActiveMemories,
		humanize.Comma(int64(s.TotalCost)),
		humanize.Comma(int64(s.Budget)),
		s.UtilizationPct,
		humanize.Comma(int64(s.EarnedTokens)),
		humanize.Comma(int64(s.Headroom)),
	)
}

// Status implements spec.md's status rollup for the Metabolism component.
func (m *Metabolism) Status() (MetabolismStatus, error) {
	total, err := m.TotalCost()
	if err != nil {
		return MetabolismStatus{}, err
	}
	budget := m.EffectiveBudget()
	active, err := m.store.Count("", true)
	if err != nil {
		return MetabolismStatus{}, err
	}

	util := 0.0
	if budget > 0 {
		util = total / budget * 100
	}

	return MetabolismStatus{
		ActiveMemories: active,
		TotalCost:      total,
		Budget:         budget,
		UtilizationPct: util,
		EarnedTokens:   m.earnedTokens,
		Headroom:       budget - total,
	}, nil
}
