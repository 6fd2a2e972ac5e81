package engram

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// Narrative maintains a first-person self-state rollup, per spec.md §2 and
// §4, supplemented with Replay and WakeupContext from
// original_source/engram/narrative.py (see SPEC_FULL.md).
type Narrative struct {
	store     *Store
	llm       LLM
	identity  *Identity
	cfg       *Config
	current   string
}

// NewNarrative constructs a Narrative over the given collaborators.
func NewNarrative(store *Store, llm LLM, identity *Identity, cfg *Config) *Narrative {
	return &Narrative{store: store, llm: llm, identity: identity, cfg: cfg}
}

// Current returns the most recently computed narrative text, or "" if
// UpdateNarrative has not yet run this session.
func (n *Narrative) Current() string {
	return n.current
}

// UpdateNarrative rolls up recent high-salience activity into a first-person
// self-state summary. Degrades to a templated summary (no LLM call) when no
// LLM is configured, rather than failing.
func (n *Narrative) UpdateNarrative(ctx context.Context) (string, error) {
	recent, err := n.store.Query(QueryOptions{ActiveOnly: true, MinSalience: 0.5, Limit: 20})
	if err != nil {
		return "", err
	}

	if n.llm == nil || len(recent) == 0 {
		n.current = n.templatedSummary(recent)
		unit := n.persist(n.current)
		if unit != nil {
			if err := n.store.WithWriteLock(func() error { return n.commit(unit) }); err != nil {
				return "", err
			}
		}
		return n.current, nil
	}

	prompt := narrativePrompt(n.cfg.AgentName, recent)
	text, ok := n.llm.Complete(ctx, prompt, 0.3)
	if !ok {
		text = n.templatedSummary(recent)
	}
	n.current = text

	unit := n.persist(text)
	if err := n.store.WithWriteLock(func() error { return n.commit(unit) }); err != nil {
		return "", err
	}
	return text, nil
}

func (n *Narrative) templatedSummary(recent []*MemoryUnit) string {
	if len(recent) == 0 {
		return "I have no notable recent memories."
	}
	return fmt.Sprintf("I have %s recent memories of note, the latest concerning: %s",
		humanize.Comma(int64(len(recent))), recent[0].Content)
}

func (n *Narrative) persist(text string) *MemoryUnit {
	unit := NewMemoryUnit(KindNarrative, text)
	return unit
}

func (n *Narrative) commit(unit *MemoryUnit) error {
	prevHash, err := n.store.GetLastHash()
	if err != nil {
		return err
	}
	unit.PrevHash = prevHash
	if n.identity != nil {
		unit.Signature = n.identity.SignMemory(unit)
	}
	return n.store.putLocked(unit)
}

func narrativePrompt(agentName string, recent []*MemoryUnit) string {
	var b strings.Builder
	for _, u := range recent {
		fmt.Fprintf(&b, "- [%s] %s\n", u.Kind, u.Content)
	}
	name := agentName
	if name == "" {
		name = "the agent"
	}
	return fmt.Sprintf(`Write a short first-person self-state summary for %s, grounded only in
these recent memories:

%s
Keep it to a few sentences, present tense, first person.`, name, b.String())
}

// Replay implements original_source/engram/narrative.py's
// first_person_replay: re-narrate the highest-salience recent episodic
// memories in first person.
func (n *Narrative) Replay(ctx context.Context, topK int) (string, error) {
	episodes, err := n.store.Query(QueryOptions{Kind: KindEpisodic, ActiveOnly: true, Limit: 200})
	if err != nil {
		return "", err
	}
	sort.SliceStable(episodes, func(i, j int) bool { return episodes[i].Salience > episodes[j].Salience })
	if len(episodes) > topK {
		episodes = episodes[:topK]
	}
	if n.llm == nil || len(episodes) == 0 {
		return n.templatedSummary(episodes), nil
	}

	prompt := narrativePrompt(n.cfg.AgentName, episodes)
	text, ok := n.llm.Complete(ctx, prompt, 0.3)
	if !ok {
		return n.templatedSummary(episodes), nil
	}
	return text, nil
}

// WakeupContext implements original_source/engram/narrative.py's
// wakeup_context: concatenates the current narrative and a replay into a
// single prompt-ready string.
func (n *Narrative) WakeupContext(ctx context.Context, replayTopK int) (string, error) {
	replay, err := n.Replay(ctx, replayTopK)
	if err != nil {
		return "", err
	}
	if n.current == "" {
		return replay, nil
	}
	return n.current + "\n\n" + replay, nil
}
