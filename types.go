package engram

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a MemoryUnit represents.
type Kind string

const (
	KindEpisodic   Kind = "episodic"
	KindSemantic   Kind = "semantic"
	KindProcedural Kind = "procedural"
	KindInsight    Kind = "insight"
	KindProspective Kind = "prospective"
	KindNarrative  Kind = "narrative"
)

// RelationKind identifies how one unit relates to another.
type RelationKind string

const (
	RelationCauses       RelationKind = "causes"
	RelationContradicts  RelationKind = "contradicts"
	RelationSupports     RelationKind = "supports"
	RelationSupersedes   RelationKind = "supersedes"
	RelationInspiredBy   RelationKind = "inspired_by"
	RelationDistilledFrom RelationKind = "distilled_from"
	RelationRelatedTo    RelationKind = "related_to"
)

// Relation is a directed edge from the owning unit to another unit by id.
type Relation struct {
	TargetID string       `json:"target_id"`
	Kind     RelationKind `json:"kind"`
	Strength float64      `json:"strength"`
}

// EmotionDims is the fixed ordering of the 8-dimensional emotion vector:
// joy, frustration, curiosity, anger, surprise, satisfaction, fear, calm.
const EmotionDims = 8

// ProspectiveAction is the payload fired when a prospective unit's trigger matches.
type ProspectiveAction struct {
	Type    string `json:"type"`
	Message string `json:"msg,omitempty"`
}

// MemoryUnit is the sole first-class entity persisted by ENGRAM.
type MemoryUnit struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	Embedding []float32 `json:"embedding,omitempty"`

	Salience      float64    `json:"salience"`
	EmotionVector [8]float64 `json:"emotion_vector"`
	Tags          []string   `json:"tags"`
	Relations     []Relation `json:"relations"`

	DecayRate float64 `json:"decay_rate"`
	Version   int     `json:"version"`

	PrevHash  string `json:"prev_hash"`
	Signature string `json:"signature"`

	ConsolidatedTS time.Time `json:"consolidated_ts,omitempty"`

	TriggerCondition string             `json:"trigger_condition,omitempty"`
	TriggerEmbedding []float32          `json:"trigger_embedding,omitempty"`
	Action           *ProspectiveAction `json:"action,omitempty"`

	SourceAgent string  `json:"source_agent,omitempty"`
	TrustScore  float64 `json:"trust_score,omitempty"`

	MaintenanceCost float64 `json:"maintenance_cost"`

	RetrievalCount int       `json:"retrieval_count"`
	LastAccessed   time.Time `json:"last_accessed,omitempty"`

	Active bool `json:"active"`
}

// NewMemoryUnit constructs a unit with defaults applied: a fresh uuid, the
// current timestamp, version 1, active=true, and a default decay rate.
func NewMemoryUnit(kind Kind, content string) *MemoryUnit {
	return &MemoryUnit{
		ID:        uuid.NewString(),
		Kind:      kind,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Tags:      []string{},
		Relations: []Relation{},
		DecayRate: DefaultDecayRate(kind),
		Version:   1,
		Active:    true,
	}
}

// DefaultDecayRates returns the default per-kind decay rate, mirroring the
// teacher's per-sector lambda table but expressed as a multiplicative
// per-day decay factor in (0,1], as spec.md's decayed_salience formula
// requires (salience * decay_rate^age_days).
func DefaultDecayRates() map[Kind]float64 {
	return map[Kind]float64{
		KindEpisodic:    0.995,
		KindSemantic:    0.999,
		KindProcedural:  0.999,
		KindInsight:     0.997,
		KindProspective: 0.999,
		KindNarrative:   0.995,
	}
}

// DefaultDecayRate returns the default decay rate for a given kind.
func DefaultDecayRate(kind Kind) float64 {
	if r, ok := DefaultDecayRates()[kind]; ok {
		return r
	}
	return 0.997
}

// normalizeTags dedupes a tag list while preserving first-seen order, giving
// the "set semantics enforced on writes" invariant spec.md §3 requires.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// hasTag reports whether tags contains t.
func hasTag(tags []string, t string) bool {
	for _, x := range tags {
		if x == t {
			return true
		}
	}
	return false
}

// Config holds Engram initialization parameters, resolved by config.go's
// three-layer loader (defaults < engram.yaml < .env/environment).
type Config struct {
	// DataDir is the root of all persistent state (DATA_DIR).
	DataDir string `yaml:"data_dir"`

	// EmbeddingProvider / EmbeddingModel identify the embedder backend.
	EmbeddingProvider string `yaml:"embedding_provider"`
	EmbeddingModel    string `yaml:"embedding_model"`

	// LLMProvider / LLMModel / LLMAPIKey / LLMBaseURL identify the LLM backend.
	LLMProvider string `yaml:"llm_provider"`
	LLMModel    string `yaml:"llm_model"`
	LLMAPIKey   string `yaml:"llm_api_key"`
	LLMBaseURL  string `yaml:"llm_base_url"`

	// AgentName is used in narrative prompts.
	AgentName string `yaml:"agent_name"`

	// MaxTokens is the metabolism base budget.
	MaxTokens int `yaml:"max_tokens"`

	// EarnPerAction is the token credit awarded per successful remember().
	EarnPerAction int `yaml:"earn_per_action"`

	// Tuning knobs spec.md §9 calls out as configurable, not contractual.
	RecencyHalfLifeDays  float64 `yaml:"recency_half_life_days"`
	NoveltyMinScore      float64 `yaml:"novelty_min_score"`
	NoveltyThreshold     float64 `yaml:"novelty_threshold"`
	TriggerThreshold     float64 `yaml:"trigger_threshold"`
	AnchorWindowDays     float64 `yaml:"anchor_window_days"`
	DemotionFactor       float64 `yaml:"demotion_factor"`
	MicroThreshold       int     `yaml:"micro_threshold"`
	ContradictionThresh  float64 `yaml:"contradiction_threshold"`
	DreamSampleCount     int     `yaml:"dream_sample_count"`
	DreamMaxInsights     int     `yaml:"dream_max_insights"`
}

// ApplyDefaults fills zero-valued fields with sensible defaults, matching
// the teacher's Config.ApplyDefaults pattern in shape.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./engram_data"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2_000_000
	}
	if c.EarnPerAction == 0 {
		c.EarnPerAction = 50_000
	}
	if c.RecencyHalfLifeDays == 0 {
		c.RecencyHalfLifeDays = 14
	}
	if c.NoveltyMinScore == 0 {
		c.NoveltyMinScore = 0.55
	}
	if c.NoveltyThreshold == 0 {
		c.NoveltyThreshold = 0.75
	}
	if c.TriggerThreshold == 0 {
		c.TriggerThreshold = 0.7
	}
	if c.AnchorWindowDays == 0 {
		c.AnchorWindowDays = 7
	}
	if c.DemotionFactor == 0 {
		c.DemotionFactor = 0.6
	}
	if c.MicroThreshold == 0 {
		c.MicroThreshold = 8
	}
	if c.ContradictionThresh == 0 {
		c.ContradictionThresh = 0.75
	}
	if c.DreamSampleCount == 0 {
		c.DreamSampleCount = 6
	}
	if c.DreamMaxInsights == 0 {
		c.DreamMaxInsights = 3
	}
}
