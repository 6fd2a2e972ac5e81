package engram

// verifiedTags are the tags that exempt a high-salience semantic unit from
// being considered unanchored, per spec.md §4.8.
var verifiedTags = []string{"anchored", "human_verified", "tool_verified", "external_verified"}

// RiskLevel classifies the result of an anchoring audit.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// AuditReport is the result of Anchoring.AuditReport.
type AuditReport struct {
	UnanchoredCount int
	RiskLevel       RiskLevel
}

// Anchoring resists self-referential bias drift by flagging and demoting
// unverified high-salience semantic units, per spec.md §4.8.
type Anchoring struct {
	store *Store
	cfg   *Config
}

// NewAnchoring constructs an Anchoring over store.
func NewAnchoring(store *Store, cfg *Config) *Anchoring {
	return &Anchoring{store: store, cfg: cfg}
}

// FindUnanchored returns every semantic unit with salience >= 0.85, older
// than AnchorWindowDays, carrying none of the verified tags.
func (a *Anchoring) FindUnanchored() ([]*MemoryUnit, error) {
	units, err := a.store.Query(QueryOptions{Kind: KindSemantic, ActiveOnly: true, MinSalience: 0.85, Limit: 100000})
	if err != nil {
		return nil, err
	}

	var unanchored []*MemoryUnit
	for _, u := range units {
		if DaysSince(u.Timestamp) < a.cfg.AnchorWindowDays {
			continue
		}
		if isVerified(u.Tags) {
			continue
		}
		unanchored = append(unanchored, u)
	}
	return unanchored, nil
}

func isVerified(tags []string) bool {
	for _, t := range verifiedTags {
		if hasTag(tags, t) {
			return true
		}
	}
	return false
}

// AuditReport implements spec.md §4.8's audit_report: counts and a risk
// level (LOW <=3, MEDIUM <=10, HIGH >10).
func (a *Anchoring) AuditReport() (AuditReport, error) {
	unanchored, err := a.FindUnanchored()
	if err != nil {
		return AuditReport{}, err
	}
	n := len(unanchored)
	level := RiskLow
	switch {
	case n > 10:
		level = RiskHigh
	case n > 3:
		level = RiskMedium
	}
	return AuditReport{UnanchoredCount: n, RiskLevel: level}, nil
}

// DemoteUnanchored implements spec.md §4.8's demote_unanchored: multiply
// salience by DemotionFactor and add tag "unanchored_demoted". Returns
// exactly the ids FindUnanchored would return, in the same order, per
// spec.md §8's property — including when dryRun is true.
func (a *Anchoring) DemoteUnanchored(dryRun bool) ([]string, error) {
	unanchored, err := a.FindUnanchored()
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(unanchored))
	for i, u := range unanchored {
		ids[i] = u.ID
		if dryRun {
			continue
		}
		u.Salience *= a.cfg.DemotionFactor
		u.Tags = normalizeTags(append(u.Tags, "unanchored_demoted"))
		if err := a.store.UpdateUnit(u); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Anchor implements spec.md §4.8's anchor: add the method tag and remove
// "unanchored_demoted".
func (a *Anchoring) Anchor(id, method string) error {
	unit, err := a.store.Get(id)
	if err != nil {
		return err
	}
	if unit == nil {
		return ErrNotFound
	}

	tags := make([]string, 0, len(unit.Tags))
	for _, t := range unit.Tags {
		if t != "unanchored_demoted" {
			tags = append(tags, t)
		}
	}
	tags = append(tags, method)
	unit.Tags = normalizeTags(tags)
	unit.Active = true
	return a.store.UpdateUnit(unit)
}
