package engram

import (
	"time"
)

const transplantVersion = "engram-transplant-v1"

// TransplantPackage is the signed export/import wire format, per spec.md §6.
type TransplantPackage struct {
	Version    string           `json:"version"`
	ExportedAt string           `json:"exported_at"`
	AgentID    string           `json:"agent_id"`
	UnitCount  int              `json:"unit_count"`
	Units      []*MemoryUnit    `json:"units"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	Signature  string           `json:"signature,omitempty"`
}

// Transplant implements signed export/import packages for inter-agent
// memory transfer, per spec.md §4.9.
type Transplant struct {
	store    *Store
	identity *Identity
}

// NewTransplant constructs a Transplant over store and identity.
func NewTransplant(store *Store, identity *Identity) *Transplant {
	return &Transplant{store: store, identity: identity}
}

// ExportPackage implements spec.md §4.9's export_package: bundle the given
// unit ids with a header, sign the canonicalized bundle, and attach the
// signature as a sibling field.
func (t *Transplant) ExportPackage(ids []string, metadata map[string]any) (*TransplantPackage, error) {
	units := make([]*MemoryUnit, 0, len(ids))
	for _, id := range ids {
		u, err := t.store.Get(id)
		if err != nil {
			return nil, err
		}
		if u == nil {
			continue
		}
		units = append(units, u)
	}

	pkg := &TransplantPackage{
		Version:    transplantVersion,
		ExportedAt: time.Now().UTC().Format(timeLayout),
		AgentID:    t.identity.PublicKeyB64(),
		UnitCount:  len(units),
		Units:      units,
		Metadata:   metadata,
	}

	payload, err := canonicalJSON(pkg)
	if err != nil {
		return nil, err
	}
	pkg.Signature = t.identity.Sign(string(payload))
	return pkg, nil
}

// ExportByTags implements original_source/engram/transplant.py's
// export_by_tags: export the most recent active units carrying any of the
// given tags, up to limit (see SPEC_FULL.md).
func (t *Transplant) ExportByTags(tags []string, limit int, metadata map[string]any) (*TransplantPackage, error) {
	units, err := t.store.Query(QueryOptions{ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, u := range units {
		for _, tag := range tags {
			if hasTag(u.Tags, tag) {
				matched = append(matched, u.ID)
				break
			}
		}
		if len(matched) >= limit {
			break
		}
	}
	return t.ExportPackage(matched, metadata)
}

// VerifyPackage implements spec.md §4.9's verify_package: detach the
// signature, canonicalize the remainder, verify against the declared
// agent_id. If trustedKeys is non-empty, unknown agents are rejected.
func (t *Transplant) VerifyPackage(pkg *TransplantPackage, trustedKeys map[string]string) bool {
	if len(trustedKeys) > 0 && !keyIsTrusted(pkg.AgentID, trustedKeys) {
		return false
	}

	signature := pkg.Signature
	unsigned := *pkg
	unsigned.Signature = ""
	payload, err := canonicalJSON(&unsigned)
	if err != nil {
		return false
	}

	return t.identity.Verify(string(payload), signature, pkg.AgentID)
}

func keyIsTrusted(agentID string, trustedKeys map[string]string) bool {
	for _, pubKey := range trustedKeys {
		if pubKey == agentID {
			return true
		}
	}
	return false
}

// ImportPackage implements spec.md §4.9's import_package: on verification
// failure return nil. On success, each incoming unit gets source_agent and
// trust_score set; if not autoAccept, it is marked inactive and tagged
// {transplant, proposal}, else tagged {transplant, accepted}.
func (t *Transplant) ImportPackage(pkg *TransplantPackage, trustScore float64, autoAccept bool, trustedKeys map[string]string) ([]*MemoryUnit, error) {
	if !t.VerifyPackage(pkg, trustedKeys) {
		return nil, nil
	}

	imported := make([]*MemoryUnit, 0, len(pkg.Units))
	for _, u := range pkg.Units {
		clone := *u
		clone.SourceAgent = pkg.AgentID
		clone.TrustScore = trustScore
		if autoAccept {
			clone.Active = true
			clone.Tags = normalizeTags(append(clone.Tags, "transplant", "accepted"))
		} else {
			clone.Active = false
			clone.Tags = normalizeTags(append(clone.Tags, "transplant", "proposal"))
		}
		if err := t.store.Put(&clone); err != nil {
			return nil, err
		}
		imported = append(imported, &clone)
	}
	return imported, nil
}

// AcceptProposal implements spec.md §8 scenario 6's accept_proposal: flip a
// staged transplant proposal to active, retagging {transplant, accepted}.
func (t *Transplant) AcceptProposal(id string) error {
	unit, err := t.store.Get(id)
	if err != nil {
		return err
	}
	if unit == nil {
		return ErrNotFound
	}

	tags := make([]string, 0, len(unit.Tags))
	for _, tag := range unit.Tags {
		if tag != "proposal" {
			tags = append(tags, tag)
		}
	}
	unit.Tags = normalizeTags(append(tags, "accepted"))
	unit.Active = true
	return t.store.UpdateUnit(unit)
}
