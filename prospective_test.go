package engram

import (
	"context"
	"testing"
)

func TestProspectiveCreatePersistsTriggerAndAction(t *testing.T) {
	s := testStore(t)
	embedder := newFakeEmbedder(3)
	embedder.vectors["when the deploy finishes"] = []float32{1, 0, 0}
	cfg := testConfig()
	id, err := NewIdentity(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	p := NewProspective(s, embedder, id, cfg)
	action := ProspectiveAction{Type: "notify", Message: "remind me to check logs"}
	unit, err := p.Create(context.Background(), "when the deploy finishes", action, "")
	if err != nil {
		t.Fatal(err)
	}
	if unit.Kind != KindProspective {
		t.Errorf("expected KindProspective, got %s", unit.Kind)
	}
	if unit.Content != "when the deploy finishes" {
		t.Errorf("expected content to fall back to trigger, got %q", unit.Content)
	}
	if !hasTag(unit.Tags, "active") {
		t.Error("expected newly created prospective to be tagged active")
	}
	if unit.Action == nil || unit.Action.Type != "notify" {
		t.Errorf("expected action payload to persist, got %v", unit.Action)
	}
	if unit.Signature == "" {
		t.Error("expected prospective unit to be signed")
	}

	got, err := s.Get(unit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TriggerCondition != "when the deploy finishes" {
		t.Errorf("expected trigger_condition persisted, got %q", got.TriggerCondition)
	}
}

func TestProspectiveCheckTriggersMatchesAboveThreshold(t *testing.T) {
	s := testStore(t)
	embedder := newFakeEmbedder(3)
	embedder.vectors["deploy trigger"] = []float32{1, 0, 0}
	embedder.vectors["deploy just finished"] = []float32{1, 0, 0}
	cfg := testConfig()

	p := NewProspective(s, embedder, nil, cfg)
	action := ProspectiveAction{Type: "notify"}
	if _, err := p.Create(context.Background(), "deploy trigger", action, ""); err != nil {
		t.Fatal(err)
	}

	matches, err := p.CheckTriggers(context.Background(), "deploy just finished")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Score < cfg.TriggerThreshold {
		t.Errorf("expected score above threshold %.2f, got %.2f", cfg.TriggerThreshold, matches[0].Score)
	}
}

func TestProspectiveCheckTriggersIgnoresBelowThreshold(t *testing.T) {
	s := testStore(t)
	embedder := newFakeEmbedder(3)
	embedder.vectors["deploy trigger"] = []float32{1, 0, 0}
	embedder.vectors["completely unrelated situation"] = []float32{0, 1, 0}
	cfg := testConfig()

	p := NewProspective(s, embedder, nil, cfg)
	action := ProspectiveAction{Type: "notify"}
	if _, err := p.Create(context.Background(), "deploy trigger", action, ""); err != nil {
		t.Fatal(err)
	}

	matches, err := p.CheckTriggers(context.Background(), "completely unrelated situation")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no matches below threshold, got %d", len(matches))
	}
}

func TestProspectiveFireDeactivatesAndReturnsAction(t *testing.T) {
	s := testStore(t)
	embedder := newFakeEmbedder(3)
	embedder.vectors["deploy trigger"] = []float32{1, 0, 0}
	cfg := testConfig()

	p := NewProspective(s, embedder, nil, cfg)
	action := ProspectiveAction{Type: "notify", Message: "hello"}
	unit, err := p.Create(context.Background(), "deploy trigger", action, "")
	if err != nil {
		t.Fatal(err)
	}

	fired, err := p.Fire(unit)
	if err != nil {
		t.Fatal(err)
	}
	if fired == nil || fired.Message != "hello" {
		t.Errorf("expected fired action to carry original payload, got %v", fired)
	}

	got, err := s.Get(unit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Error("expected fired prospective to be deactivated")
	}
}

func TestProspectiveCheckTriggersSkipsUnitsWithoutEmbedding(t *testing.T) {
	s := testStore(t)
	embedder := newFakeEmbedder(3)
	cfg := testConfig()

	bare := NewMemoryUnit(KindProspective, "no trigger embedding")
	bare.Tags = []string{"active"}
	if err := s.Put(bare); err != nil {
		t.Fatal(err)
	}

	p := NewProspective(s, embedder, nil, cfg)
	matches, err := p.CheckTriggers(context.Background(), "anything")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("expected bare unit without trigger embedding to be skipped, got %v", matches)
	}
}
