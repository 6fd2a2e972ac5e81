package engram

import (
	"context"
	"testing"
)

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := &Config{DataDir: t.TempDir()}
	embedder := newFakeEmbedder(3)
	llm := newFakeLLM("[]", true)
	o, err := Init(cfg, embedder, llm)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestInitWiresEverySubcomponent(t *testing.T) {
	o := testOrchestrator(t)
	if o.store == nil || o.identity == nil || o.retriever == nil || o.consolidator == nil ||
		o.dreamer == nil || o.metabolism == nil || o.prospective == nil || o.anchoring == nil ||
		o.narrative == nil || o.transplant == nil {
		t.Fatal("expected Init to wire every subcomponent")
	}
}

func TestOrchestratorRememberPersistsSignedUnit(t *testing.T) {
	o := testOrchestrator(t)

	u, err := o.Remember(context.Background(), "the build is green", KindEpisodic, []string{"ci"}, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if u.Signature == "" {
		t.Error("expected remembered unit to be signed")
	}
	if len(u.Embedding) != 3 {
		t.Errorf("expected embedding of dimension 3, got %d", len(u.Embedding))
	}

	got, err := o.store.Get(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("expected remembered unit to be persisted")
	}
}

func TestOrchestratorRecallReturnsHits(t *testing.T) {
	o := testOrchestrator(t)
	embedder := o.embedder.(*fakeEmbedder)
	embedder.vectors["a sunny day"] = []float32{1, 0, 0}
	embedder.vectors["weather today"] = []float32{1, 0, 0}

	if _, err := o.Remember(context.Background(), "a sunny day", KindSemantic, nil, 0.6, nil); err != nil {
		t.Fatal(err)
	}

	res, err := o.Recall(context.Background(), "weather today", 5, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 1 {
		t.Fatalf("expected 1 recall hit, got %d", len(res.Hits))
	}
}

func TestOrchestratorRecallFiresProspectiveTriggers(t *testing.T) {
	o := testOrchestrator(t)
	embedder := o.embedder.(*fakeEmbedder)
	embedder.vectors["deploy is finished"] = []float32{1, 0, 0}
	embedder.vectors["deploy is finished now"] = []float32{1, 0, 0}

	action := ProspectiveAction{Type: "notify", Message: "check logs"}
	if _, err := o.Intend(context.Background(), "deploy is finished", action, ""); err != nil {
		t.Fatal(err)
	}

	res, err := o.Recall(context.Background(), "deploy is finished now", 5, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.FiredActions) != 1 {
		t.Fatalf("expected 1 fired prospective action, got %d", len(res.FiredActions))
	}
	if res.FiredActions[0].Message != "check logs" {
		t.Errorf("expected fired action payload to survive, got %v", res.FiredActions[0])
	}
}

func TestOrchestratorWakeupProducesAttestationAndStatus(t *testing.T) {
	o := testOrchestrator(t)

	if _, err := o.Remember(context.Background(), "a founding memory", KindEpisodic, nil, 0.5, nil); err != nil {
		t.Fatal(err)
	}

	res, err := o.Wakeup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.RootHash == "" {
		t.Error("expected non-empty root hash")
	}
	if res.Attestation == nil {
		t.Error("expected a wakeup attestation")
	}
}

func TestOrchestratorSleepRunsMaintenanceSequence(t *testing.T) {
	o := testOrchestrator(t)

	res, err := o.Sleep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res == nil {
		t.Fatal("expected a sleep result")
	}
}

func TestOrchestratorAnchorDelegatesToAnchoring(t *testing.T) {
	o := testOrchestrator(t)

	u := NewMemoryUnit(KindSemantic, "a confident claim")
	u.Salience = 0.95
	if err := o.store.Put(u); err != nil {
		t.Fatal(err)
	}

	if err := o.Anchor(u.ID, "human_verified"); err != nil {
		t.Fatal(err)
	}

	got, err := o.store.Get(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !hasTag(got.Tags, "human_verified") {
		t.Error("expected anchor method tag to be applied")
	}
}

func TestOrchestratorStatusReportsActiveCounts(t *testing.T) {
	o := testOrchestrator(t)

	if _, err := o.Remember(context.Background(), "episode one", KindEpisodic, nil, 0.5, nil); err != nil {
		t.Fatal(err)
	}

	status, err := o.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.ActiveUnits != 1 {
		t.Errorf("expected 1 active unit, got %d", status.ActiveUnits)
	}
	if status.RootHash == "" {
		t.Error("expected non-empty root hash in status")
	}
}

func TestOrchestratorVerifyChainValidAfterRemember(t *testing.T) {
	o := testOrchestrator(t)

	for i := 0; i < 3; i++ {
		if _, err := o.Remember(context.Background(), "a chained memory", KindEpisodic, nil, 0.5, nil); err != nil {
			t.Fatal(err)
		}
	}

	ok, offending, err := o.VerifyChain()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Errorf("expected valid chain, offending id: %s", offending)
	}
}

func TestOrchestratorTransplantExposesSubsystem(t *testing.T) {
	o := testOrchestrator(t)
	if o.Transplant() == nil {
		t.Fatal("expected Transplant() to return the wired subsystem")
	}
}
