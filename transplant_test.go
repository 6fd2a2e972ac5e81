package engram

import "testing"

func TestExportPackageSignsAndBundlesUnits(t *testing.T) {
	s := testStore(t)
	id := testIdentity(t)

	u := NewMemoryUnit(KindSemantic, "a fact worth sharing")
	if err := s.Put(u); err != nil {
		t.Fatal(err)
	}

	tr := NewTransplant(s, id)
	pkg, err := tr.ExportPackage([]string{u.ID}, map[string]any{"reason": "handoff"})
	if err != nil {
		t.Fatal(err)
	}
	if pkg.UnitCount != 1 || len(pkg.Units) != 1 {
		t.Fatalf("expected 1 unit in package, got %d", pkg.UnitCount)
	}
	if pkg.Signature == "" {
		t.Error("expected export package to be signed")
	}
	if pkg.AgentID != id.PublicKeyB64() {
		t.Errorf("expected agent_id to be exporter's public key, got %s", pkg.AgentID)
	}
}

func TestExportPackageSkipsMissingIDs(t *testing.T) {
	s := testStore(t)
	id := testIdentity(t)

	tr := NewTransplant(s, id)
	pkg, err := tr.ExportPackage([]string{"nonexistent"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if pkg.UnitCount != 0 {
		t.Errorf("expected 0 units for missing id, got %d", pkg.UnitCount)
	}
}

func TestExportByTagsMatchesTaggedUnits(t *testing.T) {
	s := testStore(t)
	id := testIdentity(t)

	tagged := NewMemoryUnit(KindSemantic, "shareable insight")
	tagged.Tags = []string{"shareable"}
	if err := s.Put(tagged); err != nil {
		t.Fatal(err)
	}
	untagged := NewMemoryUnit(KindSemantic, "private thought")
	if err := s.Put(untagged); err != nil {
		t.Fatal(err)
	}

	tr := NewTransplant(s, id)
	pkg, err := tr.ExportByTags([]string{"shareable"}, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if pkg.UnitCount != 1 || pkg.Units[0].ID != tagged.ID {
		t.Fatalf("expected only the shareable-tagged unit exported, got %d units", pkg.UnitCount)
	}
}

func TestVerifyPackageRoundTrip(t *testing.T) {
	s := testStore(t)
	id := testIdentity(t)

	u := NewMemoryUnit(KindSemantic, "verifiable fact")
	if err := s.Put(u); err != nil {
		t.Fatal(err)
	}

	tr := NewTransplant(s, id)
	pkg, err := tr.ExportPackage([]string{u.ID}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if !tr.VerifyPackage(pkg, nil) {
		t.Error("expected freshly exported package to verify")
	}
}

func TestVerifyPackageRejectsTamperedContent(t *testing.T) {
	s := testStore(t)
	id := testIdentity(t)

	u := NewMemoryUnit(KindSemantic, "verifiable fact")
	if err := s.Put(u); err != nil {
		t.Fatal(err)
	}

	tr := NewTransplant(s, id)
	pkg, err := tr.ExportPackage([]string{u.ID}, nil)
	if err != nil {
		t.Fatal(err)
	}

	pkg.Units[0].Content = "tampered content"
	if tr.VerifyPackage(pkg, nil) {
		t.Error("expected tampered package to fail verification")
	}
}

func TestVerifyPackageAcceptsKeyListedUnderAnyLabel(t *testing.T) {
	s := testStore(t)
	id := testIdentity(t)

	u := NewMemoryUnit(KindSemantic, "fact")
	if err := s.Put(u); err != nil {
		t.Fatal(err)
	}

	tr := NewTransplant(s, id)
	pkg, err := tr.ExportPackage([]string{u.ID}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// trusted_keys is keyed by a human label and valued by the pubkey, per
	// spec.md's trusted_keys={"A": pubkey_A} example; the exporter's real
	// pubkey is present as a value, so the package should verify.
	trusted := map[string]string{"some-label": id.PublicKeyB64()}
	if !tr.VerifyPackage(pkg, trusted) {
		t.Error("expected package to verify when its agent key is listed among trusted_keys values")
	}
}

func TestVerifyPackageRejectsUntrustedAgent(t *testing.T) {
	s := testStore(t)
	id := testIdentity(t)

	u := NewMemoryUnit(KindSemantic, "fact")
	if err := s.Put(u); err != nil {
		t.Fatal(err)
	}

	tr := NewTransplant(s, id)
	pkg, err := tr.ExportPackage([]string{u.ID}, nil)
	if err != nil {
		t.Fatal(err)
	}

	trusted := map[string]string{"some-other-agent": "a-completely-different-pubkey"}
	if tr.VerifyPackage(pkg, trusted) {
		t.Error("expected package from an untrusted agent id to be rejected")
	}
}

func TestImportPackageStagesAsProposalByDefault(t *testing.T) {
	srcStore := testStore(t)
	srcID := testIdentity(t)

	u := NewMemoryUnit(KindSemantic, "an exported insight")
	if err := srcStore.Put(u); err != nil {
		t.Fatal(err)
	}
	srcTransplant := NewTransplant(srcStore, srcID)
	pkg, err := srcTransplant.ExportPackage([]string{u.ID}, nil)
	if err != nil {
		t.Fatal(err)
	}

	dstStore := testStore(t)
	dstID := testIdentity(t)
	dstTransplant := NewTransplant(dstStore, dstID)

	imported, err := dstTransplant.ImportPackage(pkg, 0.5, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(imported) != 1 {
		t.Fatalf("expected 1 imported unit, got %d", len(imported))
	}
	if imported[0].Active {
		t.Error("expected proposal import to be inactive")
	}
	if !hasTag(imported[0].Tags, "proposal") || !hasTag(imported[0].Tags, "transplant") {
		t.Errorf("expected proposal+transplant tags, got %v", imported[0].Tags)
	}
	if imported[0].SourceAgent != srcID.PublicKeyB64() {
		t.Errorf("expected source_agent set to exporter key, got %s", imported[0].SourceAgent)
	}
}

func TestImportPackageAutoAcceptActivatesImmediately(t *testing.T) {
	srcStore := testStore(t)
	srcID := testIdentity(t)

	u := NewMemoryUnit(KindSemantic, "a trusted insight")
	if err := srcStore.Put(u); err != nil {
		t.Fatal(err)
	}
	srcTransplant := NewTransplant(srcStore, srcID)
	pkg, err := srcTransplant.ExportPackage([]string{u.ID}, nil)
	if err != nil {
		t.Fatal(err)
	}

	dstStore := testStore(t)
	dstID := testIdentity(t)
	dstTransplant := NewTransplant(dstStore, dstID)

	imported, err := dstTransplant.ImportPackage(pkg, 0.9, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(imported) != 1 || !imported[0].Active {
		t.Fatal("expected auto-accepted import to be active")
	}
	if !hasTag(imported[0].Tags, "accepted") {
		t.Errorf("expected accepted tag, got %v", imported[0].Tags)
	}
}

func TestImportPackageFailsVerificationReturnsNil(t *testing.T) {
	srcStore := testStore(t)
	srcID := testIdentity(t)

	u := NewMemoryUnit(KindSemantic, "a fact")
	if err := srcStore.Put(u); err != nil {
		t.Fatal(err)
	}
	srcTransplant := NewTransplant(srcStore, srcID)
	pkg, err := srcTransplant.ExportPackage([]string{u.ID}, nil)
	if err != nil {
		t.Fatal(err)
	}
	pkg.Signature = "tampered-signature"

	dstStore := testStore(t)
	dstID := testIdentity(t)
	dstTransplant := NewTransplant(dstStore, dstID)

	imported, err := dstTransplant.ImportPackage(pkg, 0.5, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if imported != nil {
		t.Errorf("expected nil on verification failure, got %v", imported)
	}
}

func TestAcceptProposalActivatesAndRetags(t *testing.T) {
	dstStore := testStore(t)
	dstID := testIdentity(t)

	u := NewMemoryUnit(KindSemantic, "a staged proposal")
	u.Active = false
	u.Tags = []string{"transplant", "proposal"}
	if err := dstStore.Put(u); err != nil {
		t.Fatal(err)
	}

	tr := NewTransplant(dstStore, dstID)
	if err := tr.AcceptProposal(u.ID); err != nil {
		t.Fatal(err)
	}

	got, err := dstStore.Get(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active {
		t.Error("expected accepted proposal to be active")
	}
	if hasTag(got.Tags, "proposal") {
		t.Error("expected proposal tag to be removed")
	}
	if !hasTag(got.Tags, "accepted") {
		t.Error("expected accepted tag to be applied")
	}
}

func TestAcceptProposalMissingUnitReturnsNotFound(t *testing.T) {
	dstStore := testStore(t)
	dstID := testIdentity(t)
	tr := NewTransplant(dstStore, dstID)

	err := tr.AcceptProposal("does-not-exist")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
