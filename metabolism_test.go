package engram

import (
	"math"
	"testing"
)

func TestComputeCostsPersisted(t *testing.T) {
	s := testStore(t)
	cfg := testConfig()

	u := NewMemoryUnit(KindEpisodic, "one two three four five")
	u.Salience = 0.5
	if err := s.Put(u); err != nil {
		t.Fatal(err)
	}

	m := NewMetabolism(s, cfg)
	if err := m.ComputeCosts(); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	expected := 5 * 1.3 * 0.5 * math.Pow(1.2, 0)
	if math.Abs(got.MaintenanceCost-expected) > 0.01 {
		t.Errorf("expected maintenance_cost ~%.3f, got %.3f", expected, got.MaintenanceCost)
	}
}

func TestSplitWords(t *testing.T) {
	words := splitWords("one  two\tthree\nfour")
	if len(words) != 4 {
		t.Fatalf("expected 4 words, got %d: %v", len(words), words)
	}
}

func TestDegreeBonusCapsAtOne(t *testing.T) {
	many := make([]Relation, 20)
	bonus := degreeBonus(many)
	if math.Abs(bonus-0.1) > 0.0001 {
		t.Errorf("expected bonus capped at 0.1, got %.4f", bonus)
	}
}

func TestDegreeBonusScalesLinearly(t *testing.T) {
	five := make([]Relation, 5)
	bonus := degreeBonus(five)
	expected := 5.0 / 10.0 * 0.1
	if math.Abs(bonus-expected) > 0.0001 {
		t.Errorf("expected %.4f, got %.4f", expected, bonus)
	}
}

func TestEarnAddsToBudget(t *testing.T) {
	s := testStore(t)
	cfg := testConfig()
	cfg.MaxTokens = 1000
	cfg.EarnPerAction = 100

	m := NewMetabolism(s, cfg)
	before := m.EffectiveBudget()
	m.Earn(0.5)
	after := m.EffectiveBudget()
	if after-before != 50 {
		t.Errorf("expected budget to grow by 50, got %.1f", after-before)
	}
}

func TestMetabolizeNoOpUnderBudget(t *testing.T) {
	s := testStore(t)
	cfg := testConfig()
	cfg.MaxTokens = 1_000_000

	u := NewMemoryUnit(KindSemantic, "small fact")
	u.Salience = 0.5
	if err := s.Put(u); err != nil {
		t.Fatal(err)
	}

	m := NewMetabolism(s, cfg)
	archived, err := m.Metabolize(false)
	if err != nil {
		t.Fatal(err)
	}
	if archived != nil {
		t.Errorf("expected no archival under budget, got %v", archived)
	}
}

func TestMetabolizeArchivesLowUtilityOverBudget(t *testing.T) {
	s := testStore(t)
	cfg := testConfig()
	cfg.MaxTokens = 1
	cfg.EarnPerAction = 0

	low := NewMemoryUnit(KindSemantic, "low utility filler content that costs tokens to keep around here")
	low.Salience = 0.9
	if err := s.Put(low); err != nil {
		t.Fatal(err)
	}

	m := NewMetabolism(s, cfg)
	archived, err := m.Metabolize(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 1 {
		t.Fatalf("expected 1 unit archived over budget, got %d", len(archived))
	}

	got, err := s.Get(low.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Active {
		t.Error("expected archived unit to be deactivated")
	}
}

func TestMetabolizeDryRunDoesNotDeactivate(t *testing.T) {
	s := testStore(t)
	cfg := testConfig()
	cfg.MaxTokens = 1
	cfg.EarnPerAction = 0

	u := NewMemoryUnit(KindSemantic, "filler content that costs tokens to maintain indefinitely")
	u.Salience = 0.9
	if err := s.Put(u); err != nil {
		t.Fatal(err)
	}

	m := NewMetabolism(s, cfg)
	archived, err := m.Metabolize(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 1 {
		t.Fatalf("expected 1 unit reported, got %d", len(archived))
	}

	got, err := s.Get(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active {
		t.Error("expected dry run to leave unit active")
	}
}

func TestMetabolismStatus(t *testing.T) {
	s := testStore(t)
	cfg := testConfig()

	u := NewMemoryUnit(KindSemantic, "fact")
	u.Salience = 0.5
	if err := s.Put(u); err != nil {
		t.Fatal(err)
	}

	m := NewMetabolism(s, cfg)
	status, err := m.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.ActiveMemories != 1 {
		t.Errorf("expected 1 active memory, got %d", status.ActiveMemories)
	}
	if status.String() == "" {
		t.Error("expected non-empty status string")
	}
}
