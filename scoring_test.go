package engram

import (
	"math"
	"testing"
	"time"
)

func TestCompositeScoreFullMarks(t *testing.T) {
	// similarity=1, recency=1 (age=0), decayedSalience=1, graph=1 (>=10 relations)
	score := CompositeScore(1.0, 1.0, 0, 14.0, 20)
	expected := 0.60 + 0.20 + 0.15 + 0.05
	if math.Abs(score-expected) > 0.001 {
		t.Errorf("expected %.3f, got %.3f", expected, score)
	}
}

func TestCompositeScoreZeroSimilarity(t *testing.T) {
	score := CompositeScore(0, 0.8, 0, 14.0, 0)
	// raw = 0.6*0 + 0.2*1.0 + 0.15*0.8 + 0.05*0 = 0.32
	expected := 0.2 + 0.15*0.8
	if math.Abs(score-expected) > 0.001 {
		t.Errorf("expected %.3f, got %.3f", expected, score)
	}
}

func TestCompositeScoreNegativeSimilarityClamped(t *testing.T) {
	withNeg := CompositeScore(-0.9, 0.5, 10, 14.0, 2)
	withZero := CompositeScore(0, 0.5, 10, 14.0, 2)
	if math.Abs(withNeg-withZero) > 0.0001 {
		t.Errorf("negative similarity should clamp to 0: got %.4f vs %.4f", withNeg, withZero)
	}
}

func TestCompositeScoreRecencyDecay(t *testing.T) {
	recent := CompositeScore(0.5, 0.5, 0, 14.0, 0)
	old := CompositeScore(0.5, 0.5, 100, 14.0, 0)
	if old >= recent {
		t.Errorf("old memories should score lower: recent=%.3f, old=%.3f", recent, old)
	}
}

func TestCompositeScoreGraphCap(t *testing.T) {
	score10 := CompositeScore(0, 0, 1000, 14.0, 10)
	score100 := CompositeScore(0, 0, 1000, 14.0, 100)
	if math.Abs(score10-score100) > 0.0001 {
		t.Errorf("graph contribution should cap at 10 relations: %.4f vs %.4f", score10, score100)
	}
}

func TestCosineSimilarityIdentical(t *testing.T) {
	v := []float32{1, 2, 3}
	sim := CosineSimilarity(v, v)
	if math.Abs(sim-1.0) > 0.001 {
		t.Errorf("identical vectors should have similarity 1.0, got %.3f", sim)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	sim := CosineSimilarity(a, b)
	if math.Abs(sim) > 0.001 {
		t.Errorf("orthogonal vectors should have similarity 0.0, got %.3f", sim)
	}
}

func TestCosineSimilarityOpposite(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{-1, 0}
	sim := CosineSimilarity(a, b)
	if math.Abs(sim-(-1.0)) > 0.001 {
		t.Errorf("opposite vectors should have similarity -1.0, got %.3f", sim)
	}
}

func TestCosineSimilarityDifferentLengths(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{1, 2}
	sim := CosineSimilarity(a, b)
	if sim != 0 {
		t.Errorf("different length vectors should return 0, got %.3f", sim)
	}
}

func TestCosineSimilarityEmpty(t *testing.T) {
	sim := CosineSimilarity(nil, nil)
	if sim != 0 {
		t.Errorf("nil vectors should return 0, got %.3f", sim)
	}
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 3}
	sim := CosineSimilarity(a, b)
	if sim != 0 {
		t.Errorf("zero vector should return 0, got %.3f", sim)
	}
}

func TestDecayedSalienceZeroDays(t *testing.T) {
	d := DecayedSalience(0.8, 0.98, 0)
	if math.Abs(d-0.8) > 0.001 {
		t.Errorf("zero days should give decayed salience == salience, got %.3f", d)
	}
}

func TestDecayedSalienceDecaysOverTime(t *testing.T) {
	d0 := DecayedSalience(0.8, 0.98, 0)
	d30 := DecayedSalience(0.8, 0.98, 30)
	if d30 >= d0 {
		t.Errorf("decayed salience should drop over time: d0=%.3f, d30=%.3f", d0, d30)
	}
}

func TestDaysSince(t *testing.T) {
	past := time.Now().Add(-48 * time.Hour)
	days := DaysSince(past)
	if math.Abs(days-2.0) > 0.01 {
		t.Errorf("expected ~2.0 days, got %.3f", days)
	}
}

func TestEmotionResonanceIdentical(t *testing.T) {
	v := [EmotionDims]float64{1, 0, 0, 0, 0, 0, 0, 0}
	r := EmotionResonance(v, v)
	if math.Abs(r-1.0) > 0.001 {
		t.Errorf("identical unit vectors should resonate at 1.0, got %.3f", r)
	}
}

func TestApplyEmotionBoostPositive(t *testing.T) {
	boosted := ApplyEmotionBoost(1.0, 0.7)
	if math.Abs(boosted-1.4) > 0.001 {
		t.Errorf("expected 1.4x boost, got %.3f", boosted)
	}
}

func TestApplyEmotionBoostNegative(t *testing.T) {
	dampened := ApplyEmotionBoost(1.0, -0.5)
	if math.Abs(dampened-0.6) > 0.001 {
		t.Errorf("expected 0.6x dampening, got %.3f", dampened)
	}
}

func TestApplyEmotionBoostNeutral(t *testing.T) {
	unchanged := ApplyEmotionBoost(1.0, 0.1)
	if math.Abs(unchanged-1.0) > 0.001 {
		t.Errorf("expected unchanged score, got %.3f", unchanged)
	}
}
