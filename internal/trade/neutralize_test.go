package trade

import (
	"math"
	"testing"
)

func TestNeutralizeBalances(t *testing.T) {
	weights := Neutralize(map[string]float64{"AAA": 1, "BBB": 2, "CCC": 6})

	var sum, gross float64
	for _, w := range weights {
		sum += w
		gross += math.Abs(w)
	}
	if math.Abs(sum) > 1e-9 {
		t.Errorf("weights sum to %g, want 0", sum)
	}
	if math.Abs(gross-1) > 1e-9 {
		t.Errorf("gross exposure %g, want 1", gross)
	}
	if weights["CCC"] <= 0 {
		t.Errorf("strongest signal should be long, got %g", weights["CCC"])
	}
	if weights["AAA"] >= 0 {
		t.Errorf("weakest signal should be short, got %g", weights["AAA"])
	}
}

func TestNeutralizeTwoInstruments(t *testing.T) {
	weights := Neutralize(map[string]float64{"AAA": 1, "BBB": 3})
	if !floatEq(weights["AAA"], -0.5) || !floatEq(weights["BBB"], 0.5) {
		t.Errorf("got %v, want AAA=-0.5 BBB=0.5", weights)
	}
}

func TestNeutralizeNaNGetsZero(t *testing.T) {
	weights := Neutralize(map[string]float64{"AAA": 1, "BBB": 3, "CCC": math.NaN()})
	if weights["CCC"] != 0 {
		t.Errorf("undefined signal should get weight 0, got %g", weights["CCC"])
	}
	// the defined pair still neutralizes as if CCC were absent
	if !floatEq(weights["AAA"], -0.5) || !floatEq(weights["BBB"], 0.5) {
		t.Errorf("got %v, want AAA=-0.5 BBB=0.5", weights)
	}
}

func TestNeutralizeDegenerate(t *testing.T) {
	for name, signals := range map[string]map[string]float64{
		"all equal":     {"AAA": 2, "BBB": 2, "CCC": 2},
		"all undefined": {"AAA": math.NaN(), "BBB": math.NaN()},
		"single":        {"AAA": 5},
	} {
		weights := Neutralize(signals)
		for tk, w := range weights {
			if w != 0 {
				t.Errorf("%s: expected all-zero weights, got %s=%g", name, tk, w)
			}
		}
		if len(weights) != len(signals) {
			t.Errorf("%s: expected a weight per instrument", name)
		}
	}
}

func floatEq(a, b float64) bool { return math.Abs(a-b) < 1e-9 }
