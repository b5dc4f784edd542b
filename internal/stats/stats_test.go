package stats

import "testing"

func TestEloEqualRatings(t *testing.T) {
	// 1000 vs 1000: expected 0.5, win pays +16, loss costs -16.
	if d := EloDelta(1000, 1000, 1); d != 16 {
		t.Errorf("winner delta: expected 16, got %d", d)
	}
	if d := EloDelta(1000, 1000, 0); d != -16 {
		t.Errorf("loser delta: expected -16, got %d", d)
	}
	if d := EloDelta(1000, 1000, 0.5); d != 0 {
		t.Errorf("draw delta: expected 0, got %d", d)
	}
}

func TestEloSumNearZero(t *testing.T) {
	cases := [][2]int{{1000, 1000}, {1200, 950}, {1450, 1200}, {800, 1600}}
	for _, c := range cases {
		dw := EloDelta(c[0], c[1], 1)
		dl := EloDelta(c[1], c[0], 0)
		sum := dw + dl
		if sum < -1 || sum > 1 {
			t.Errorf("deltas for %v sum to %d, want 0 (+/-1 rounding)", c, sum)
		}
		if dw <= 0 {
			t.Errorf("winner delta not positive for %v: %d", c, dw)
		}
	}
}

func TestEloUnderdogPaysMore(t *testing.T) {
	underdog := EloDelta(950, 1450, 1)
	favorite := EloDelta(1450, 950, 1)
	if underdog <= favorite {
		t.Errorf("underdog win (%d) should pay more than favorite win (%d)", underdog, favorite)
	}
}

func TestScoreBounds(t *testing.T) {
	if s := Score(10000000, 10000000, 0, 0, 0); s < 0 || s > 100 {
		t.Errorf("flat score out of bounds: %d", s)
	}
	// Flat return, neutral accuracy, no drawdown: 50*0.5 + 30*0.5 + 20*1 = 60.
	if s := Score(10000000, 10000000, 0, 0, 0); s != 60 {
		t.Errorf("expected neutral score 60, got %d", s)
	}
	// Saturated gain with perfect accuracy and no drawdown is the ceiling.
	if s := Score(10000000, 13000000, 0, 5, 5); s != 100 {
		t.Errorf("expected 100, got %d", s)
	}
	// Saturated loss, all losers, full drawdown is the floor.
	if s := Score(10000000, 5000000, 1, 0, 5); s != 0 {
		t.Errorf("expected 0, got %d", s)
	}
}

func TestScoreOrdersByReturn(t *testing.T) {
	better := Score(10000000, 10500000, 0.01, 1, 2)
	worse := Score(10000000, 9970000, 0.01, 1, 2)
	if better <= worse {
		t.Errorf("higher return should score higher: %d vs %d", better, worse)
	}
}

func TestOutcomes(t *testing.T) {
	if a, b := Outcomes(100, 50); a != 1 || b != 0 {
		t.Errorf("creator win: %f %f", a, b)
	}
	if a, b := Outcomes(50, 100); a != 0 || b != 1 {
		t.Errorf("opponent win: %f %f", a, b)
	}
	if a, b := Outcomes(75, 75); a != 0.5 || b != 0.5 {
		t.Errorf("draw: %f %f", a, b)
	}
}
