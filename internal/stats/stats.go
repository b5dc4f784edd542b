package stats

import "math"

// eloK is the rating volatility constant for the pairwise update.
const eloK = 32

// Composite score weights. Stable per deployment: return dominates, then
// trade accuracy, then drawdown discipline.
const (
	weightReturn   = 0.5
	weightAccuracy = 0.3
	weightDrawdown = 0.2

	// A +/-20% return on starting balance saturates the return band.
	returnSaturation = 0.20
)

// Expected returns the Elo expected score of self against opp.
func Expected(rSelf, rOpp int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(rOpp-rSelf)/400.0))
}

// EloDelta returns the signed rating change for a player who achieved
// outcome (1 win, 0.5 draw, 0 loss) against an opponent.
func EloDelta(rSelf, rOpp int, outcome float64) int {
	return int(math.Round(eloK * (outcome - Expected(rSelf, rOpp))))
}

// Score computes the 0-100 composite from normalized return, accuracy, and
// max drawdown.
func Score(startingBalance, finalEquity int64, maxDrawdown float64, profitable, closing int) int {
	ret := 0.0
	if startingBalance > 0 {
		ret = float64(finalEquity-startingBalance) / float64(startingBalance)
	}
	retComp := clamp(ret/returnSaturation, -1, 1)
	retComp = (retComp + 1) / 2

	// Accuracy over closing trades only; a player who never realized a
	// position gets a neutral 0.5.
	acc := 0.5
	if closing > 0 {
		acc = float64(profitable) / float64(closing)
	}

	ddComp := clamp(1-maxDrawdown, 0, 1)

	score := 100 * (weightReturn*retComp + weightAccuracy*acc + weightDrawdown*ddComp)
	return int(math.Round(clamp(score, 0, 100)))
}

// Outcomes maps two final equities to (creator, opponent) Elo outcomes.
// Equal equity is a draw.
func Outcomes(creatorEquity, opponentEquity int64) (float64, float64) {
	switch {
	case creatorEquity > opponentEquity:
		return 1, 0
	case creatorEquity < opponentEquity:
		return 0, 1
	default:
		return 0.5, 0.5
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
