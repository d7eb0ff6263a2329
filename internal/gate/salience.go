package gate

import (
	"math"

	"github.com/familyos/cogfabric/internal/config"
)

// Weights mirrors config.GateWeights in the sign convention the
// salience formula needs: risk, cost, and social_risk are subtracted.
type Weights struct {
	Urgency       float64
	Novelty       float64
	Value         float64
	Risk          float64
	AffectArousal float64
	Cost          float64
	SocialRisk    float64
}

// WeightsFromConfig adapts a loaded GateConfig's weights into Weights.
func WeightsFromConfig(w config.GateWeights) Weights {
	return Weights{
		Urgency:       w.Urgency,
		Novelty:       w.Novelty,
		Value:         w.Value,
		Risk:          w.Risk,
		AffectArousal: w.AffectArousal,
		Cost:          w.Cost,
		SocialRisk:    w.Social,
	}
}

// RawScore computes S = w·x + b (spec §4.5 step 4): a weighted sum of
// features with risk, cost, and social_risk entering negatively.
func RawScore(f Features, w Weights, bias float64) float64 {
	return w.Urgency*f.Urgency +
		w.Novelty*f.Novelty +
		w.Value*f.Value -
		w.Risk*f.Risk +
		w.AffectArousal*f.AffectArousal -
		w.Cost*f.Cost -
		w.SocialRisk*f.SocialRisk +
		bias
}

// Priority folds the raw score and a context bump through a logistic
// squashing function: priority = sigmoid(alpha*S + beta*context_bump).
func Priority(rawScore, alpha, contextBump, beta float64) float64 {
	return sigmoid(alpha*rawScore + beta*contextBump)
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// SelectAction maps priority onto an Action using the configured
// cutpoints (spec §4.5 step 6): priority < drop -> DROP, < admit ->
// DEFER, < boost -> ADMIT, else BOOST.
func SelectAction(priority float64, t config.GateThresholds) Action {
	switch {
	case priority < t.Drop:
		return ActionDrop
	case priority < t.Admit:
		return ActionDefer
	case priority < t.Boost:
		return ActionAdmit
	default:
		return ActionBoost
	}
}
