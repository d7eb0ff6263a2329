package gate

import (
	"time"

	"github.com/familyos/cogfabric/internal/envelope"
)

// bandRisk maps a band to its baseline risk contribution. BLACK never
// reaches feature extraction (it is dropped by the hard policy check),
// but a value is defined for completeness.
var bandRisk = map[envelope.Band]float64{
	envelope.BandGreen: 0.0,
	envelope.BandAmber: 0.3,
	envelope.BandRed:   0.6,
	envelope.BandBlack: 1.0,
}

const (
	defaultNovelty    = 0.5
	defaultValue      = 0.5
	defaultArousal    = 0.3
	defaultCost       = 0.1
	defaultSocialRisk = 0.1
	urgencyHorizon    = 24 * time.Hour
)

// ExtractFeatures computes the bounded [0,1] feature vector for req
// (spec §4.5 step 3). Missing inputs degrade to the configured
// defaults above; a caller's FeatureHints pre-empt the heuristic for
// any field it sets explicitly.
func ExtractFeatures(req Request) Features {
	f := Features{
		Urgency:       urgencyFromDeadline(req.Deadline, req.Ts),
		Novelty:       defaultNovelty,
		Value:         defaultValue,
		Risk:          bandRisk[req.Band],
		AffectArousal: defaultArousal,
		Cost:          defaultCost,
		SocialRisk:    socialRiskFromSpace(req.SpaceID),
	}

	if req.Hints.Urgency != nil {
		f.Urgency = clamp01(*req.Hints.Urgency)
	}
	if req.Hints.Novelty != nil {
		f.Novelty = clamp01(*req.Hints.Novelty)
	}
	if req.Hints.Value != nil {
		f.Value = clamp01(*req.Hints.Value)
	}
	if req.Hints.AffectArousal != nil {
		f.AffectArousal = clamp01(*req.Hints.AffectArousal)
	}
	if req.Hints.Cost != nil {
		f.Cost = clamp01(*req.Hints.Cost)
	}
	if req.Hints.SocialRisk != nil {
		f.SocialRisk = clamp01(*req.Hints.SocialRisk)
	}

	return f
}

// urgencyFromDeadline scales urgency inversely with time remaining
// until deadline, saturating at 1.0 for anything at or past due and
// decaying to a low baseline past urgencyHorizon. A request with no
// declared deadline gets the low baseline, matching an undifferentiated
// background-priority request.
func urgencyFromDeadline(deadline *time.Time, now time.Time) float64 {
	if deadline == nil {
		return 0.3
	}
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 1.0
	}
	if remaining >= urgencyHorizon {
		return 0.3
	}
	return 1.0 - 0.7*(float64(remaining)/float64(urgencyHorizon))
}

// socialRiskFromSpace nudges social_risk up for shared spaces, where a
// mistaken admission is visible to more than one actor.
func socialRiskFromSpace(spaceID string) float64 {
	if len(spaceID) >= 7 && spaceID[:7] == "shared:" {
		return defaultSocialRisk + 0.1
	}
	return defaultSocialRisk
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
