// Package gate implements the Attention Gate: the synchronous pre-bus
// admission controller that derives intents, scores salience, enforces
// policy and rate limits, and emits admit/boost/defer/drop decisions
// with audit traces (spec §4.5).
package gate

import (
	"time"

	"github.com/familyos/cogfabric/internal/envelope"
)

// Intent is a member of the closed intent vocabulary (spec §4.5).
// Additions require a registry update and are a minor contract
// version bump — there is no open extension point at runtime.
type Intent string

const (
	IntentWrite       Intent = "WRITE"
	IntentRecall      Intent = "RECALL"
	IntentProject     Intent = "PROJECT"
	IntentSchedule    Intent = "SCHEDULE"
	IntentHippoEncode Intent = "HIPPO_ENCODE"
)

// Valid reports whether i is a member of the closed vocabulary.
func (i Intent) Valid() bool {
	switch i {
	case IntentWrite, IntentRecall, IntentProject, IntentSchedule, IntentHippoEncode:
		return true
	}
	return false
}

// DerivedIntent pairs a candidate intent with the confidence the rule
// grammar (or an optional classifier) assigned it.
type DerivedIntent struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Action is the gate's decision outcome (spec §4.5 step 6).
type Action string

const (
	ActionAdmit Action = "ADMIT"
	ActionBoost Action = "BOOST"
	ActionDefer Action = "DEFER"
	ActionDrop  Action = "DROP"
)

// FeatureHints lets a caller pre-populate feature-extraction inputs it
// already knows (e.g. an explicit deadline, a segmentation-derived
// novelty score) to avoid relying on the gate's text heuristics. Any
// unset (nil) field falls back to the heuristic default.
type FeatureHints struct {
	Urgency       *float64
	Novelty       *float64
	Value         *float64
	AffectArousal *float64
	Cost          *float64
	SocialRisk    *float64
}

// Request is the gate's input: a producer's submission before it has
// been turned into one or more bus Events.
type Request struct {
	RequestID      string
	Actor          envelope.Actor
	SpaceID        string
	Text           string
	DeclaredIntent Intent // empty if the producer did not declare one
	Band           envelope.Band
	Obligations    []string
	PolicyVersion  string
	TraceID        string
	Deadline       *time.Time
	TTLMs          int64
	Hints          FeatureHints
	Ts             time.Time
}

// Features is the bounded-[0,1] feature vector computed for a request
// (spec §4.5 step 3). Sign convention: risk, cost, and social_risk
// count negatively in the salience score.
type Features struct {
	Urgency       float64 `json:"urgency"`
	Novelty       float64 `json:"novelty"`
	Value         float64 `json:"value"`
	Risk          float64 `json:"risk"`
	AffectArousal float64 `json:"affect_arousal"`
	Cost          float64 `json:"cost"`
	SocialRisk    float64 `json:"social_risk"`
}

// AsMap renders the feature vector as a snapshot safe for the audit
// trace: scalars only, no free text.
func (f Features) AsMap() map[string]float64 {
	return map[string]float64{
		"urgency":        f.Urgency,
		"novelty":        f.Novelty,
		"value":          f.Value,
		"risk":           f.Risk,
		"affect_arousal": f.AffectArousal,
		"cost":           f.Cost,
		"social_risk":    f.SocialRisk,
	}
}

// Decision is the gate's output for one request (spec §3.5).
type Decision struct {
	RequestID       string             `json:"request_id"`
	Action          Action             `json:"action"`
	Priority        float64            `json:"priority"`
	Reasons         []string           `json:"reasons"`
	DerivedIntents  []DerivedIntent    `json:"derived_intents"`
	Obligations     []string           `json:"obligations"`
	TTLMs           int64              `json:"ttl_ms,omitempty"`
	FeatureSnapshot map[string]float64 `json:"feature_snapshot"`
	Thresholds      map[string]float64 `json:"thresholds"`
	Ts              time.Time          `json:"ts"`
}
