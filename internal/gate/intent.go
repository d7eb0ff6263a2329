package gate

import (
	"regexp"
	"sort"
)

// Rule is one entry in the deterministic intent-derivation grammar
// (spec §4.5 step 2): a regex/keyword pattern mapped to a candidate
// intent and the confidence assigned on match.
type Rule struct {
	Name       string
	Pattern    *regexp.Regexp
	Intent     Intent
	Confidence float64
}

// DefaultSafeIntent is emitted when no rule matches, per spec §4.5:
// "Rules are total: if no rule matches, emit a safe default intent."
const (
	DefaultSafeIntent           = IntentHippoEncode
	DefaultSafeIntentConfidence = 0.6
)

// DefaultRules is the built-in rule set grounded on the teacher's
// router.go pattern of regex rules evaluated top to bottom. Every
// matching rule fires (multiple rules may fire for distinct intents on
// the same text); duplicates of the same intent keep the
// highest-confidence match, whatever the rule order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "schedule_reminder",
			Pattern:    regexp.MustCompile(`(?i)\b(remind me|reminder|schedule|don't forget)\b`),
			Intent:     IntentSchedule,
			Confidence: 0.85,
		},
		{
			Name:       "schedule_temporal_anchor",
			Pattern:    regexp.MustCompile(`(?i)\b(tomorrow|tonight|next week|at \d{1,2}(:\d{2})?\s*(am|pm)?)\b`),
			Intent:     IntentSchedule,
			Confidence: 0.7,
		},
		{
			Name:       "recall_query",
			Pattern:    regexp.MustCompile(`(?i)\b(what did|remember when|recall|do you remember|when was)\b`),
			Intent:     IntentRecall,
			Confidence: 0.8,
		},
		{
			Name:       "project_share",
			Pattern:    regexp.MustCompile(`(?i)\b(share (this|it) with|send to|project (this|it) (onto|to))\b`),
			Intent:     IntentProject,
			Confidence: 0.75,
		},
		{
			Name:       "explicit_write",
			Pattern:    regexp.MustCompile(`(?i)\b(note:|write down|jot down|save this)\b`),
			Intent:     IntentWrite,
			Confidence: 0.8,
		},
	}
}

// DeriveIntents applies rules to req, folding in any producer-declared
// intent at confidence 1.0, and falling back to the safe default when
// nothing matches. Derivation is rule-based only: there is no
// classifier hook, and only the closed-vocabulary intents named by the
// rules, a valid declared intent, or the safe default can appear.
func DeriveIntents(req Request, rules []Rule) []DerivedIntent {
	byIntent := make(map[Intent]float64)

	if req.DeclaredIntent != "" && req.DeclaredIntent.Valid() {
		byIntent[req.DeclaredIntent] = 1.0
	}

	for _, r := range rules {
		if !r.Pattern.MatchString(req.Text) {
			continue
		}
		if existing, ok := byIntent[r.Intent]; !ok || r.Confidence > existing {
			byIntent[r.Intent] = r.Confidence
		}
	}

	if len(byIntent) == 0 {
		byIntent[DefaultSafeIntent] = DefaultSafeIntentConfidence
	}

	out := make([]DerivedIntent, 0, len(byIntent))
	for intent, conf := range byIntent {
		out = append(out, DerivedIntent{Intent: intent, Confidence: conf})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Intent < out[j].Intent })
	return out
}

// DefaultIntentTopics maps each closed-vocabulary intent to the topic
// an ADMIT/BOOST decision publishes it on. SCHEDULE maps to
// "prospective.schedule" per the spec's worked example (§8 scenario 2).
func DefaultIntentTopics() map[Intent]string {
	return map[Intent]string{
		IntentHippoEncode: "hippo.encode",
		IntentSchedule:    "prospective.schedule",
		IntentRecall:      "recall.request",
		IntentProject:     "project.request",
		IntentWrite:       "hippo.write",
	}
}
