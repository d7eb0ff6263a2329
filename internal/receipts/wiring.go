package receipts

import (
	"github.com/familyos/cogfabric/internal/gate"
)

// DecisionChainID is the conventional chain id for a space's gate
// decision receipts: one chain per space, so a space's decision
// history can be verified independently of any other space's.
func DecisionChainID(spaceID string) string {
	return "gate." + spaceID
}

// CommitChainID is the conventional chain id for one subscription's
// offset commit receipts.
func CommitChainID(topic, group string) string {
	return "commit." + topic + "." + group
}

// DecisionSubjectFromDecision projects a gate.Decision onto the
// fields a decision receipt attests to, leaving out the parts of the
// decision (feature snapshot, thresholds, full derived-intent list)
// that already live on the gate's own audit trace and would make the
// receipt a needless duplicate of it.
func DecisionSubjectFromDecision(d gate.Decision) DecisionSubject {
	return DecisionSubject{
		RequestID: d.RequestID,
		Action:    string(d.Action),
		Priority:  d.Priority,
		Reasons:   d.Reasons,
	}
}
