// Package receipts produces and verifies hashed, signed records of two
// kinds of committed fact: an Attention Gate decision and a delivery
// offset commit (spec §2 "Receipts & Audit"). A receipt is not the
// audit trace itself — the gate already publishes that on
// gate.decisions.audit — it is a tamper-evident ledger entry: each
// receipt's hash covers its own fields plus the previous receipt's
// hash, so an operator can detect a truncated or reordered ledger by
// recomputing the chain.
package receipts

import (
	"time"
)

// Kind identifies what a Receipt attests to.
type Kind string

const (
	KindDecision Kind = "DECISION"
	KindCommit   Kind = "COMMIT"
)

// Receipt is one chained, optionally signed ledger entry.
type Receipt struct {
	Kind      Kind           `json:"kind"`
	ChainID   string         `json:"chain_id"`
	Seq       uint64         `json:"seq"`
	Subject   map[string]any `json:"subject"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
	Signature string         `json:"signature,omitempty"`
	Ts        time.Time      `json:"ts"`
}

// DecisionSubject is the Subject shape for a KindDecision receipt,
// mirroring the fields of the gate's own audit trace (spec §4.5 step 7)
// without carrying raw payload text.
type DecisionSubject struct {
	RequestID string   `json:"request_id"`
	Action    string   `json:"action"`
	Priority  float64  `json:"priority"`
	Reasons   []string `json:"reasons"`
}

// CommitSubject is the Subject shape for a KindCommit receipt: a
// delivery subscription's offset commit (spec §4.4 Offset commit).
type CommitSubject struct {
	Topic   string `json:"topic"`
	Group   string `json:"group"`
	Offset  uint64 `json:"offset"`
	Segment uint32 `json:"segment"`
}
