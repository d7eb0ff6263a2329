package receipts

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/familyos/cogfabric/internal/collab"
	"github.com/familyos/cogfabric/internal/envelope"
)

// genesisHash seeds every chain's first receipt: a chain-id must still
// hash-chain deterministically even before any receipt exists.
const genesisHash = "genesis"

// Chain issues and verifies a hash-chained, optionally signed sequence
// of receipts for one logical stream (e.g. one gate instance, or one
// subscription's offset commits). Chains are independent of each
// other; a Chain only ever appends.
type Chain struct {
	signer collab.Signer
	clock  func() time.Time

	mu    sync.Mutex
	heads map[string]chainHead
}

type chainHead struct {
	seq  uint64
	hash string
}

// New builds a Chain. signer may be collab.NoopSigner{} when no
// signing key is configured; receipts are still hash-chained either
// way.
func New(signer collab.Signer) *Chain {
	return &Chain{
		signer: signer,
		clock:  time.Now,
		heads:  make(map[string]chainHead),
	}
}

// WithClock overrides the chain's time source, for deterministic tests.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// IssueDecision appends a KindDecision receipt to chainID.
func (c *Chain) IssueDecision(chainID string, subject DecisionSubject) (Receipt, error) {
	m, err := toMap(subject)
	if err != nil {
		return Receipt{}, err
	}
	return c.issue(chainID, KindDecision, m)
}

// IssueCommit appends a KindCommit receipt to chainID.
func (c *Chain) IssueCommit(chainID string, subject CommitSubject) (Receipt, error) {
	m, err := toMap(subject)
	if err != nil {
		return Receipt{}, err
	}
	return c.issue(chainID, KindCommit, m)
}

func (c *Chain) issue(chainID string, kind Kind, subject map[string]any) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	head, ok := c.heads[chainID]
	if !ok {
		head = chainHead{seq: 0, hash: genesisHash}
	}

	r := Receipt{
		Kind:     kind,
		ChainID:  chainID,
		Seq:      head.seq + 1,
		Subject:  subject,
		PrevHash: head.hash,
		Ts:       c.clock().UTC(),
	}

	digest, err := digest(r)
	if err != nil {
		return Receipt{}, err
	}
	r.Hash = digest

	if c.signer != nil {
		sig, err := c.signer.Sign([]byte(digest))
		if err != nil {
			return Receipt{}, fmt.Errorf("receipts: sign: %w", err)
		}
		r.Signature = sig
	}

	c.heads[chainID] = chainHead{seq: r.Seq, hash: r.Hash}
	return r, nil
}

// Verify recomputes r's hash from its fields (and, if signer is
// non-nil and r carries a signature, checks the signature too). It
// does not check r's position in a chain — use VerifyChain for that.
func Verify(r Receipt, signer collab.Signer) (bool, error) {
	unsigned := r
	unsigned.Hash = ""
	unsigned.Signature = ""
	want, err := digest(unsigned)
	if err != nil {
		return false, err
	}
	if want != r.Hash {
		return false, nil
	}
	if r.Signature == "" {
		return true, nil
	}
	if signer == nil {
		return false, fmt.Errorf("receipts: receipt is signed but no signer was supplied to verify it")
	}
	return signer.Verify([]byte(r.Hash), r.Signature)
}

// VerifyChain checks that receipts form one unbroken, ascending,
// correctly hash-chained sequence for a single chain id: receipts[0]
// must chain from genesisHash, each subsequent receipt must chain from
// the previous one's hash, and every individual receipt must pass
// Verify.
func VerifyChain(receiptsInOrder []Receipt, signer collab.Signer) error {
	prevHash := genesisHash
	var prevSeq uint64
	for i, r := range receiptsInOrder {
		if r.PrevHash != prevHash {
			return fmt.Errorf("receipts: chain broken at index %d: prev_hash %q != expected %q", i, r.PrevHash, prevHash)
		}
		if i > 0 && r.Seq != prevSeq+1 {
			return fmt.Errorf("receipts: chain broken at index %d: seq %d does not follow %d", i, r.Seq, prevSeq)
		}
		ok, err := Verify(r, signer)
		if err != nil {
			return fmt.Errorf("receipts: verify index %d: %w", i, err)
		}
		if !ok {
			return fmt.Errorf("receipts: hash/signature mismatch at index %d", i)
		}
		prevHash = r.Hash
		prevSeq = r.Seq
	}
	return nil
}

func digest(r Receipt) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("receipts: marshal: %w", err)
	}
	sum, err := envelope.HashPayload(raw)
	if err != nil {
		return "", fmt.Errorf("receipts: hash: %w", err)
	}
	return sum, nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("receipts: marshal subject: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("receipts: unmarshal subject: %w", err)
	}
	return m, nil
}
