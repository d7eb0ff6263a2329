package receipts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyos/cogfabric/internal/collab"
)

func TestChain_IssueDecision_ChainsAndVerifies(t *testing.T) {
	c := New(collab.NoopSigner{})
	base := time.UnixMilli(1_700_000_000_000)
	c.WithClock(func() time.Time { return base })

	r1, err := c.IssueDecision("gate.personal:alice", DecisionSubject{RequestID: "req-1", Action: "ADMIT", Priority: 0.7})
	require.NoError(t, err)
	r2, err := c.IssueDecision("gate.personal:alice", DecisionSubject{RequestID: "req-2", Action: "DROP", Priority: 0.1})
	require.NoError(t, err)

	assert.Equal(t, genesisHash, r1.PrevHash)
	assert.Equal(t, r1.Hash, r2.PrevHash)
	assert.Equal(t, r1.Seq+1, r2.Seq)

	assert.NoError(t, VerifyChain([]Receipt{r1, r2}, collab.NoopSigner{}))
}

func TestChain_IndependentChainsDoNotInterleave(t *testing.T) {
	c := New(collab.NoopSigner{})
	a1, err := c.IssueDecision("gate.a", DecisionSubject{RequestID: "a-1", Action: "ADMIT"})
	require.NoError(t, err)
	b1, err := c.IssueDecision("gate.b", DecisionSubject{RequestID: "b-1", Action: "ADMIT"})
	require.NoError(t, err)

	assert.EqualValues(t, 1, a1.Seq)
	assert.EqualValues(t, 1, b1.Seq)
	assert.Equal(t, genesisHash, a1.PrevHash)
	assert.Equal(t, genesisHash, b1.PrevHash)
}

func TestVerifyChain_DetectsTamperedSubject(t *testing.T) {
	c := New(collab.NoopSigner{})
	r1, err := c.IssueDecision("gate.x", DecisionSubject{RequestID: "req-1", Action: "ADMIT", Priority: 0.5})
	require.NoError(t, err)

	tampered := r1
	tampered.Subject = map[string]any{"request_id": "req-1", "action": "ADMIT", "priority": 0.99}

	assert.Error(t, VerifyChain([]Receipt{tampered}, collab.NoopSigner{}))
}

func TestVerifyChain_DetectsBrokenLink(t *testing.T) {
	c := New(collab.NoopSigner{})
	r1, err := c.IssueDecision("gate.y", DecisionSubject{RequestID: "req-1", Action: "ADMIT"})
	require.NoError(t, err)
	r2, err := c.IssueDecision("gate.y", DecisionSubject{RequestID: "req-2", Action: "ADMIT"})
	require.NoError(t, err)
	r2.PrevHash = "not-the-right-hash"

	assert.Error(t, VerifyChain([]Receipt{r1, r2}, collab.NoopSigner{}))
}

func TestIssueCommit(t *testing.T) {
	c := New(collab.NoopSigner{})
	r, err := c.IssueCommit("commit.hippo.encode.recall", CommitSubject{Topic: "hippo.encode", Group: "recall", Offset: 42, Segment: 0})
	require.NoError(t, err)

	assert.Equal(t, KindCommit, r.Kind)
	assert.Equal(t, float64(42), r.Subject["offset"])
}

type fakeSigner struct{}

func (fakeSigner) Sign(data []byte) (string, error) { return "sig:" + string(data), nil }
func (fakeSigner) Verify(data []byte, signature string) (bool, error) {
	return signature == "sig:"+string(data), nil
}

func TestChain_SignedReceiptVerifies(t *testing.T) {
	c := New(fakeSigner{})
	r, err := c.IssueDecision("gate.signed", DecisionSubject{RequestID: "req-1", Action: "ADMIT"})
	require.NoError(t, err)
	require.NotEmpty(t, r.Signature)

	ok, err := Verify(r, fakeSigner{})
	require.NoError(t, err)
	assert.True(t, ok)

	tampered := r
	tampered.Signature = "sig:wrong"
	ok, err = Verify(tampered, fakeSigner{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_AppendAndLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(dir)
	require.NoError(t, err)
	defer s.Close()

	c := New(collab.NoopSigner{})
	r1, err := c.IssueDecision("gate.z", DecisionSubject{RequestID: "req-1", Action: "ADMIT"})
	require.NoError(t, err)
	r2, err := c.IssueDecision("gate.z", DecisionSubject{RequestID: "req-2", Action: "BOOST"})
	require.NoError(t, err)

	require.NoError(t, s.Append(r1))
	require.NoError(t, s.Append(r2))

	loaded, err := s.Load("gate.z")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.NoError(t, VerifyChain(loaded, collab.NoopSigner{}))
}

func TestStore_LoadMissingChainReturnsEmpty(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	loaded, err := s.Load("never-written")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
