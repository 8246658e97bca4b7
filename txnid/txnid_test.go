package txnid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTxnIdTotalOrderByEpoch(t *testing.T) {
	a := New(1, 100, Write, DomainKey, 1)
	b := New(2, 0, Write, DomainKey, 1)
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestTxnIdTotalOrderByHLC(t *testing.T) {
	a := New(1, 100, Write, DomainKey, 1)
	b := New(1, 200, Write, DomainKey, 1)
	assert.True(t, a.Less(b))
}

func TestTxnIdTiebreakByNode(t *testing.T) {
	a := New(1, 100, Write, DomainKey, 1)
	b := New(1, 100, Write, DomainKey, 2)
	assert.True(t, a.Less(b))
	assert.False(t, a.Equal(b))
}

func TestTxnIdAsTimestampEqualToTxnId(t *testing.T) {
	id := New(1, 100, Write, DomainKey, 7)
	ts := id.AsTimestamp()
	assert.True(t, ts.EqualToTxnId(id))

	bumped := NewTimestamp(1, 101, Write, DomainKey, 7)
	assert.False(t, bumped.EqualToTxnId(id))
}

func TestKindConflicts(t *testing.T) {
	assert.True(t, Write.Conflicts(Write))
	assert.True(t, Write.Conflicts(Read))
	assert.True(t, Read.Conflicts(Write))
	assert.False(t, Read.Conflicts(Read))
	assert.True(t, SyncPoint.Conflicts(Read))
	assert.True(t, Read.Conflicts(ExclusiveSyncPoint))
}

func TestTimestampMaxBreaksTiesDeterministically(t *testing.T) {
	a := NewTimestamp(1, 100, Write, DomainKey, 1)
	b := NewTimestamp(1, 100, Write, DomainKey, 2)
	m := Max(a, b)
	assert.True(t, m.Equal(b))
}

func TestBallotNextStrictlyGreater(t *testing.T) {
	b := NewBallot(1, 3, DomainKey, 5)
	n := b.Next(9)
	assert.True(t, b.Less(n))
	assert.Equal(t, NodeId(9), n.Node)
	assert.Equal(t, uint32(4), n.Counter)
}

func TestZeroBallotIsSmallest(t *testing.T) {
	b := NewBallot(0, 1, DomainKey, 1)
	assert.True(t, ZeroBallot.Less(b))
}
