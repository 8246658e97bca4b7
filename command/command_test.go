package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/accord/deps"
	"github.com/bdeggleston/accord/txnid"
)

func newId(hlc uint64, node txnid.NodeId) txnid.TxnId {
	return txnid.New(1, hlc, txnid.Write, txnid.DomainKey, node)
}

func TestPreAcceptFastPathVoteWhenExecuteAtEqualsTxnId(t *testing.T) {
	id := newId(10, 1)
	c := New(id)

	vote, err := c.PreAccept(id.AsTimestamp(), deps.Empty, StoreParticipants{})
	require.NoError(t, err)
	assert.True(t, vote)
	assert.Equal(t, PreAccepted, c.Status)
}

func TestPreAcceptSlowVoteWhenExecuteAtAdvanced(t *testing.T) {
	id := newId(10, 1)
	c := New(id)
	later := txnid.NewTimestamp(1, 11, txnid.Write, txnid.DomainKey, 1)

	vote, err := c.PreAccept(later, deps.Empty, StoreParticipants{})
	require.NoError(t, err)
	assert.False(t, vote)
}

func TestStatusMonotoneRejectsRegression(t *testing.T) {
	id := newId(10, 1)
	c := New(id)
	_, err := c.PreAccept(id.AsTimestamp(), deps.Empty, StoreParticipants{})
	require.NoError(t, err)

	require.NoError(t, c.PreCommit(id.AsTimestamp()))
	require.NoError(t, c.Commit(id.AsTimestamp(), deps.Empty))

	// re-delivery of an earlier phase must not regress status.
	_, err = c.PreAccept(id.AsTimestamp(), deps.Empty, StoreParticipants{})
	assert.Error(t, err)
	assert.Equal(t, Committed, c.Status)
}

func TestAcceptRejectsStaleBallot(t *testing.T) {
	id := newId(10, 1)
	c := New(id)
	high := txnid.NewBallot(1, 5, txnid.DomainKey, 1)
	low := txnid.NewBallot(1, 1, txnid.DomainKey, 1)

	require.NoError(t, c.Accept(high, id.AsTimestamp(), deps.Empty, AcceptMedium, deps.Empty))
	err := c.Accept(low, id.AsTimestamp(), deps.Empty, AcceptSlow, deps.Empty)
	assert.Error(t, err)
}

func TestStableThenApplyRequiresWaitingOnDrained(t *testing.T) {
	id := newId(10, 1)
	dep := newId(5, 1)
	c := New(id)

	require.NoError(t, c.Commit(id.AsTimestamp(), deps.New(dep)))
	require.NoError(t, c.Stable(id.AsTimestamp(), deps.New(dep), []txnid.TxnId{dep}))

	err := c.Apply(nil)
	assert.Error(t, err, "must not apply while waiting_on is non-empty")

	ready := c.NoteDependencyApplied(dep)
	assert.True(t, ready)
	require.NoError(t, c.Apply([]byte("ok")))
	assert.Equal(t, Applied, c.Status)
}

func TestInvalidateIsTerminal(t *testing.T) {
	id := newId(10, 1)
	c := New(id)
	require.NoError(t, c.Invalidate())
	assert.Equal(t, Invalidated, c.Status)
}

func TestWaitingOnClearIsIdempotent(t *testing.T) {
	a := newId(1, 1)
	b := newId(2, 1)
	w := NewWaitingOn([]txnid.TxnId{a, b})

	assert.True(t, w.Clear(a))
	assert.False(t, w.Clear(a))
	assert.False(t, w.Done())
	assert.True(t, w.Clear(b))
	assert.True(t, w.Done())
}

func TestStoreParticipantsSupplementDoesNotRegress(t *testing.T) {
	p := StoreParticipants{}
	p.supplement(StoreParticipants{})
	assert.Nil(t, p.Route)
}
