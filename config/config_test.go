package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bdeggleston/accord/config"
	"github.com/bdeggleston/accord/txnid"
)

func TestDefaultProducesPositiveDurations(t *testing.T) {
	c := config.Default()

	assert.Positive(t, c.PreAcceptTimeout)
	assert.Positive(t, c.LocalExpiresAt)
	assert.Positive(t, c.AttemptCoordinationDelay)
	assert.Positive(t, c.SeekProgressDelay)
	assert.Positive(t, c.RetryAwaitTimeout)
	assert.Positive(t, c.CFKPruneInterval)
	assert.Positive(t, c.MaxConflictsPruneInterval)
	assert.Positive(t, c.CFKHlcPruneDelta)
	assert.Positive(t, c.MaxConflictsPruneInterval)
}

func TestDefaultOrdersTimeoutsByEscalation(t *testing.T) {
	c := config.Default()

	// Each successive recovery phase should wait at least as long as
	// the one before it escalating from "still coordinating" to
	// "seeking progress" to "give up and recover".
	assert.LessOrEqual(t, c.AttemptCoordinationDelay, c.SeekProgressDelay)
	assert.LessOrEqual(t, c.SeekProgressDelay, c.RetryAwaitTimeout)
}

func TestEmptySystemTxnEncodesKindAndDomain(t *testing.T) {
	txn := config.EmptySystemTxn(txnid.SyncPoint, txnid.DomainRange)
	assert.Equal(t, []byte{byte(txnid.SyncPoint), byte(txnid.DomainRange)}, txn)

	other := config.EmptySystemTxn(txnid.ExclusiveSyncPoint, txnid.DomainKey)
	assert.NotEqual(t, txn, other)
}
