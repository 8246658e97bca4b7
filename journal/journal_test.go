package journal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/accord/journal"
	"github.com/bdeggleston/accord/txnid"
)

func TestMemJournalSaveAndLoadCommand(t *testing.T) {
	j := journal.NewMemJournal()
	id := txnid.New(1, 10, txnid.Write, txnid.DomainKey, 1)

	require.NoError(t, j.SaveCommand(id, []byte("record-v1")))

	got, ok, err := j.LoadCommand(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("record-v1"), got)
}

func TestMemJournalLoadCommandMissingReturnsNotOk(t *testing.T) {
	j := journal.NewMemJournal()
	id := txnid.New(1, 10, txnid.Write, txnid.DomainKey, 1)

	_, ok, err := j.LoadCommand(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemJournalSaveCommandOverwritesPriorRecord(t *testing.T) {
	j := journal.NewMemJournal()
	id := txnid.New(1, 10, txnid.Write, txnid.DomainKey, 1)

	require.NoError(t, j.SaveCommand(id, []byte("v1")))
	require.NoError(t, j.SaveCommand(id, []byte("v2")))

	got, ok, err := j.LoadCommand(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
}

func TestMemJournalSnapshotRoundTrip(t *testing.T) {
	j := journal.NewMemJournal()

	require.NoError(t, j.SaveSnapshot("RedundantBefore", []byte("snap-1")))

	got, ok, err := j.LoadSnapshot("RedundantBefore")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("snap-1"), got)

	_, ok, err = j.LoadSnapshot("DurableBefore")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemJournalSaveSnapshotRejectsEmptyName(t *testing.T) {
	j := journal.NewMemJournal()
	err := j.SaveSnapshot("", []byte("x"))
	assert.Error(t, err)
}

func TestMemJournalSyncCountsCalls(t *testing.T) {
	j := journal.NewMemJournal()
	assert.Equal(t, 0, j.SyncCount())

	require.NoError(t, j.Sync())
	require.NoError(t, j.Sync())
	assert.Equal(t, 2, j.SyncCount())
}

func TestMemJournalLoadedRecordIsIndependentCopy(t *testing.T) {
	j := journal.NewMemJournal()
	id := txnid.New(1, 10, txnid.Write, txnid.DomainKey, 1)
	original := []byte("immutable")
	require.NoError(t, j.SaveCommand(id, original))

	got, ok, err := j.LoadCommand(id)
	require.NoError(t, err)
	require.True(t, ok)
	got[0] = 'X' // mutating the returned slice must not corrupt the journal's copy

	got2, _, err := j.LoadCommand(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), got2)
}
