package commandstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/accord/command"
	"github.com/bdeggleston/accord/commandstore"
	"github.com/bdeggleston/accord/deps"
	"github.com/bdeggleston/accord/journal"
	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/store"
	"github.com/bdeggleston/accord/txnid"
)

func newStore() *commandstore.Store {
	s, err := commandstore.New(journal.NewMemJournal(), store.NewMemStore())
	if err != nil {
		panic(err)
	}
	return s
}

func TestExecuteRunsOnStoreGoroutineAndReturnsError(t *testing.T) {
	s := newStore()
	defer s.Stop()

	err := s.Execute(context.Background(), func() error { return errors.New("boom") })
	assert.EqualError(t, err, "boom")
}

func TestExecuteReturnsNilOnSuccess(t *testing.T) {
	s := newStore()
	defer s.Stop()

	err := s.Execute(context.Background(), func() error { return nil })
	assert.NoError(t, err)
}

func TestCommandIsCreatedUninitialisedOnFirstReference(t *testing.T) {
	s := newStore()
	defer s.Stop()

	id := txnid.New(1, 1, txnid.Write, txnid.DomainKey, 1)
	var status command.Status
	err := s.Execute(context.Background(), func() error {
		status = s.Command(id).Status
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, command.NotDefined, status)
}

func TestCommandIsStableAcrossMultipleReferences(t *testing.T) {
	s := newStore()
	defer s.Stop()

	id := txnid.New(1, 1, txnid.Write, txnid.DomainKey, 1)
	err := s.Execute(context.Background(), func() error {
		c := s.Command(id)
		_, err := c.PreAccept(id.AsTimestamp(), deps.Empty, command.StoreParticipants{})
		return err
	})
	require.NoError(t, err)

	var status command.Status
	err = s.Execute(context.Background(), func() error {
		status = s.Command(id).Status
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, command.PreAccepted, status)
}

func TestReentrantSubmitFromWithinACallback(t *testing.T) {
	s := newStore()
	defer s.Stop()

	var wg sync.WaitGroup
	wg.Add(1)

	var ranInner bool
	var mu sync.Mutex

	err := s.Execute(context.Background(), func() error {
		s.Submit(func() {
			mu.Lock()
			ranInner = true
			mu.Unlock()
			wg.Done()
		})
		return nil
	})
	require.NoError(t, err)

	waitWithTimeout(t, &wg, time.Second)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, ranInner)
}

func TestCommandsForKeyIsCreatedOnFirstReference(t *testing.T) {
	s := newStore()
	defer s.Stop()

	err := s.Execute(context.Background(), func() error {
		idx := s.CommandsForKey(keys.Key("a"))
		assert.Equal(t, 0, idx.Len())
		return nil
	})
	require.NoError(t, err)
}

func TestSaveCommandPersistsThroughTheJournal(t *testing.T) {
	j := journal.NewMemJournal()
	s, err := commandstore.New(j, store.NewMemStore())
	require.NoError(t, err)
	defer s.Stop()

	id := txnid.New(1, 1, txnid.Write, txnid.DomainKey, 1)
	err = s.Execute(context.Background(), func() error {
		s.Command(id) // first reference, creates the record
		return s.SaveCommand(id, func(c *command.Command) []byte { return []byte(c.Status.String()) })
	})
	require.NoError(t, err)

	record, ok, err := j.LoadCommand(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("NotDefined"), record)
}

func TestExecuteContextCancelledBeforeCompletionReturnsContextError(t *testing.T) {
	s := newStore()
	defer s.Stop()

	block := make(chan struct{})
	defer close(block)

	// occupy the store's single goroutine so the next Execute can't run
	s.Submit(func() { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGCExpungesUniversallyDurableInvalidatedCommand(t *testing.T) {
	s := newStore()
	defer s.Stop()

	id := txnid.New(1, 1, txnid.Write, txnid.DomainKey, 1)
	bound := txnid.New(1, 100, txnid.Write, txnid.DomainKey, 1)

	err := s.Execute(context.Background(), func() error {
		c := s.Command(id)
		require.NoError(t, c.Invalidate())
		return s.AdvanceDurableBefore(bound, command.UniversalDurability)
	})
	require.NoError(t, err)

	var status command.Status
	err = s.Execute(context.Background(), func() error {
		truncated, removed := s.GC()
		assert.Equal(t, 0, truncated)
		assert.Equal(t, 1, removed)
		// the record is gone, so referencing id again creates a fresh one
		status = s.Command(id).Status
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, command.NotDefined, status)
}

func TestGCLeavesLiveCommandsUntouched(t *testing.T) {
	s := newStore()
	defer s.Stop()

	id := txnid.New(1, 1, txnid.Write, txnid.DomainKey, 1)
	err := s.Execute(context.Background(), func() error {
		s.Command(id)
		truncated, removed := s.GC()
		assert.Equal(t, 0, truncated)
		assert.Equal(t, 0, removed)
		return nil
	})
	require.NoError(t, err)

	err = s.Execute(context.Background(), func() error {
		assert.Equal(t, command.NotDefined, s.Command(id).Status)
		return nil
	})
	require.NoError(t, err)
}

func TestAdvanceWatermarksPersistAndSurviveRestart(t *testing.T) {
	j := journal.NewMemJournal()
	s, err := commandstore.New(j, store.NewMemStore())
	require.NoError(t, err)

	rg := keys.NewRange("a", "z")
	bound := txnid.New(1, 100, txnid.Write, txnid.DomainKey, 1)
	err = s.Execute(context.Background(), func() error {
		if err := s.AdvanceRedundantBefore(rg, txnid.TxnId{}, txnid.TxnId{}, txnid.TxnId{}, bound, false); err != nil {
			return err
		}
		return s.AdvanceDurableBefore(bound, command.UniversalDurability)
	})
	require.NoError(t, err)
	s.Stop()

	restarted, err := commandstore.New(j, store.NewMemStore())
	require.NoError(t, err)
	defer restarted.Stop()

	id := txnid.New(1, 1, txnid.Write, txnid.DomainKey, 1)
	err = restarted.Execute(context.Background(), func() error {
		c := restarted.Command(id)
		require.NoError(t, c.Invalidate())
		truncated, removed := restarted.GC()
		assert.Equal(t, 0, truncated)
		assert.Equal(t, 1, removed, "the restored watermarks should still be in effect after reopening the journal")
		return nil
	})
	require.NoError(t, err)
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for reentrant submit to run")
	}
}
