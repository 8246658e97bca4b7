// Package commandstore implements spec §5's "per-CommandStore
// single-threaded cooperative execution": one CommandStore owns a
// disjoint slice of keyspace, and every Command/CommandsForKey
// mutation for that slice happens on a single goroutine, reached only
// through Execute so two callers never race over the same record. It
// also runs spec §4.8's Cleanup pass over the records it owns, using
// the RedundantBefore/DurableBefore watermarks persisted through its
// Journal.
//
// Grounded on the teacher's per-Scope single-goroutine discipline
// (bdeggleston-kickboxerdb/src/consensus/scope.go's `cmdLock`/`lock`
// mutex guarding all instance-map access for one Scope), generalized
// from a mutex-guarded critical section to an actor task queue so a
// task can itself submit follow-up tasks (spec §4.13 "execute(ctx, fn)
// submission re-entering the queue from callbacks") without
// deadlocking on its own lock — the failure mode a plain mutex has
// here. The queue itself is an unbounded slice-backed queue guarded by
// a condition variable rather than a fixed-size channel, since a
// command store must never block a caller trying to submit more work.
package commandstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/bdeggleston/accord/cfk"
	"github.com/bdeggleston/accord/cleanup"
	"github.com/bdeggleston/accord/command"
	"github.com/bdeggleston/accord/journal"
	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/store"
	"github.com/bdeggleston/accord/txnid"
)

// Snapshot names under which the GC watermarks are journaled, spec §5
// "Persistent state ... RedundantBefore, DurableBefore ... as map
// snapshots".
const (
	redundantBeforeSnapshot = "redundant_before"
	durableBeforeSnapshot   = "durable_before"
)

// Store owns the Command records and CommandsForKey indexes for one
// contiguous slice of keyspace, executing every mutation on its own
// goroutine.
type Store struct {
	Journal journal.Journal
	Data    store.Store

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	commands map[txnid.TxnId]*command.Command
	cfks     map[keys.Key]*cfk.CommandsForKey

	redundantBefore cleanup.RedundantBefore
	durableBefore   cleanup.DurableBefore
}

// New builds a Store and starts its draining goroutine, restoring the
// GC watermarks from j's snapshots if any were saved by a prior run.
func New(j journal.Journal, d store.Store) (*Store, error) {
	s := &Store{
		Journal:  j,
		Data:     d,
		commands: make(map[txnid.TxnId]*command.Command),
		cfks:     make(map[keys.Key]*cfk.CommandsForKey),
	}
	s.cond = sync.NewCond(&s.mu)

	if record, ok, err := j.LoadSnapshot(redundantBeforeSnapshot); err != nil {
		return nil, fmt.Errorf("commandstore: load %s: %w", redundantBeforeSnapshot, err)
	} else if ok {
		if err := gob.NewDecoder(bytes.NewReader(record)).Decode(&s.redundantBefore); err != nil {
			return nil, fmt.Errorf("commandstore: decode %s: %w", redundantBeforeSnapshot, err)
		}
	}
	if record, ok, err := j.LoadSnapshot(durableBeforeSnapshot); err != nil {
		return nil, fmt.Errorf("commandstore: load %s: %w", durableBeforeSnapshot, err)
	} else if ok {
		if err := gob.NewDecoder(bytes.NewReader(record)).Decode(&s.durableBefore); err != nil {
			return nil, fmt.Errorf("commandstore: decode %s: %w", durableBeforeSnapshot, err)
		}
	}

	go s.loop()
	return s, nil
}

// Submit enqueues fn to run on the store's goroutine without waiting
// for it to complete — used by a running task (spec §4.13's
// re-entrant submission) so it never blocks on its own queue.
func (s *Store) Submit(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, fn)
	s.cond.Signal()
}

// Execute submits fn and blocks until it completes, returning its
// error or ctx's error if ctx is cancelled first (fn still runs to
// completion on the store's goroutine either way; the caller simply
// stops waiting for it).
func (s *Store) Execute(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	s.Submit(func() { done <- fn() })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) loop() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		fn()
	}
}

// Stop drains the remaining queue and halts the goroutine; it does not
// cancel in-flight or already-queued work.
func (s *Store) Stop() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Command returns the record for id, creating an Uninitialised one on
// first reference (spec §3 "Lifecycle: a Command is created
// Uninitialised"). Must only be called from within an Execute/Submit
// callback.
func (s *Store) Command(id txnid.TxnId) *command.Command {
	c, ok := s.commands[id]
	if !ok {
		c = command.New(id)
		s.commands[id] = c
	}
	return c
}

// CommandsForKey returns the per-key index for k, creating an empty
// one on first reference. Must only be called from within an
// Execute/Submit callback.
func (s *Store) CommandsForKey(k keys.Key) *cfk.CommandsForKey {
	c, ok := s.cfks[k]
	if !ok {
		c = cfk.New()
		s.cfks[k] = c
	}
	return c
}

// AdvanceRedundantBefore folds a new watermark for rg into the store's
// RedundantBefore and journals the result, spec §4.8's GC watermark
// maintenance. Must only be called from within an Execute/Submit
// callback.
func (s *Store) AdvanceRedundantBefore(rg keys.Range, bootstrappedAt, locallyRedundantBefore, shardRedundantBefore, gcBeforeBound txnid.TxnId, retired bool) error {
	s.redundantBefore.Advance(rg, bootstrappedAt, locallyRedundantBefore, shardRedundantBefore, gcBeforeBound, retired)
	return s.saveSnapshot(redundantBeforeSnapshot, s.redundantBefore)
}

// AdvanceDurableBefore folds a new durability bound into the store's
// DurableBefore and journals the result, spec §4.8's GC watermark
// maintenance. Must only be called from within an Execute/Submit
// callback.
func (s *Store) AdvanceDurableBefore(bound txnid.TxnId, level command.Durability) error {
	s.durableBefore.Advance(bound, level)
	return s.saveSnapshot(durableBeforeSnapshot, s.durableBefore)
}

func (s *Store) saveSnapshot(name string, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("commandstore: encode %s: %w", name, err)
	}
	return s.Journal.SaveSnapshot(name, buf.Bytes())
}

// GC runs one spec §4.8 Cleanup pass over every Command this store
// holds, against its current RedundantBefore/DurableBefore watermarks,
// and applies the resulting decision: EXPUNGE/EXPUNGE_PARTIAL drop the
// record outright, any flavor of TRUNCATE/ERASE marks it Truncated
// (command.Command.Truncate documents that dropping its payload beyond
// status/durability is the store's job, which is exactly what deleting
// it from commands below a terminal Truncate status does not need to
// do again), and INVALIDATE marks it Invalidated. NO and VESTIGIAL
// leave the record untouched. Must only be called from within an
// Execute/Submit callback. Returns the number of records truncated
// (TRUNCATE, TRUNCATE_WITH_OUTCOME and ERASE all count here) and the
// number expunged, for callers that want to log progress.
func (s *Store) GC() (truncated, removed int) {
	for id, c := range s.commands {
		in := cleanup.Input{
			TxnId:           id,
			SaveStatus:      c.Status,
			Durability:      c.Durability,
			Participants:    c.Participants,
			RedundantBefore: s.redundantBefore,
			DurableBefore:   s.durableBefore,
		}
		switch cleanup.Decide(in) {
		case cleanup.NO, cleanup.VESTIGIAL:
			// nothing to discard yet
		case cleanup.INVALIDATE:
			_ = c.Invalidate()
		case cleanup.TRUNCATE, cleanup.TRUNCATE_WITH_OUTCOME, cleanup.ERASE:
			_ = c.Truncate()
			truncated++
		case cleanup.EXPUNGE, cleanup.EXPUNGE_PARTIAL:
			delete(s.commands, id)
			removed++
		}
	}
	return truncated, removed
}

// SaveCommand runs a Cleanup pass (spec §4.8) before persisting id's
// current record through the journal, the explicit save half of spec
// §5's "per-store journal entries for Command save/load" — the save
// path is every command's most frequent visit to the store, which
// makes it the natural place to apply watermark-driven GC without a
// separate timer. encode is supplied by the caller so this package
// never needs its own Command wire format.
func (s *Store) SaveCommand(id txnid.TxnId, encode func(*command.Command) []byte) error {
	s.GC()
	c, ok := s.commands[id]
	if !ok {
		return nil
	}
	return s.Journal.SaveCommand(id, encode(c))
}
