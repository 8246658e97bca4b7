// Package cfk implements CommandsForKey (spec §3/§4.9): the per-routing-key
// sorted summary of transactions a replica uses to compute PreAccept
// dependencies, advance execution, and prune state behind the
// redundant-before watermark.
//
// Grounded on the teacher's per-Scope bookkeeping (bdeggleston-
// kickboxerdb/src/consensus/scope.go: instances/inProgress/committed
// InstanceMaps, getCurrentDepsUnsafe), generalized from "everything in
// this scope" to a real sorted index keyed by TxnId with conflict-kind
// filtering, backed by github.com/google/btree for the sorted order
// spec §3 calls for ("a sorted array of (TxnId, SummaryStatus) entries").
package cfk

import (
	"github.com/google/btree"

	"github.com/bdeggleston/accord/txnid"
)

// SummaryStatus is CommandsForKey's coarse view of a command's lifecycle —
// coarser than command.Status because CFK only needs to know enough to
// answer "does this conflict and is it ordered before me" and "can I drop
// this entry yet", not the full per-replica phase/ballot detail.
type SummaryStatus uint8

const (
	NotWitnessed SummaryStatus = iota
	PreAccepted
	Accepted
	Committed
	Stable
	Applied
	Invalidated
)

func (s SummaryStatus) IsDecided() bool { return s >= Committed }

// entry is one row of the sorted index.
type entry struct {
	id     txnid.TxnId
	status SummaryStatus
	kind   txnid.Kind
}

func (e *entry) Less(than btree.Item) bool {
	return e.id.Less(than.(*entry).id)
}

// CommandsForKey is the per-routing-key index.
type CommandsForKey struct {
	tree *btree.BTree

	// executeCursor is the id of the last entry known Applied, in id
	// order; everything at or before it that is Applied has already had
	// its dependents' waiting_on counters decremented.
	executeCursor txnid.TxnId
	haveCursor    bool

	// pruneWatermark: entries with id.Less(pruneWatermark) may be dropped
	// once their status is decided, per spec §4.9 "prune: when
	// redundantBefore advances, drop entries below the watermark".
	pruneWatermark txnid.TxnId
	havePrune      bool

	// exclusiveBarrier is the highest-id ExclusiveSyncPoint witnessed at
	// this key so far. Per the ExclusiveSyncPoint barrier (spec §4.9/
	// glossary): once witnessed, a transaction arriving afterward with an
	// earlier TxnId must not be newly admitted at this key.
	exclusiveBarrier txnid.TxnId
	haveBarrier      bool
}

const btreeDegree = 32

func New() *CommandsForKey {
	return &CommandsForKey{tree: btree.New(btreeDegree)}
}

// Add inserts a fresh entry, or is a no-op if id is already present —
// callers that want to change an existing entry's status must use Update.
// Reports false without inserting if id is barred by an already-witnessed
// ExclusiveSyncPoint (see admitsNewEntry).
func (c *CommandsForKey) Add(id txnid.TxnId, status SummaryStatus, kind txnid.Kind) bool {
	key := &entry{id: id}
	if c.tree.Get(key) != nil {
		return true
	}
	if !c.admitsNewEntry(id) {
		return false
	}
	c.tree.ReplaceOrInsert(&entry{id: id, status: status, kind: kind})
	c.witnessBarrier(id, kind)
	return true
}

// Update changes the status of an existing entry, inserting it if absent.
// Per spec §4.5 ("status is monotone"), a status downgrade is rejected.
// Reports false without inserting if id is a new entry barred by an
// already-witnessed ExclusiveSyncPoint.
func (c *CommandsForKey) Update(id txnid.TxnId, status SummaryStatus, kind txnid.Kind) bool {
	key := &entry{id: id}
	if existing := c.tree.Get(key); existing != nil {
		e := existing.(*entry)
		if status < e.status {
			return true
		}
		e.status = status
		e.kind = kind
		return true
	}
	if !c.admitsNewEntry(id) {
		return false
	}
	c.tree.ReplaceOrInsert(&entry{id: id, status: status, kind: kind})
	c.witnessBarrier(id, kind)
	return true
}

// admitsNewEntry enforces the ExclusiveSyncPoint barrier: once an
// ExclusiveSyncPoint has been witnessed at this key, a later-arriving
// transaction (one witnessed afterward, i.e. now) whose TxnId is less
// than the barrier's must be refused rather than newly admitted.
func (c *CommandsForKey) admitsNewEntry(id txnid.TxnId) bool {
	return !c.haveBarrier || !id.Less(c.exclusiveBarrier)
}

func (c *CommandsForKey) witnessBarrier(id txnid.TxnId, kind txnid.Kind) {
	if kind != txnid.ExclusiveSyncPoint {
		return
	}
	if !c.haveBarrier || c.exclusiveBarrier.Less(id) {
		c.exclusiveBarrier = id
		c.haveBarrier = true
	}
}

// Remove drops the entry for id entirely (used by pruning, or by Cleanup
// erasure — spec §4.8).
func (c *CommandsForKey) Remove(id txnid.TxnId) {
	c.tree.Delete(&entry{id: id})
}

func (c *CommandsForKey) Status(id txnid.TxnId) (SummaryStatus, bool) {
	item := c.tree.Get(&entry{id: id})
	if item == nil {
		return NotWitnessed, false
	}
	return item.(*entry).status, true
}

func (c *CommandsForKey) Len() int { return c.tree.Len() }

// DepsBefore returns every TxnId strictly less than t on this key whose
// kind conflicts with kind, per spec §4.9 — used by the coordinator/
// replica at PreAccept time to compute localDeps.
func (c *CommandsForKey) DepsBefore(t txnid.TxnId, kind txnid.Kind) []txnid.TxnId {
	var out []txnid.TxnId
	c.tree.AscendLessThan(&entry{id: t}, func(item btree.Item) bool {
		e := item.(*entry)
		if kind.Conflicts(e.kind) {
			out = append(out, e.id)
		}
		return true
	})
	return out
}

// AdvanceExecution marks id Applied, moves the execute cursor up to id,
// and reports every entry ordered after id on this key that is already
// Committed-or-later. It does not check whether a reported entry still
// waits on anything other than id, on this key or elsewhere in its
// dependency set (spec §4.9 "when a dep becomes Applied, decrement the
// waiting_on counters of successors").
func (c *CommandsForKey) AdvanceExecution(id txnid.TxnId) []txnid.TxnId {
	c.Update(id, Applied, 0)
	if !c.haveCursor || c.executeCursor.Less(id) {
		c.executeCursor = id
		c.haveCursor = true
	}

	var unblocked []txnid.TxnId
	c.tree.AscendGreaterOrEqual(&entry{id: id}, func(item btree.Item) bool {
		e := item.(*entry)
		if e.id.Equal(id) {
			return true
		}
		if e.status >= Committed {
			unblocked = append(unblocked, e.id)
		}
		return true
	})
	return unblocked
}

// SetPruneWatermark records the current redundant-before cutoff for this
// key. Prune then drops every decided entry below it, per spec §4.9.
// Pending SyncPoints are preserved: if one exists below the watermark and
// still undecided, a synthetic future-dep entry is kept so ordering
// against it is not lost (modeled as simply refusing to prune an
// undecided entry, which already preserves its ordering relative to
// everything added after it).
func (c *CommandsForKey) SetPruneWatermark(t txnid.TxnId) {
	c.pruneWatermark = t
	c.havePrune = true
}

// Prune drops every decided entry strictly below the watermark set by
// SetPruneWatermark.
func (c *CommandsForKey) Prune() int {
	if !c.havePrune {
		return 0
	}
	var toRemove []txnid.TxnId
	c.tree.AscendLessThan(&entry{id: c.pruneWatermark}, func(item btree.Item) bool {
		e := item.(*entry)
		if e.status.IsDecided() {
			toRemove = append(toRemove, e.id)
		}
		return true
	})
	for _, id := range toRemove {
		c.tree.Delete(&entry{id: id})
	}
	return len(toRemove)
}

// All returns every entry's id in ascending order, for tests/debugging.
func (c *CommandsForKey) All() []txnid.TxnId {
	out := make([]txnid.TxnId, 0, c.tree.Len())
	c.tree.Ascend(func(item btree.Item) bool {
		out = append(out, item.(*entry).id)
		return true
	})
	return out
}
