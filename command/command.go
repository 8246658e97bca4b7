// Package command implements the per-replica Command state machine of
// spec §3/§4.5: status lattice, ballots, participants, and the
// waiting_on dependency bitset driving Stable->Applied.
//
// Grounded on the teacher's per-instance state in bdeggleston-
// kickboxerdb (store.Instruction / consensus.Scope's instance status
// constants and the promised/accepted ballot fields threaded through
// scope_accept.go/scope_commit.go), generalized from the teacher's
// single-key EPaxos instance lattice to the full Accord phase/status
// lattice spec §4.5 requires, and from the teacher's plain int
// dependency slices to a RoaringBitmap waiting_on set (library
// grounded on AKJUS-bsc-erigon's use of RoaringBitmap for large sparse
// sets).
package command

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/bdeggleston/accord/deps"
	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/txnid"
)

// Status is a command's per-replica lifecycle state, spec §4.5.
type Status uint8

const (
	NotDefined Status = iota
	PreAccepted
	PreNotAccepted
	NotAccepted
	AcceptedInvalidate
	AcceptedMedium
	AcceptedSlow
	PreCommitted
	Committed
	Stable
	PreApplied
	Applied
	Truncated
	Invalidated
)

func (s Status) String() string {
	switch s {
	case NotDefined:
		return "NotDefined"
	case PreAccepted:
		return "PreAccepted"
	case PreNotAccepted:
		return "PreNotAccepted"
	case NotAccepted:
		return "NotAccepted"
	case AcceptedInvalidate:
		return "AcceptedInvalidate"
	case AcceptedMedium:
		return "AcceptedMedium"
	case AcceptedSlow:
		return "AcceptedSlow"
	case PreCommitted:
		return "PreCommitted"
	case Committed:
		return "Committed"
	case Stable:
		return "Stable"
	case PreApplied:
		return "PreApplied"
	case Applied:
		return "Applied"
	case Truncated:
		return "Truncated"
	case Invalidated:
		return "Invalidated"
	default:
		return "Unknown"
	}
}

// Phase groups Status values into the monotone partition spec §4.5 names.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhasePreAccept
	PhaseAccept
	PhaseCommit
	PhaseExecute
	PhasePersist
	PhaseCleanup
	PhaseInvalidate
)

// phaseRank and subRank together give every Status a total (phase, sub)
// position; Accept-phase substates share a sub-rank of 0 because their
// relative order is decided by ballot, not status, per spec §4.5 ("within
// the Accept phase, tie-breaks use ballot").
func (s Status) phaseRank() (Phase, int) {
	switch s {
	case NotDefined:
		return PhaseNone, 0
	case PreAccepted, PreNotAccepted, NotAccepted:
		return PhasePreAccept, 0
	case AcceptedInvalidate, AcceptedMedium, AcceptedSlow:
		return PhaseAccept, 0
	case PreCommitted:
		return PhaseCommit, 0
	case Committed:
		return PhaseCommit, 1
	case Stable:
		return PhaseExecute, 0
	case PreApplied:
		return PhasePersist, 0
	case Applied:
		return PhasePersist, 1
	case Truncated:
		return PhaseCleanup, 0
	case Invalidated:
		return PhaseInvalidate, 0
	default:
		return PhaseNone, 0
	}
}

func (s Status) Phase() Phase {
	p, _ := s.phaseRank()
	return p
}

// less reports whether s is strictly earlier in the lifecycle than o.
func (s Status) less(o Status) bool {
	sp, ss := s.phaseRank()
	op, os := o.phaseRank()
	if sp != op {
		return sp < op
	}
	return ss < os
}

// AcceptKind selects which Accepted* status an accept() call produces,
// spec §4.5 "accept(... kind ∈ {Medium, Slow, Invalidate})".
type AcceptKind uint8

const (
	AcceptMedium AcceptKind = iota
	AcceptSlow
	AcceptInvalidate
)

func (k AcceptKind) status() Status {
	switch k {
	case AcceptMedium:
		return AcceptedMedium
	case AcceptInvalidate:
		return AcceptedInvalidate
	default:
		return AcceptedSlow
	}
}

// Durability tracks how widely a command's outcome has been persisted,
// spec §3 "durability ∈ {NotDurable, Local, ShardUniversal,
// Majority(OrInvalidated), Universal(OrInvalidated)}".
type Durability uint8

const (
	NotDurable Durability = iota
	Local
	ShardUniversal
	Majority
	MajorityOrInvalidated
	UniversalDurability
	UniversalOrInvalidated
)

// StoreParticipants is the four-set participant view spec §3 describes:
// route (full if known), owns (owned in txnId.epoch), touches (union
// over all epochs seen), executes (owned in executeAt.epoch).
type StoreParticipants struct {
	Route   *keys.Route
	Owns    keys.Ranges
	Touches keys.Ranges
	Executes keys.Ranges
}

// supplement merges newly learned participant knowledge without
// regressing anything already known — spec §4.5 "incoming messages may
// supplement route/participants knowledge without changing status".
func (p *StoreParticipants) supplement(o StoreParticipants) {
	if p.Route == nil && o.Route != nil {
		route := *o.Route
		p.Route = &route
	}
	p.Owns = p.Owns.Union(o.Owns)
	p.Touches = p.Touches.Union(o.Touches)
	p.Executes = p.Executes.Union(o.Executes)
}

// WaitingOn is the bitset-over-deps plus per-key cursor spec §3 names:
// one bit per dependency, cleared as each is observed Applied (for
// managed keys) or Committed-with-earlier-executeAt (for direct TxnId
// deps); the command is runnable once the bitmap is empty.
type WaitingOn struct {
	order  []txnid.TxnId
	index  map[txnid.TxnId]uint32
	bitmap *roaring.Bitmap
	keyCursor int
}

// NewWaitingOn builds a waiting_on set over ids, every bit initially set
// (still waiting on all of them).
func NewWaitingOn(ids []txnid.TxnId) *WaitingOn {
	w := &WaitingOn{
		order:  append([]txnid.TxnId(nil), ids...),
		index:  make(map[txnid.TxnId]uint32, len(ids)),
		bitmap: roaring.New(),
	}
	for i, id := range w.order {
		w.index[id] = uint32(i)
		w.bitmap.Add(uint32(i))
	}
	return w
}

// Clear marks id satisfied. Returns true if it was a member and is now
// cleared (idempotent: clearing twice is a no-op returning false the
// second time).
func (w *WaitingOn) Clear(id txnid.TxnId) bool {
	i, ok := w.index[id]
	if !ok {
		return false
	}
	return w.bitmap.CheckedRemove(i)
}

// Done reports whether every dependency has been cleared — spec §4.5
// "apply(result) -> Applied once all waiting_on preconditions are
// satisfied".
func (w *WaitingOn) Done() bool {
	return w == nil || w.bitmap.IsEmpty()
}

func (w *WaitingOn) Remaining() []txnid.TxnId {
	if w == nil {
		return nil
	}
	out := make([]txnid.TxnId, 0, w.bitmap.GetCardinality())
	it := w.bitmap.Iterator()
	for it.HasNext() {
		out = append(out, w.order[it.Next()])
	}
	return out
}

// Command is one transaction's state as seen by a single replica.
type Command struct {
	Id             txnid.TxnId
	Status         Status
	PromisedBallot txnid.Ballot
	AcceptedBallot txnid.Ballot

	executeAt    txnid.Timestamp
	haveExecuteAt bool

	PartialDeps  deps.Deps
	Participants StoreParticipants
	WaitingOn    *WaitingOn
	Durability   Durability
	Result       []byte
}

// New returns an Uninitialised command for id, spec §3 "Lifecycle: a
// Command is created Uninitialised".
func New(id txnid.TxnId) *Command {
	return &Command{Id: id, Status: NotDefined}
}

func (c *Command) ExecuteAt() (txnid.Timestamp, bool) { return c.executeAt, c.haveExecuteAt }

// canAdvance implements spec §4.5's monotonicity rule: "every transition
// is idempotent for equal payloads and rejected (without changing
// state) for strictly lower phase/ballot".
func (c *Command) canAdvance(target Status, ballot txnid.Ballot) error {
	if c.Status.less(target) {
		return nil
	}
	if c.Status == target {
		return nil // idempotent re-delivery
	}
	if c.Status.Phase() == PhaseAccept && target.Phase() == PhaseAccept {
		if ballot.Compare(c.AcceptedBallot) > 0 {
			return nil
		}
	}
	return fmt.Errorf("command: %s cannot regress from %s to %s", c.Id, c.Status, target)
}

// PreAccept implements spec §4.5's preaccept transition. maxConflict is
// the highest conflicting TxnId this replica has witnessed among its
// owned keys (the coordinator/replica computes this via CommandsForKey
// before calling in); executeAt is therefore max(txnId, maxConflict+1)
// in the caller, not recomputed here, so Command stays free of a CFK
// dependency.
func (c *Command) PreAccept(executeAt txnid.Timestamp, localDeps deps.Deps, participants StoreParticipants) (fastPathVote bool, err error) {
	if err := c.canAdvance(PreAccepted, txnid.Ballot{}); err != nil {
		return false, err
	}
	c.Status = PreAccepted
	c.executeAt = executeAt
	c.haveExecuteAt = true
	c.PartialDeps = c.PartialDeps.Union(localDeps)
	c.Participants.supplement(participants)
	return executeAt.EqualToTxnId(c.Id), nil
}

// Accept implements spec §4.5's accept transition. Rejects with an error
// if ballot <= promised.
func (c *Command) Accept(ballot txnid.Ballot, executeAt txnid.Timestamp, proposedDeps deps.Deps, kind AcceptKind, newConflicts deps.Deps) error {
	if ballot.Compare(c.PromisedBallot) <= 0 && c.PromisedBallot != (txnid.Ballot{}) {
		return fmt.Errorf("command: %s accept ballot %s <= promised %s", c.Id, ballot, c.PromisedBallot)
	}
	target := kind.status()
	if err := c.canAdvance(target, ballot); err != nil {
		return err
	}
	c.Status = target
	c.PromisedBallot = ballot
	c.AcceptedBallot = ballot
	c.executeAt = executeAt
	c.haveExecuteAt = true
	c.PartialDeps = proposedDeps.Union(newConflicts)
	return nil
}

// PreCommit implements spec §4.5: executeAt becomes known without deps,
// enough to exclude this txn from later PreAccept deps computations but
// not to execute it (Open invariant v).
func (c *Command) PreCommit(executeAt txnid.Timestamp) error {
	if err := c.canAdvance(PreCommitted, txnid.Ballot{}); err != nil {
		return err
	}
	c.Status = PreCommitted
	c.executeAt = executeAt
	c.haveExecuteAt = true
	return nil
}

// Commit implements spec §4.5: executeAt and deps are fixed, though deps
// may still be incomplete for execution.
func (c *Command) Commit(executeAt txnid.Timestamp, d deps.Deps) error {
	if err := c.canAdvance(Committed, txnid.Ballot{}); err != nil {
		return err
	}
	c.Status = Committed
	c.executeAt = executeAt
	c.haveExecuteAt = true
	c.PartialDeps = d
	return nil
}

// Stable implements spec §4.5: waiting_on is computed by filtering deps
// against the ids already known retired (applied or committed-earlier)
// on managedKeys — the caller (the command store, which has access to
// CommandsForKey) does that filtering and passes the result as
// stillWaiting rather than having it computed here.
func (c *Command) Stable(executeAt txnid.Timestamp, d deps.Deps, stillWaiting []txnid.TxnId) error {
	if err := c.canAdvance(Stable, txnid.Ballot{}); err != nil {
		return err
	}
	c.Status = Stable
	c.executeAt = executeAt
	c.haveExecuteAt = true
	c.PartialDeps = d
	c.WaitingOn = NewWaitingOn(stillWaiting)
	return nil
}

// NoteDependencyApplied clears dep from waiting_on if present; returns
// true if this command is now runnable (every dependency cleared).
func (c *Command) NoteDependencyApplied(dep txnid.TxnId) bool {
	if c.WaitingOn != nil {
		c.WaitingOn.Clear(dep)
	}
	return c.ReadyToApply()
}

func (c *Command) ReadyToApply() bool {
	return c.Status == Stable && c.WaitingOn.Done()
}

// Apply implements spec §4.5: terminal success, result persisted.
func (c *Command) Apply(result []byte) error {
	if !c.ReadyToApply() {
		return fmt.Errorf("command: %s not ready to apply (status=%s)", c.Id, c.Status)
	}
	if err := c.canAdvance(Applied, txnid.Ballot{}); err != nil {
		return err
	}
	c.Status = Applied
	c.Result = result
	return nil
}

// Invalidate implements spec §4.5: terminal, the transaction never
// commits.
func (c *Command) Invalidate() error {
	if err := c.canAdvance(Invalidated, txnid.Ballot{}); err != nil {
		return err
	}
	c.Status = Invalidated
	return nil
}

// Truncate marks the command Truncated by the Cleanup decision table
// (spec §4.8); state content beyond status/durability is dropped by the
// caller (the command store), not here.
func (c *Command) Truncate() error {
	if err := c.canAdvance(Truncated, txnid.Ballot{}); err != nil {
		return err
	}
	c.Status = Truncated
	return nil
}

// Promise records a higher ballot observed without otherwise changing
// status, used by PreAccept/BeginRecovery rejection bookkeeping (spec
// §4.7 step 2: "promises ballot").
func (c *Command) Promise(ballot txnid.Ballot) error {
	if ballot.Compare(c.PromisedBallot) <= 0 && c.PromisedBallot != (txnid.Ballot{}) {
		return fmt.Errorf("command: %s cannot promise %s, already promised %s", c.Id, ballot, c.PromisedBallot)
	}
	c.PromisedBallot = ballot
	return nil
}
