// Package recovery implements the takeover coordinator of spec §4.7:
// invoked by the ProgressLog when a transaction is stuck, it seizes a
// fresh ballot, gathers replies into a LatestDeps map, and drives the
// transaction to a deterministic outcome.
//
// Grounded on the teacher's manager_prepare.go almost line-for-line
// (bdeggleston-kickboxerdb's managerPrepareInstance/
// managerPrepareApply/managerDeferToSuccessor, the richest single file
// in the teacher for this subsystem), adapted from single-ballot/
// single-key recovery to LatestDeps-merge recovery over a topology
// selection. Retry/backoff between recovery attempts is grounded on
// AKJUS-bsc-erigon's use of github.com/cenkalti/backoff/v4, replacing
// the teacher's BALLOT_FAILURE_WAIT_TIME constant arithmetic.
package recovery

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bdeggleston/accord/command"
	"github.com/bdeggleston/accord/deps"
	"github.com/bdeggleston/accord/errs"
	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/message"
	"github.com/bdeggleston/accord/topology"
	"github.com/bdeggleston/accord/txnid"
)

// Transport is the subset of coordinator.Transport recovery needs, kept
// separate so this package does not import coordinator.
type Transport interface {
	SendBeginRecovery(ctx context.Context, node txnid.NodeId, req message.BeginRecoveryRequest) (message.BeginRecoveryReply, error)
	SendCommit(ctx context.Context, node txnid.NodeId, req message.CommitRequest) (message.CommitReply, error)
	SendAccept(ctx context.Context, node txnid.NodeId, req message.AcceptRequest) (message.AcceptReply, error)
}

// statusRank maps a command.Status onto the deps.PhaseRank total order
// LatestDepsEntry.Merge compares on, per spec §4.7 step 3.
func statusRank(s command.Status) deps.PhaseRank {
	switch {
	case s >= command.Applied:
		return deps.PhaseDepsKnown
	case s >= command.Stable, s == command.Committed:
		return deps.PhaseDepsCommitted
	case s == command.PreCommitted:
		return deps.PhaseDepsProposedFixed
	case s.Phase() == command.PhaseAccept:
		return deps.PhaseDepsProposed
	case s == command.PreAccepted:
		return deps.PhaseDepsUnknown
	default:
		return deps.PhaseNone
	}
}

// Outcome is what a recovery attempt decided for the transaction.
type Outcome struct {
	Applied     bool
	Invalidated bool
	Committed   bool
	ExecuteAt   txnid.Timestamp
	Deps        deps.Deps
	FastPath    bool
}

// Coordinator drives one recovery attempt for a stuck transaction.
type Coordinator struct {
	Self      txnid.NodeId
	Transport Transport
	Backoff   backoff.BackOff
}

func New(self txnid.NodeId, t Transport) *Coordinator {
	return &Coordinator{
		Self:      self,
		Transport: t,
		Backoff:   backoff.NewExponentialBackOff(),
	}
}

// Recover implements spec §4.7 steps 1-5 for one attempt. promisedCounter
// is the highest ballot counter this node has observed for txnId so far.
func (c *Coordinator) Recover(ctx context.Context, txnId txnid.TxnId, route keys.Route, topologies topology.Topologies, promisedCounter uint32) (Outcome, error) {
	ballot := txnid.NewBallot(txnId.Epoch, promisedCounter+1, txnId.Domain(), c.Self)

	type reply struct {
		node  txnid.NodeId
		reply message.BeginRecoveryReply
	}
	var replies []reply

	topologies.Each(func(t *topology.Topology) {
		for _, shard := range t.ShardsForRoute(route) {
			quorum := shard.SlowQuorumSize()
			got := 0
			for _, node := range shard.Nodes {
				if got >= quorum {
					break
				}
				req := message.BeginRecoveryRequest{
					Header: message.Header{TxnId: txnId, WaitForEpoch: t.Epoch, Scope: route},
					Ballot: ballot,
				}
				r, err := c.Transport.SendBeginRecovery(ctx, node, req)
				if err != nil || r.Status != message.Ok {
					continue
				}
				replies = append(replies, reply{node: node, reply: r})
				got++
			}
		}
	})

	for _, r := range replies {
		if r.reply.AcceptedBallot.Compare(ballot) > 0 {
			return Outcome{}, errs.NewPreempted("recovery: higher ballot observed")
		}
	}

	var anyApplied, anyInvalidated, anyCommitted bool
	var decidedExecuteAt txnid.Timestamp
	var decidedDeps deps.Deps
	anyAccept := false
	fastPathWitnessed := true

	for _, r := range replies {
		if r.reply.CommandStatus.Phase() == command.PhaseAccept {
			anyAccept = true
		}
		switch r.reply.CommandStatus {
		case command.Applied:
			anyApplied = true
			decidedExecuteAt = r.reply.ExecuteAt
			decidedDeps = r.reply.LatestDeps.KnownDeps
		case command.Invalidated:
			anyInvalidated = true
		case command.Committed, command.Stable, command.PreApplied:
			anyCommitted = true
			decidedExecuteAt = r.reply.ExecuteAt
			decidedDeps = r.reply.LatestDeps.KnownDeps
		}
		if r.reply.CommandStatus == command.PreAccepted && !r.reply.ExecuteAt.EqualToTxnId(txnId) {
			fastPathWitnessed = false
		}
	}

	// latest is the per-range LatestDeps merge target of spec §4.7 step
	// 3: every reply's entry folded in range by range, so the merge
	// outcome is independent of reply order (commutative/associative,
	// spec §8).
	latest := deps.NewLatestDeps()
	for _, r := range replies {
		entry := deps.LatestDepsEntry{
			Rank:            statusRank(r.reply.CommandStatus),
			Ballot:          r.reply.AcceptedBallot,
			KnownDeps:       r.reply.LatestDeps.KnownDeps,
			CoordinatedDeps: r.reply.LatestDeps.CoordinatedDeps,
			LocalDeps:       r.reply.LatestDeps.LocalDeps,
		}
		for _, rg := range routeRanges(route) {
			latest.Merge(rg, entry)
		}
	}

	if anyApplied {
		return Outcome{Applied: true, ExecuteAt: decidedExecuteAt, Deps: decidedDeps}, nil
	}
	if anyInvalidated {
		return Outcome{Invalidated: true}, nil
	}
	if anyCommitted {
		return Outcome{Committed: true, ExecuteAt: decidedExecuteAt, Deps: decidedDeps}, nil
	}

	if !anyAccept && fastPathWitnessed && len(replies) > 0 {
		union := deps.Empty
		for _, rg := range routeRanges(route) {
			if e, ok := latest.Get(rg); ok {
				union = union.Union(e.LocalDeps)
			}
		}
		return Outcome{Committed: true, FastPath: true, ExecuteAt: txnid.FromTxnId(txnId), Deps: union}, nil
	}

	executeAt := txnid.FromTxnId(txnId)
	union := deps.Empty
	for _, r := range replies {
		executeAt = txnid.Max(executeAt, r.reply.ExecuteAt)
	}
	for _, rg := range routeRanges(route) {
		if e, ok := latest.Get(rg); ok {
			union = union.Union(e.LocalDeps).Union(e.KnownDeps)
		}
	}
	return Outcome{Committed: false, ExecuteAt: executeAt, Deps: union}, nil
}

// routeRanges returns the ranges a route covers, treating a key route as
// a single point range for LatestDeps bookkeeping purposes.
func routeRanges(route keys.Route) keys.Ranges {
	if route.IsRange() {
		return route.Ranges
	}
	if len(route.Keys) == 0 {
		return nil
	}
	out := make(keys.Ranges, 0, len(route.Keys))
	for _, k := range route.Keys {
		out = append(out, keys.NewRange(k, k+"\x00"))
	}
	return out
}

// NextDelay returns how long to wait before the next recovery attempt,
// spec §5 "retryAwaitTimeout".
func (c *Coordinator) NextDelay() time.Duration {
	return c.Backoff.NextBackOff()
}
