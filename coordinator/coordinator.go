// Package coordinator implements the coordinator-side pipeline of spec
// §4.6: PreAccept -> (Accept) -> Stabilise -> Execute -> Persist,
// including the fast-path / slow-path branch.
//
// Grounded on the teacher's manager.go dispatch loop (bdeggleston-
// kickboxerdb/src/consensus/manager_preaccept_test.go and
// manager_prepare.go drive the same PreAccept-then-maybe-Accept-then-
// Commit shape for a single key), generalized from a single-key,
// single-round EPaxos instance to the full multi-shard, multi-epoch
// Accord pipeline. Concurrent per-node dispatch is grounded on
// AKJUS-bsc-erigon's use of golang.org/x/sync/errgroup for bounded
// fan-out/fan-in instead of the teacher's raw channel-select loops.
package coordinator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/bdeggleston/accord/command"
	"github.com/bdeggleston/accord/deps"
	"github.com/bdeggleston/accord/errs"
	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/message"
	"github.com/bdeggleston/accord/topology"
	"github.com/bdeggleston/accord/tracker"
	"github.com/bdeggleston/accord/txnid"
)

// Transport abstracts dispatching one request to one node and waiting
// for its reply; node/cluster supplies the real implementation over the
// wire, tests supply an in-memory fake.
type Transport interface {
	SendPreAccept(ctx context.Context, node txnid.NodeId, req message.PreAcceptRequest) (message.PreAcceptReply, error)
	SendAccept(ctx context.Context, node txnid.NodeId, req message.AcceptRequest) (message.AcceptReply, error)
	SendCommit(ctx context.Context, node txnid.NodeId, req message.CommitRequest) (message.CommitReply, error)
	SendRead(ctx context.Context, node txnid.NodeId, req message.ReadRequest) (message.ReadReply, error)
	SendApply(ctx context.Context, node txnid.NodeId, req message.ApplyRequest) (message.ApplyReply, error)
}

// TopologyManager is the subset of topology.Manager the coordinator
// needs to select a Topologies for a given phase.
type TopologyManager interface {
	WithUnsyncedEpochs(route keys.Route, minEpoch, maxEpoch uint64) (topology.Topologies, error)
	PreciseEpochs(minEpoch, maxEpoch uint64) (topology.Topologies, error)
}

// Coordinator drives one transaction's client-visible pipeline, spec
// §4.6.
type Coordinator struct {
	Self      txnid.NodeId
	Transport Transport
	Topology  TopologyManager
}

func New(self txnid.NodeId, t Transport, tm TopologyManager) *Coordinator {
	return &Coordinator{Self: self, Transport: t, Topology: tm}
}

// preAcceptOutcome collects a PreAccept phase's folded result across all
// shards/replicas contacted.
type preAcceptOutcome struct {
	executeAt   txnid.Timestamp
	deps        deps.Deps
	fastPath    bool
}

// Coordinate runs the full pipeline for txnId and returns the applied
// result, or an error per spec §7.
func (c *Coordinator) Coordinate(ctx context.Context, txnId txnid.TxnId, txn []byte, route keys.Route) ([]byte, error) {
	pre, topologies, err := c.preAccept(ctx, txnId, txn, route)
	if err != nil {
		return nil, err
	}

	executeAt := pre.executeAt
	finalDeps := pre.deps

	if !pre.fastPath {
		executeAt, finalDeps, err = c.accept(ctx, txnId, route, executeAt, finalDeps)
		if err != nil {
			return nil, err
		}
	}

	stableTopologies, err := c.stabilise(ctx, txnId, route, executeAt, finalDeps)
	if err != nil {
		return nil, err
	}
	_ = topologies // withUnsyncedEpochs selection used only for PreAccept/Accept fan-out

	result, err := c.execute(ctx, txnId, route, executeAt, stableTopologies)
	if err != nil {
		return nil, err
	}

	if err := c.persist(ctx, txnId, route, executeAt, finalDeps, result, stableTopologies); err != nil {
		return nil, err
	}
	return result, nil
}

// preAccept implements spec §4.6 step 1.
func (c *Coordinator) preAccept(ctx context.Context, txnId txnid.TxnId, txn []byte, route keys.Route) (preAcceptOutcome, topology.Topologies, error) {
	topologies, err := c.Topology.WithUnsyncedEpochs(route, txnId.Epoch, txnId.Epoch)
	if err != nil {
		return preAcceptOutcome{}, topology.Topologies{}, err
	}
	ft, err := tracker.NewFastPathTracker(topologies)
	if err != nil {
		return preAcceptOutcome{}, topology.Topologies{}, err
	}

	type reply struct {
		node  txnid.NodeId
		reply message.PreAcceptReply
		err   error
	}
	replies := make(chan reply, 64)

	g, gctx := errgroup.WithContext(ctx)
	topologies.Each(func(t *topology.Topology) {
		for _, shard := range t.ShardsForRoute(route) {
			for _, node := range shard.Nodes {
				node := node
				g.Go(func() error {
					req := message.PreAcceptRequest{
						Header:     message.Header{TxnId: txnId, WaitForEpoch: t.Epoch, Scope: route},
						PartialTxn: txn,
					}
					r, err := c.Transport.SendPreAccept(gctx, node, req)
					// failures are recorded via the tracker below, not fatal to the group
					replies <- reply{node: node, reply: r, err: err}
					return nil
				})
			}
		}
	})
	if err := g.Wait(); err != nil {
		return preAcceptOutcome{}, topology.Topologies{}, err
	}
	close(replies)

	out := preAcceptOutcome{executeAt: txnid.FromTxnId(txnId)}
	outcome := tracker.Pending
	for r := range replies {
		if r.err != nil {
			outcome = ft.RecordFailure(r.node)
			continue
		}
		switch r.reply.Status {
		case message.Ok:
			out.executeAt = txnid.Max(out.executeAt, r.reply.ExecuteAt)
			out.deps = out.deps.Union(r.reply.Deps)
			outcome = ft.RecordSuccess(r.node, r.reply.FastPath)
		default:
			outcome = ft.RecordFailure(r.node)
		}
	}
	if outcome == tracker.Failed {
		return preAcceptOutcome{}, topology.Topologies{}, errs.NewExhausted("preaccept: quorum unreachable")
	}
	out.fastPath = ft.FastPathAccepted() && out.executeAt.EqualToTxnId(txnId)
	return out, topologies, nil
}

// accept implements spec §4.6 step 2.
func (c *Coordinator) accept(ctx context.Context, txnId txnid.TxnId, route keys.Route, executeAt txnid.Timestamp, proposed deps.Deps) (txnid.Timestamp, deps.Deps, error) {
	topologies, err := c.Topology.WithUnsyncedEpochs(route, txnId.Epoch, executeAt.Epoch)
	if err != nil {
		return executeAt, proposed, err
	}
	qt, err := tracker.NewQuorumTracker(topologies)
	if err != nil {
		return executeAt, proposed, err
	}

	ballot := txnid.NewBallot(txnId.Epoch, 0, txnId.Domain(), c.Self)
	type reply struct {
		node  txnid.NodeId
		reply message.AcceptReply
	}
	replies := make(chan reply, 64)
	g, gctx := errgroup.WithContext(ctx)
	topologies.Each(func(t *topology.Topology) {
		for _, shard := range t.ShardsForRoute(route) {
			for _, node := range shard.Nodes {
				node := node
				g.Go(func() error {
					req := message.AcceptRequest{
						Header:       message.Header{TxnId: txnId, WaitForEpoch: t.Epoch, Scope: route},
						Ballot:       ballot,
						ExecuteAt:    executeAt,
						ProposedDeps: proposed,
						Kind:         command.AcceptMedium,
					}
					r, err := c.Transport.SendAccept(gctx, node, req)
					if err != nil {
						return nil
					}
					replies <- reply{node: node, reply: r}
					return nil
				})
			}
		}
	})
	if err := g.Wait(); err != nil {
		return executeAt, proposed, err
	}
	close(replies)

	merged := proposed
	outcome := tracker.Pending
	for r := range replies {
		if r.reply.Status == message.Ok {
			merged = merged.Union(r.reply.Deps)
			outcome = qt.RecordSuccess(r.node)
		} else {
			outcome = qt.RecordFailure(r.node)
		}
	}
	if outcome != tracker.Success {
		return executeAt, proposed, errs.NewExhausted("accept: quorum unreachable")
	}
	return executeAt, merged, nil
}

// stabilise implements spec §4.6 step 3 and returns the executeAt-epoch
// Topologies used by Execute/Persist.
func (c *Coordinator) stabilise(ctx context.Context, txnId txnid.TxnId, route keys.Route, executeAt txnid.Timestamp, stableDeps deps.Deps) (topology.Topologies, error) {
	topologies, err := c.Topology.PreciseEpochs(executeAt.Epoch, executeAt.Epoch)
	if err != nil {
		return topology.Topologies{}, err
	}
	qt, err := tracker.NewQuorumTracker(topologies)
	if err != nil {
		return topology.Topologies{}, err
	}

	ballot := txnid.NewBallot(txnId.Epoch, 0, txnId.Domain(), c.Self)
	type reply struct {
		node  txnid.NodeId
		reply message.CommitReply
	}
	replies := make(chan reply, 64)
	g, gctx := errgroup.WithContext(ctx)
	topologies.Each(func(t *topology.Topology) {
		for _, shard := range t.ShardsForRoute(route) {
			for _, node := range shard.Nodes {
				node := node
				g.Go(func() error {
					req := message.CommitRequest{
						Header:    message.Header{TxnId: txnId, WaitForEpoch: t.Epoch, Scope: route},
						Kind:      message.StableSlowPath,
						Ballot:    ballot,
						ExecuteAt: executeAt,
						Deps:      stableDeps,
					}
					r, err := c.Transport.SendCommit(gctx, node, req)
					if err != nil {
						return nil
					}
					replies <- reply{node: node, reply: r}
					return nil
				})
			}
		}
	})
	if err := g.Wait(); err != nil {
		return topology.Topologies{}, err
	}
	close(replies)

	outcome := tracker.Pending
	for r := range replies {
		switch r.reply.Status {
		case message.Ok:
			outcome = qt.RecordSuccess(r.node)
		case message.Redundant:
			return topology.Topologies{}, errs.NewRedundant("stabilise: transaction already beyond commit")
		case message.Rejected:
			return topology.Topologies{}, errs.NewPreempted("stabilise: higher ballot observed")
		default: // Insufficient, Invalid: treated as a soft failure for this replica
			outcome = qt.RecordFailure(r.node)
		}
	}
	if outcome != tracker.Success {
		return topology.Topologies{}, errs.NewExhausted("stabilise: quorum unreachable")
	}
	return topologies, nil
}

// execute implements spec §4.6 step 4: read from a read-quorum per shard
// and combine into a single result. A replica that fails to answer (or
// answers with a non-Ok status) is recorded as failed and, per §4.4's
// ReadTracker, re-dispatched to an un-contacted replacement within the
// same shard until the shard succeeds or its replica set is exhausted.
func (c *Coordinator) execute(ctx context.Context, txnId txnid.TxnId, route keys.Route, executeAt txnid.Timestamp, topologies topology.Topologies) ([]byte, error) {
	rt, err := tracker.NewReadTracker(topologies)
	if err != nil {
		return nil, err
	}

	type target struct {
		epoch      uint64
		node       txnid.NodeId
		shardRange keys.Range
	}
	type reply struct {
		target target
		reply  message.ReadReply
		err    error
	}

	var round []target
	topologies.Each(func(t *topology.Topology) {
		for _, shard := range t.ShardsForRoute(route) {
			round = append(round, target{epoch: t.Epoch, node: shard.Nodes[0], shardRange: shard.Range})
		}
	})

	var combined []byte
	outcome := tracker.Pending
	for len(round) > 0 {
		for _, tg := range round {
			rt.Dispatched(tg.shardRange, tg.node)
		}

		replies := make(chan reply, len(round))
		g, gctx := errgroup.WithContext(ctx)
		for _, tg := range round {
			tg := tg
			g.Go(func() error {
				req := message.ReadRequest{
					Header:    message.Header{TxnId: txnId, WaitForEpoch: tg.epoch, Scope: route},
					ExecuteAt: executeAt,
				}
				r, sendErr := c.Transport.SendRead(gctx, tg.node, req)
				replies <- reply{target: tg, reply: r, err: sendErr}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		close(replies)

		var next []target
		for r := range replies {
			if r.err == nil && r.reply.Status == message.Ok {
				combined = append(combined, r.reply.Data...)
				outcome = rt.RecordSuccess(r.target.node)
				continue
			}
			replacement, ok, o := rt.RecordFailure(r.target.node)
			outcome = o
			if ok {
				next = append(next, target{epoch: r.target.epoch, node: replacement, shardRange: r.target.shardRange})
			}
		}
		round = next
	}
	if outcome != tracker.Success {
		return nil, errs.NewExhausted("execute: read quorum unreachable")
	}
	return combined, nil
}

// persist implements spec §4.6 step 5: send Apply to every executing
// replica, return once a majority has persisted, continue disseminating
// toward Universal in the background.
func (c *Coordinator) persist(ctx context.Context, txnId txnid.TxnId, route keys.Route, executeAt txnid.Timestamp, finalDeps deps.Deps, result []byte, topologies topology.Topologies) error {
	qt, err := tracker.NewQuorumTracker(topologies)
	if err != nil {
		return err
	}

	type target struct {
		epoch uint64
		node  txnid.NodeId
	}
	var targets []target
	topologies.Each(func(t *topology.Topology) {
		for _, shard := range t.ShardsForRoute(route) {
			for _, node := range shard.Nodes {
				targets = append(targets, target{epoch: t.Epoch, node: node})
			}
		}
	})

	replies := make(chan txnid.NodeId, len(targets))
	failures := make(chan txnid.NodeId, len(targets))
	for _, tg := range targets {
		tg := tg
		go func() {
			req := message.ApplyRequest{
				Header:    message.Header{TxnId: txnId, WaitForEpoch: tg.epoch, Scope: route},
				ExecuteAt: executeAt,
				Deps:      finalDeps,
				Result:    result,
			}
			r, err := c.Transport.SendApply(ctx, tg.node, req)
			if err != nil || r.Status != message.Ok {
				failures <- tg.node
				return
			}
			replies <- tg.node
		}()
	}

	for i := 0; i < len(targets); i++ {
		select {
		case n := <-replies:
			if qt.RecordSuccess(n) == tracker.Success {
				return nil
			}
		case n := <-failures:
			if qt.RecordFailure(n) == tracker.Failed {
				return errs.NewExhausted(fmt.Sprintf("persist: quorum unreachable for txn %s", txnId))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errs.NewExhausted("persist: quorum unreachable")
}
