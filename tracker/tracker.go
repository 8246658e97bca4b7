// Package tracker implements the per-shard vote counters of spec §4.4:
// QuorumTracker, FastPathTracker, ReadTracker and AllTracker, each
// owning one ShardTracker per shard of a topology.Topologies selection.
//
// Grounded on the teacher's inline quorum-counting loops
// (bdeggleston-kickboxerdb/src/consensus/scope_accept.go's
// numAccepted/quorumSize checks and manager_prepare.go's per-reply
// fast-path bookkeeping), generalized into a reusable per-shard vote
// counter usable by every coordinator phase instead of one bespoke
// counting loop per phase.
package tracker

import (
	"fmt"

	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/topology"
	"github.com/bdeggleston/accord/txnid"
)

// Outcome is the terminal result of a tracker, spec §4.4.
type Outcome uint8

const (
	Pending Outcome = iota
	Success
	Failed
)

// vote is one replica's response to a dispatched request.
type vote uint8

const (
	voteNone vote = iota
	voteSuccessFast
	voteSuccessSlow
	voteFailure
)

// shardTracker accumulates votes for one shard.
type shardTracker struct {
	shard topology.Shard
	votes map[txnid.NodeId]vote

	quorum         int
	fastPathQuorum int
	haveFastPath   bool
}

func newShardTracker(s topology.Shard) (*shardTracker, error) {
	st := &shardTracker{shard: s, votes: make(map[txnid.NodeId]vote), quorum: s.SlowQuorumSize()}
	if len(s.FastPathElectorate) > 0 {
		q, err := s.FastPathQuorumSize()
		if err != nil {
			return nil, err
		}
		st.fastPathQuorum = q
		st.haveFastPath = true
	}
	return st, nil
}

func (st *shardTracker) record(node txnid.NodeId, v vote) bool {
	if !st.shard.HasNode(node) {
		return false // spec §4.4: "Responses from non-members are silently ignored."
	}
	if _, already := st.votes[node]; already {
		return false
	}
	st.votes[node] = v
	return true
}

func (st *shardTracker) successCount() int {
	n := 0
	for _, v := range st.votes {
		if v == voteSuccessFast || v == voteSuccessSlow {
			n++
		}
	}
	return n
}

func (st *shardTracker) fastPathCount() int {
	n := 0
	for _, v := range st.votes {
		if v == voteSuccessFast {
			n++
		}
	}
	return n
}

func (st *shardTracker) failureCount() int {
	n := 0
	for _, v := range st.votes {
		if v == voteFailure {
			n++
		}
	}
	return n
}

func (st *shardTracker) reachedQuorum() bool   { return st.successCount() >= st.quorum }
func (st *shardTracker) reachedFastPath() bool {
	return st.haveFastPath && st.fastPathCount() >= st.fastPathQuorum
}
func (st *shardTracker) exhausted() bool {
	return len(st.shard.Nodes)-st.failureCount() < st.quorum
}

// base is shared bookkeeping across all tracker flavors: one
// shardTracker per shard of the selection, plus an index from each node
// to the shardTrackers it votes in.
type base struct {
	topologies topology.Topologies
	shards     []*shardTracker
	byNode     map[txnid.NodeId][]*shardTracker
}

func newBase(ts topology.Topologies) (*base, error) {
	b := &base{topologies: ts, byNode: make(map[txnid.NodeId][]*shardTracker)}
	ts.Each(func(t *topology.Topology) {
		for _, s := range t.Shards {
			st, err := newShardTracker(s)
			if err != nil {
				return
			}
			b.shards = append(b.shards, st)
			for _, n := range s.Nodes {
				b.byNode[n] = append(b.byNode[n], st)
			}
		}
	})
	if len(b.shards) == 0 {
		return nil, fmt.Errorf("tracker: empty topology selection")
	}
	return b, nil
}

func (b *base) record(node txnid.NodeId, v vote) (touched []*shardTracker) {
	for _, st := range b.byNode[node] {
		if st.record(node, v) {
			touched = append(touched, st)
		}
	}
	return touched
}

func (b *base) allReached(pred func(*shardTracker) bool) bool {
	for _, st := range b.shards {
		if !pred(st) {
			return false
		}
	}
	return true
}

func (b *base) anyExhausted() bool {
	for _, st := range b.shards {
		if st.exhausted() && !st.reachedQuorum() {
			return true
		}
	}
	return false
}

// QuorumTracker resolves Success once every shard reaches its slow-path
// quorum, spec §4.4.
type QuorumTracker struct{ b *base }

func NewQuorumTracker(ts topology.Topologies) (*QuorumTracker, error) {
	b, err := newBase(ts)
	if err != nil {
		return nil, err
	}
	return &QuorumTracker{b: b}, nil
}

func (q *QuorumTracker) RecordSuccess(node txnid.NodeId) Outcome { return q.record(node, voteSuccessSlow) }
func (q *QuorumTracker) RecordFailure(node txnid.NodeId) Outcome { return q.record(node, voteFailure) }

func (q *QuorumTracker) record(node txnid.NodeId, v vote) Outcome {
	q.b.record(node, v)
	if q.b.allReached((*shardTracker).reachedQuorum) {
		return Success
	}
	if q.b.anyExhausted() {
		return Failed
	}
	return Pending
}

// FastPathTracker additionally tracks whether every shard independently
// reached its fast-path threshold with executeAt == txnId (spec §4.4,
// §4.6 step 1, §8 invariant 4). Callers pass fastPath=true only when the
// reply reported executeAt == txnId; any other reply, even a success,
// counts only toward the slow-path quorum.
type FastPathTracker struct{ b *base }

func NewFastPathTracker(ts topology.Topologies) (*FastPathTracker, error) {
	b, err := newBase(ts)
	if err != nil {
		return nil, err
	}
	return &FastPathTracker{b: b}, nil
}

func (f *FastPathTracker) RecordSuccess(node txnid.NodeId, fastPath bool) Outcome {
	v := voteSuccessSlow
	if fastPath {
		v = voteSuccessFast
	}
	f.b.record(node, v)
	if f.b.allReached((*shardTracker).reachedQuorum) {
		return Success
	}
	if f.b.anyExhausted() {
		return Failed
	}
	return Pending
}

func (f *FastPathTracker) RecordFailure(node txnid.NodeId) Outcome {
	f.b.record(node, voteFailure)
	if f.b.anyExhausted() {
		return Failed
	}
	if f.b.allReached((*shardTracker).reachedQuorum) {
		return Success
	}
	return Pending
}

// FastPathAccepted reports whether every shard independently reached its
// fast-path threshold — the precondition the coordinator checks before
// skipping Accept (spec §4.6 step 1).
func (f *FastPathTracker) FastPathAccepted() bool {
	return f.b.allReached((*shardTracker).reachedFastPath)
}

// AllTracker requires every replica to succeed (spec §4.4).
type AllTracker struct{ b *base }

func NewAllTracker(ts topology.Topologies) (*AllTracker, error) {
	b, err := newBase(ts)
	if err != nil {
		return nil, err
	}
	return &AllTracker{b: b}, nil
}

func (a *AllTracker) RecordSuccess(node txnid.NodeId) Outcome {
	a.b.record(node, voteSuccessSlow)
	if a.b.allReached(func(st *shardTracker) bool { return st.successCount() == len(st.shard.Nodes) }) {
		return Success
	}
	return Pending
}

func (a *AllTracker) RecordFailure(node txnid.NodeId) Outcome {
	a.b.record(node, voteFailure)
	return Failed
}

// ReadTracker requires one success per shard, with re-dispatch tracking
// when a contacted replica fails (spec §4.4): RecordFailure reports a
// replacement candidate node to contact instead, if one is available.
type ReadTracker struct {
	b        *base
	dispatch map[*shardTracker]map[txnid.NodeId]bool
}

func NewReadTracker(ts topology.Topologies) (*ReadTracker, error) {
	b, err := newBase(ts)
	if err != nil {
		return nil, err
	}
	return &ReadTracker{b: b, dispatch: make(map[*shardTracker]map[txnid.NodeId]bool)}, nil
}

// Dispatched records which node was contacted for each shard, so
// RecordFailure can find an un-contacted replacement.
func (r *ReadTracker) Dispatched(shardRange keys.Range, node txnid.NodeId) {
	for _, st := range r.b.shards {
		if st.shard.Range.Equal(shardRange) {
			if r.dispatch[st] == nil {
				r.dispatch[st] = make(map[txnid.NodeId]bool)
			}
			r.dispatch[st][node] = true
		}
	}
}

func (r *ReadTracker) RecordSuccess(node txnid.NodeId) Outcome {
	r.b.record(node, voteSuccessSlow)
	if r.b.allReached(func(st *shardTracker) bool { return st.successCount() >= 1 }) {
		return Success
	}
	return Pending
}

// RecordFailure marks node failed and returns a replacement node to
// re-dispatch to for any shard that still lacks a success, or ok=false
// if the shard is exhausted.
func (r *ReadTracker) RecordFailure(node txnid.NodeId) (replacement txnid.NodeId, ok bool, outcome Outcome) {
	touched := r.b.record(node, voteFailure)
	for _, st := range touched {
		if st.successCount() >= 1 {
			continue
		}
		contacted := r.dispatch[st]
		for _, n := range st.shard.Nodes {
			if contacted != nil && contacted[n] {
				continue
			}
			if v := st.votes[n]; v == voteFailure {
				continue
			}
			return n, true, Pending
		}
		return 0, false, Failed
	}
	return 0, false, Pending
}
