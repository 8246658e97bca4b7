package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/accord/deps"
	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/message"
	"github.com/bdeggleston/accord/topology"
	"github.com/bdeggleston/accord/txnid"
)

// fixedTopology is a TopologyManager stub that always returns the same
// single-epoch, three-node Topologies regardless of the requested window
// — enough to exercise the coordinator pipeline without the full
// TopologyManager machinery.
type fixedTopology struct {
	ts topology.Topologies
}

func (f fixedTopology) WithUnsyncedEpochs(route keys.Route, minEpoch, maxEpoch uint64) (topology.Topologies, error) {
	return f.ts, nil
}

func (f fixedTopology) PreciseEpochs(minEpoch, maxEpoch uint64) (topology.Topologies, error) {
	return f.ts, nil
}

func threeNodeTopologies(r keys.Range) topology.Topologies {
	shard := topology.Shard{
		Range:              r,
		Nodes:              []txnid.NodeId{1, 2, 3},
		FastPathElectorate: []txnid.NodeId{1, 2, 3},
	}
	return topology.NewTopologies(topology.NewTopology(1, shard))
}

// fakeTransport answers every request according to per-kind callbacks,
// defaulting to a trivial "fast-path yes, no deps, read empty, apply ok"
// replica.
type fakeTransport struct {
	preAccept func(node txnid.NodeId, req message.PreAcceptRequest) message.PreAcceptReply
	accept    func(node txnid.NodeId, req message.AcceptRequest) message.AcceptReply
	commit    func(node txnid.NodeId, req message.CommitRequest) message.CommitReply
	read      func(node txnid.NodeId, req message.ReadRequest) (message.ReadReply, error)
}

func (f *fakeTransport) SendPreAccept(ctx context.Context, node txnid.NodeId, req message.PreAcceptRequest) (message.PreAcceptReply, error) {
	if f.preAccept != nil {
		return f.preAccept(node, req), nil
	}
	return message.PreAcceptReply{Status: message.Ok, ExecuteAt: req.TxnId.AsTimestamp(), FastPath: true}, nil
}

func (f *fakeTransport) SendAccept(ctx context.Context, node txnid.NodeId, req message.AcceptRequest) (message.AcceptReply, error) {
	if f.accept != nil {
		return f.accept(node, req), nil
	}
	return message.AcceptReply{Status: message.Ok, Deps: req.ProposedDeps}, nil
}

func (f *fakeTransport) SendCommit(ctx context.Context, node txnid.NodeId, req message.CommitRequest) (message.CommitReply, error) {
	if f.commit != nil {
		return f.commit(node, req), nil
	}
	return message.CommitReply{Status: message.Ok}, nil
}

func (f *fakeTransport) SendRead(ctx context.Context, node txnid.NodeId, req message.ReadRequest) (message.ReadReply, error) {
	if f.read != nil {
		return f.read(node, req)
	}
	return message.ReadReply{Status: message.Ok, Data: []byte("v")}, nil
}

func (f *fakeTransport) SendApply(ctx context.Context, node txnid.NodeId, req message.ApplyRequest) (message.ApplyReply, error) {
	return message.ApplyReply{Status: message.Ok}, nil
}

func TestCoordinateFastPathAllAgree(t *testing.T) {
	r := keys.NewRange("a", "z")
	ts := threeNodeTopologies(r)
	txID := txnid.New(1, 10, txnid.Write, txnid.DomainKey, 1)
	route := keys.NewKeyRoute("k", keys.NewKeys("k"))

	co := New(1, &fakeTransport{}, fixedTopology{ts: ts})
	result, err := co.Coordinate(context.Background(), txID, []byte("txn"), route)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), result)
}

func TestCoordinateSlowPathOnConflict(t *testing.T) {
	r := keys.NewRange("a", "z")
	ts := threeNodeTopologies(r)
	txID := txnid.New(1, 10, txnid.Write, txnid.DomainKey, 1)
	route := keys.NewKeyRoute("k", keys.NewKeys("k"))

	laterTxn := txnid.New(1, 9, txnid.Write, txnid.DomainKey, 2)
	tr := &fakeTransport{
		preAccept: func(node txnid.NodeId, req message.PreAcceptRequest) message.PreAcceptReply {
			if node == 2 {
				later := txnid.NewTimestamp(1, 11, txnid.Write, txnid.DomainKey, 2)
				return message.PreAcceptReply{Status: message.Ok, ExecuteAt: later, Deps: deps.New(laterTxn), FastPath: false}
			}
			return message.PreAcceptReply{Status: message.Ok, ExecuteAt: req.TxnId.AsTimestamp(), FastPath: true}
		},
	}

	co := New(1, tr, fixedTopology{ts: ts})
	result, err := co.Coordinate(context.Background(), txID, []byte("txn"), route)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), result)
}

func TestCoordinateAbortsOnStabiliseRejected(t *testing.T) {
	r := keys.NewRange("a", "z")
	ts := threeNodeTopologies(r)
	txID := txnid.New(1, 10, txnid.Write, txnid.DomainKey, 1)
	route := keys.NewKeyRoute("k", keys.NewKeys("k"))

	tr := &fakeTransport{
		commit: func(node txnid.NodeId, req message.CommitRequest) message.CommitReply {
			return message.CommitReply{Status: message.Rejected}
		},
	}

	co := New(1, tr, fixedTopology{ts: ts})
	_, err := co.Coordinate(context.Background(), txID, []byte("txn"), route)
	assert.Error(t, err)
}

// TestCoordinateRetriesReadOnFailedReplica exercises §4.4's ReadTracker
// re-dispatch: the shard's first node (1) always fails its read, so
// execute must mark it failed via RecordFailure and retry against one of
// the remaining shard members instead of hanging or dropping the read.
func TestCoordinateRetriesReadOnFailedReplica(t *testing.T) {
	r := keys.NewRange("a", "z")
	ts := threeNodeTopologies(r)
	txID := txnid.New(1, 10, txnid.Write, txnid.DomainKey, 1)
	route := keys.NewKeyRoute("k", keys.NewKeys("k"))

	var mu sync.Mutex
	contacted := map[txnid.NodeId]int{}
	tr := &fakeTransport{
		read: func(node txnid.NodeId, req message.ReadRequest) (message.ReadReply, error) {
			mu.Lock()
			contacted[node]++
			mu.Unlock()
			if node == 1 {
				return message.ReadReply{}, errors.New("dial tcp: connection refused")
			}
			return message.ReadReply{Status: message.Ok, Data: []byte("v")}, nil
		},
	}

	co := New(1, tr, fixedTopology{ts: ts})
	result, err := co.Coordinate(context.Background(), txID, []byte("txn"), route)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), result)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, contacted[1], "the failing replica should only be contacted once")
	assert.True(t, contacted[2] > 0 || contacted[3] > 0, "a replacement replica must have been contacted")
}

// TestCoordinateReadExhaustedWhenAllReplicasFail covers the other half
// of RecordFailure's contract: once every shard member has failed, the
// shard can never reach Success and execute must report Exhausted
// instead of hanging.
func TestCoordinateReadExhaustedWhenAllReplicasFail(t *testing.T) {
	r := keys.NewRange("a", "z")
	ts := threeNodeTopologies(r)
	txID := txnid.New(1, 10, txnid.Write, txnid.DomainKey, 1)
	route := keys.NewKeyRoute("k", keys.NewKeys("k"))

	tr := &fakeTransport{
		read: func(node txnid.NodeId, req message.ReadRequest) (message.ReadReply, error) {
			return message.ReadReply{}, errors.New("dial tcp: connection refused")
		},
	}

	co := New(1, tr, fixedTopology{ts: ts})
	_, err := co.Coordinate(context.Background(), txID, []byte("txn"), route)
	assert.Error(t, err)
}
