package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/txnid"
)

type txnidNode = txnid.NodeId

func threeNodeShard(r keys.Range) Shard {
	return Shard{
		Range:              r,
		Nodes:              []txnidNode{1, 2, 3},
		FastPathElectorate: []txnidNode{1, 2, 3},
	}
}

func TestQuorumSizes3Of3(t *testing.T) {
	s := threeNodeShard(keys.NewRange("a", "z"))
	assert.Equal(t, 1, s.MaxFailures())
	assert.Equal(t, 2, s.SlowQuorumSize())
	q, err := s.FastPathQuorumSize()
	require.NoError(t, err)
	assert.Equal(t, 3, q)
}

func TestFastPathElectorateTooSmallIsInvalid(t *testing.T) {
	s := Shard{
		Range:              keys.NewRange("a", "z"),
		Nodes:              []txnidNode{1, 2, 3, 4, 5},
		FastPathElectorate: []txnidNode{1, 2},
	}
	_, err := s.FastPathQuorumSize()
	assert.Error(t, err)
}

func TestFastPathQuorumNeverBelowSlowQuorum(t *testing.T) {
	s := Shard{
		Range:              keys.NewRange("a", "z"),
		Nodes:              []txnidNode{1, 2, 3, 4, 5},
		FastPathElectorate: []txnidNode{1, 2, 3},
	}
	q, err := s.FastPathQuorumSize()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, q, s.SlowQuorumSize())
}

func TestReceiveFirstEpochStartsFullySynced(t *testing.T) {
	m := NewManager(1)
	top := NewTopology(1, threeNodeShard(keys.NewRange("a", "z")))
	require.NoError(t, m.Receive(top, []txnidNode{1, 2, 3}))

	ts, err := m.PreciseEpochs(1, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ts.MinEpoch())
}

func TestWithUnsyncedEpochsExtendsDownward(t *testing.T) {
	m := NewManager(1)
	top1 := NewTopology(1, threeNodeShard(keys.NewRange("a", "z")))
	require.NoError(t, m.Receive(top1, []txnidNode{1, 2, 3}))

	top2 := NewTopology(2, threeNodeShard(keys.NewRange("a", "z")))
	require.NoError(t, m.Receive(top2, []txnidNode{1, 2, 3}))

	route := keys.NewKeyRoute("k", keys.NewKeys("k"))
	ts, err := m.WithUnsyncedEpochs(route, 2, 2)
	require.NoError(t, err)
	// epoch 2's range was never reported synced by anyone, so the
	// selection must extend down to epoch 1.
	assert.Equal(t, uint64(1), ts.MinEpoch())
	assert.Equal(t, uint64(2), ts.MaxEpoch())
}

func TestWithUnsyncedEpochsStopsOnceSynced(t *testing.T) {
	m := NewManager(1)
	top1 := NewTopology(1, threeNodeShard(keys.NewRange("a", "z")))
	require.NoError(t, m.Receive(top1, []txnidNode{1, 2, 3}))
	top2 := NewTopology(2, threeNodeShard(keys.NewRange("a", "z")))
	require.NoError(t, m.Receive(top2, []txnidNode{1, 2, 3}))

	require.NoError(t, m.SyncComplete(1, 2, keys.NewRanges(keys.NewRange("a", "z"))))
	require.NoError(t, m.SyncComplete(2, 2, keys.NewRanges(keys.NewRange("a", "z"))))

	route := keys.NewKeyRoute("k", keys.NewKeys("k"))
	ts, err := m.WithUnsyncedEpochs(route, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ts.MinEpoch())
}

func TestTruncateUntilRejectsUnsyncedEpoch(t *testing.T) {
	m := NewManager(1)
	top1 := NewTopology(1, threeNodeShard(keys.NewRange("a", "z")))
	require.NoError(t, m.Receive(top1, []txnidNode{1, 2, 3}))
	top2 := NewTopology(2, threeNodeShard(keys.NewRange("a", "z")))
	require.NoError(t, m.Receive(top2, []txnidNode{1, 2, 3}))

	assert.Error(t, m.TruncateUntil(2))
}

func TestCoverageAtLeastSweep(t *testing.T) {
	sets := []keys.Ranges{
		keys.NewRanges(keys.NewRange("a", "m")),
		keys.NewRanges(keys.NewRange("g", "z")),
	}
	cov := coverageAtLeast(sets, 2)
	require.Equal(t, 1, cov.Len())
	assert.Equal(t, keys.NewRange("g", "m"), cov[0])
}

func TestAcknowledgeTracksAllAcked(t *testing.T) {
	m := NewManager(1)
	top := NewTopology(1, threeNodeShard(keys.NewRange("a", "z")))
	require.NoError(t, m.Receive(top, []txnidNode{1, 2, 3}))

	require.NoError(t, m.Acknowledge(1, 1))
	assert.Equal(t, uint64(0), m.LastAcknowledged())
	require.NoError(t, m.Acknowledge(2, 1))
	require.NoError(t, m.Acknowledge(3, 1))
	assert.Equal(t, uint64(1), m.LastAcknowledged())
}
