// Package topology implements the per-epoch shard assignment and the
// TopologyManager of spec §4.2: a sliding window of EpochState, quorum
// size/fast-path math (§4.3), and the Topologies-selection rules a
// coordinator uses to decide which epochs' replicas it must contact.
//
// Grounded on the teacher's topology.DatacenterContainer/Ring
// (bdeggleston-kickboxerdb/src/topology/datacenter.go), which groups nodes
// into per-datacenter rings; generalized here from a consistent-hash ring
// to an explicit, versioned (epoch-indexed) shard table, since the spec's
// shard assignment is pushed by a configuration service rather than
// derived from hashing (see DESIGN.md "Dropped teacher code").
package topology

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bdeggleston/accord/keys"
	"github.com/bdeggleston/accord/txnid"
)

// Shard is a contiguous range of keys plus the replica set that owns it
// in a given epoch (spec §3 "Topology(epoch)").
type Shard struct {
	Range keys.Range
	// Nodes is the full replica set for this shard.
	Nodes []txnid.NodeId
	// FastPathElectorate is the subset of Nodes counted toward the fast
	// path (spec §4.3): rs-f <= fp <= rs.
	FastPathElectorate []txnid.NodeId
	// PendingNodes are nodes mid-handoff into this shard (not yet full
	// members), carried for visibility; they are never counted toward
	// any quorum.
	PendingNodes []txnid.NodeId
}

func (s Shard) replicaCount() int { return len(s.Nodes) }

// MaxFailures returns f = floor((rs-1)/2), the number of replica failures
// this shard tolerates (spec §4.3).
func (s Shard) MaxFailures() int { return (s.replicaCount() - 1) / 2 }

// SlowQuorumSize returns rs - f.
func (s Shard) SlowQuorumSize() int { return s.replicaCount() - s.MaxFailures() }

// FastPathQuorumSize returns ceil((fp+rs)/2), floored at SlowQuorumSize,
// and an error if the fast-path electorate is smaller than rs-f (spec
// §4.3: "Fast-path electorates smaller than rs - f are invalid").
func (s Shard) FastPathQuorumSize() (int, error) {
	fp := len(s.FastPathElectorate)
	rs := s.replicaCount()
	if fp < rs-s.MaxFailures() {
		return 0, fmt.Errorf("topology: fast-path electorate of %d smaller than rs-f=%d", fp, rs-s.MaxFailures())
	}
	q := (fp + rs + 1) / 2 // ceil((fp+rs)/2)
	if slow := s.SlowQuorumSize(); q < slow {
		q = slow
	}
	return q, nil
}

// HasNode reports whether node is a full (non-pending) member of this shard.
func (s Shard) HasNode(node txnid.NodeId) bool {
	for _, n := range s.Nodes {
		if n == node {
			return true
		}
	}
	return false
}

// spans reports whether route touches this shard's range.
func spans(route keys.Route, r keys.Range) bool {
	if route.IsRange() {
		return route.Ranges.Intersect(keys.NewRanges(r)).Len() > 0
	}
	return route.Keys.Slice(r.Start, r.End).Len() > 0
}

// Topology is the full shard assignment for one epoch.
type Topology struct {
	Epoch  uint64
	Shards []Shard
}

func NewTopology(epoch uint64, shards ...Shard) *Topology {
	sorted := append([]Shard(nil), shards...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Range.Start < sorted[j].Range.Start })
	return &Topology{Epoch: epoch, Shards: sorted}
}

// ShardsForRoute returns every shard this topology has that the route touches.
func (t *Topology) ShardsForRoute(route keys.Route) []Shard {
	var out []Shard
	for _, s := range t.Shards {
		if spans(route, s.Range) {
			out = append(out, s)
		}
	}
	return out
}

// LocalShards returns the subset of shards containing node — the "per-node
// local view" of spec §3.
func (t *Topology) LocalShards(node txnid.NodeId) []Shard {
	var out []Shard
	for _, s := range t.Shards {
		if s.HasNode(node) {
			out = append(out, s)
		}
	}
	return out
}

// totalRanges returns the union of every shard's range in this topology.
func (t *Topology) totalRanges() keys.Ranges {
	rs := make(keys.Ranges, 0, len(t.Shards))
	for _, s := range t.Shards {
		rs = append(rs, s.Range)
	}
	return keys.NewRanges(rs...)
}

// Topologies is a contiguous, oldest-first sequence of per-epoch
// topologies, the unit a coordinator/tracker operates over (spec §3).
type Topologies struct {
	epochs []*Topology
}

func NewTopologies(in ...*Topology) Topologies {
	sorted := append([]*Topology(nil), in...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Epoch < sorted[j].Epoch })
	return Topologies{epochs: sorted}
}

func (ts Topologies) Len() int { return len(ts.epochs) }

func (ts Topologies) MinEpoch() uint64 {
	if len(ts.epochs) == 0 {
		return 0
	}
	return ts.epochs[0].Epoch
}

func (ts Topologies) MaxEpoch() uint64 {
	if len(ts.epochs) == 0 {
		return 0
	}
	return ts.epochs[len(ts.epochs)-1].Epoch
}

func (ts Topologies) Each(fn func(*Topology)) {
	for _, t := range ts.epochs {
		fn(t)
	}
}

func (ts Topologies) At(epoch uint64) (*Topology, bool) {
	for _, t := range ts.epochs {
		if t.Epoch == epoch {
			return t, true
		}
	}
	return nil, false
}

// Newest returns the topology for MaxEpoch(), the usual "current" view a
// coordinator reads executeAt/read-quorum decisions from.
func (ts Topologies) Newest() *Topology {
	if len(ts.epochs) == 0 {
		return nil
	}
	return ts.epochs[len(ts.epochs)-1]
}

// EpochState is the per-epoch bookkeeping the TopologyManager keeps: the
// topology itself, the sync electorate and each node's self-reported
// synced ranges, plus the closed/complete watermarks (spec §4.2).
type EpochState struct {
	Topology       *Topology
	SyncElectorate []txnid.NodeId

	acked      map[txnid.NodeId]bool
	syncedBy   map[txnid.NodeId]keys.Ranges
	closed     keys.Ranges
	complete   keys.Ranges
}

func newEpochState(t *Topology, electorate []txnid.NodeId) *EpochState {
	return &EpochState{
		Topology:       t,
		SyncElectorate: electorate,
		acked:          make(map[txnid.NodeId]bool),
		syncedBy:       make(map[txnid.NodeId]keys.Ranges),
	}
}

// AllAcknowledged reports whether every node of the sync electorate has
// acknowledged this epoch.
func (e *EpochState) AllAcknowledged() bool {
	for _, n := range e.SyncElectorate {
		if !e.acked[n] {
			return false
		}
	}
	return true
}

func (e *EpochState) syncQuorum() int {
	rs := len(e.SyncElectorate)
	return rs - (rs-1)/2
}

// SyncedRanges returns the ranges of this epoch's keyspace that a sync
// quorum of the electorate has confirmed transferred forward from the
// prior epoch.
func (e *EpochState) SyncedRanges() keys.Ranges {
	sets := make([]keys.Ranges, 0, len(e.syncedBy))
	for _, rs := range e.syncedBy {
		sets = append(sets, rs)
	}
	return coverageAtLeast(sets, e.syncQuorum())
}

func (e *EpochState) ClosedRanges() keys.Ranges   { return e.closed }
func (e *EpochState) CompleteRanges() keys.Ranges { return e.complete }

// coverageAtLeast returns the ranges covered by at least n of the given
// range sets, via a coordinate-compressed sweep over range boundaries.
func coverageAtLeast(sets []keys.Ranges, n int) keys.Ranges {
	if n <= 0 {
		// vacuously, everything is "covered" by a zero-size quorum; callers
		// never invoke this with n<=0 for a real electorate, but handle it
		// rather than panic.
		return keys.Ranges{}
	}
	type point struct {
		key   keys.Key
		delta int
	}
	var points []point
	for _, rs := range sets {
		for _, r := range rs {
			points = append(points, point{r.Start, 1}, point{r.End, -1})
		}
	}
	if len(points) == 0 {
		return keys.Ranges{}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].key != points[j].key {
			return points[i].key < points[j].key
		}
		// process range-closes before range-opens at the same boundary so a
		// [a,b)+[b,c) pair doesn't double count at b.
		return points[i].delta < points[j].delta
	})

	var out keys.Ranges
	depth := 0
	var spanStart keys.Key
	inSpan := false
	for i := 0; i < len(points); i++ {
		cur := points[i].key
		// apply all deltas at this boundary together
		j := i
		for j < len(points) && points[j].key == cur {
			j++
		}
		if inSpan && depth >= n {
			out = append(out, keys.Range{Start: spanStart, End: cur})
		}
		for k := i; k < j; k++ {
			depth += points[k].delta
		}
		if depth >= n && !inSpan {
			spanStart = cur
			inSpan = true
		} else if depth < n {
			inSpan = false
		}
		i = j - 1
	}
	return keys.NewRanges(out...)
}

// Manager maintains the sliding window [minEpoch, currentEpoch] of
// EpochState (spec §4.2) and answers Topologies-selection queries for
// coordinators and recovery.
type Manager struct {
	mu       sync.RWMutex
	local    txnid.NodeId
	states   map[uint64]*EpochState
	minEpoch uint64
	curEpoch uint64
	lastAck  uint64
}

func NewManager(local txnid.NodeId) *Manager {
	return &Manager{local: local, states: make(map[uint64]*EpochState)}
}

func (m *Manager) CurrentEpoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.curEpoch
}

// Receive installs a new topology. It must describe currentEpoch+1 (or be
// the very first topology received); added ranges (not present in the
// previous epoch) start already synced, since there is no prior owner to
// hand off from.
func (m *Manager) Receive(t *Topology, syncElectorate []txnid.NodeId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.states) == 0 {
		m.minEpoch = t.Epoch
		m.curEpoch = t.Epoch
		state := newEpochState(t, syncElectorate)
		state.markSynced(t.totalRanges(), syncElectorate)
		m.states[t.Epoch] = state
		return nil
	}

	if t.Epoch != m.curEpoch+1 {
		return fmt.Errorf("topology: epoch %d is not currentEpoch+1 (current=%d)", t.Epoch, m.curEpoch)
	}

	prev := m.states[m.curEpoch]
	added := t.totalRanges().Without(prev.Topology.totalRanges())

	state := newEpochState(t, syncElectorate)
	state.markSynced(added, syncElectorate)
	m.states[t.Epoch] = state
	m.curEpoch = t.Epoch
	return nil
}

func (e *EpochState) markSynced(rs keys.Ranges, electorate []txnid.NodeId) {
	for _, n := range electorate {
		e.syncedBy[n] = e.syncedBy[n].Union(rs)
	}
}

// Acknowledge records that node has acknowledged epoch. Acknowledgements
// must arrive in epoch order per node; acknowledging advances
// lastAcknowledged and is expected to release any awaitEpoch waiters in
// the embedding agent (not modeled here — out of scope, spec §1).
func (m *Manager) Acknowledge(node txnid.NodeId, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[epoch]
	if !ok {
		return fmt.Errorf("topology: unknown epoch %d", epoch)
	}
	state.acked[node] = true
	if epoch > m.lastAck && state.AllAcknowledged() {
		m.lastAck = epoch
	}
	return nil
}

func (m *Manager) LastAcknowledged() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastAck
}

// SyncComplete records that node has finished transferring ranges into
// epoch. Once a sync quorum of the electorate has reported a sub-range
// synced, completion cascades: every later epoch still tracked for the
// same sub-range is marked synced too, since synced-ness only grows
// forward in epoch order.
func (m *Manager) SyncComplete(node txnid.NodeId, epoch uint64, ranges keys.Ranges) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[epoch]
	if !ok {
		return fmt.Errorf("topology: unknown epoch %d", epoch)
	}
	state.syncedBy[node] = state.syncedBy[node].Union(ranges)

	newlySynced := state.SyncedRanges()
	for e := epoch + 1; e <= m.curEpoch; e++ {
		later, ok := m.states[e]
		if !ok {
			continue
		}
		cascade := newlySynced.Intersect(later.Topology.totalRanges())
		later.markSynced(cascade, later.SyncElectorate)
	}
	return nil
}

// EpochClosed marks that no new transactions may be proposed against
// ranges in epoch.
func (m *Manager) EpochClosed(ranges keys.Ranges, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[epoch]
	if !ok {
		return fmt.Errorf("topology: unknown epoch %d", epoch)
	}
	state.closed = state.closed.Union(ranges)
	return nil
}

// EpochRedundant marks that every proposable transaction for epoch over
// ranges has been globally applied; the epoch may now be GC'd downward
// for that sub-range.
func (m *Manager) EpochRedundant(ranges keys.Ranges, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[epoch]
	if !ok {
		return fmt.Errorf("topology: unknown epoch %d", epoch)
	}
	state.complete = state.complete.Union(ranges)
	return nil
}

// TruncateUntil drops epochs older than epoch; it requires their sync is
// complete (every shard range fully synced forward into the next epoch,
// or marked complete in the dropped epoch itself).
func (m *Manager) TruncateUntil(epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for e := m.minEpoch; e < epoch; e++ {
		state, ok := m.states[e]
		if !ok {
			continue
		}
		total := state.Topology.totalRanges()
		covered := state.complete
		if next, ok := m.states[e+1]; ok {
			covered = covered.Union(next.SyncedRanges())
		}
		if covered.Intersect(total).Len() < total.Len() {
			return fmt.Errorf("topology: epoch %d is not fully synced/complete, cannot truncate", e)
		}
	}
	for e := m.minEpoch; e < epoch; e++ {
		delete(m.states, e)
	}
	if epoch > m.minEpoch {
		m.minEpoch = epoch
	}
	return nil
}

// PreciseEpochs returns the exact union of epochs in [minEpoch, maxEpoch].
func (m *Manager) PreciseEpochs(minEpoch, maxEpoch uint64) (Topologies, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.windowLocked(minEpoch, maxEpoch)
}

func (m *Manager) windowLocked(minEpoch, maxEpoch uint64) (Topologies, error) {
	var out []*Topology
	for e := minEpoch; e <= maxEpoch; e++ {
		state, ok := m.states[e]
		if !ok {
			return Topologies{}, fmt.Errorf("topology: epoch %d not available (window [%d,%d])", e, m.minEpoch, m.curEpoch)
		}
		out = append(out, state.Topology)
	}
	return NewTopologies(out...), nil
}

// WithUnsyncedEpochs extends the precise [minEpoch, maxEpoch] selection
// downward through any older epoch whose synced ranges do not fully cover
// the route, per spec §4.2: "an epoch added to the selection is needed
// only if it contains a range of the selection that has not been
// transferred (synced) from an earlier epoch still in the selection."
func (m *Manager) WithUnsyncedEpochs(route keys.Route, minEpoch, maxEpoch uint64) (Topologies, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur := minEpoch
	for cur > m.minEpoch {
		state, ok := m.states[cur]
		if !ok {
			break
		}
		routeRanges := routeRangesIn(route, state.Topology)
		unsynced := routeRanges.Without(state.SyncedRanges())
		if unsynced.Len() == 0 {
			break
		}
		cur--
	}
	return m.windowLocked(cur, maxEpoch)
}

// WithOpenEpochs extends the precise [minEpoch, maxEpoch] selection
// upward through any newer epoch where the route's ranges are not yet
// closed — new proposals could still land there, so the dual watermark
// to "synced" for this direction is "closed" (spec §4.2).
func (m *Manager) WithOpenEpochs(route keys.Route, minEpoch, maxEpoch uint64) (Topologies, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.extendUpwardLocked(route, minEpoch, maxEpoch, func(s *EpochState) keys.Ranges { return s.closed })
}

// WithUncompletedEpochs is the same extension as WithOpenEpochs but keyed
// off the "complete" watermark instead of "closed", used by cleanup/GC
// decisions that must see every epoch not yet fully applied.
func (m *Manager) WithUncompletedEpochs(route keys.Route, minEpoch, maxEpoch uint64) (Topologies, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.extendUpwardLocked(route, minEpoch, maxEpoch, func(s *EpochState) keys.Ranges { return s.complete })
}

func (m *Manager) extendUpwardLocked(route keys.Route, minEpoch, maxEpoch uint64, watermark func(*EpochState) keys.Ranges) (Topologies, error) {
	cur := maxEpoch
	for cur < m.curEpoch {
		state, ok := m.states[cur]
		if !ok {
			break
		}
		routeRanges := routeRangesIn(route, state.Topology)
		uncovered := routeRanges.Without(watermark(state))
		if uncovered.Len() == 0 {
			break
		}
		cur++
	}
	return m.windowLocked(minEpoch, cur)
}

func routeRangesIn(route keys.Route, t *Topology) keys.Ranges {
	if route.IsRange() {
		return route.Ranges.Intersect(t.totalRanges())
	}
	var out keys.Ranges
	for _, s := range t.Shards {
		if route.Keys.Slice(s.Range.Start, s.Range.End).Len() > 0 {
			out = append(out, s.Range)
		}
	}
	return keys.NewRanges(out...)
}
