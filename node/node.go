// Package node implements the node directory of spec §4.12: the
// address book a Cluster transport consults to route a message to a
// given txnid.NodeId.
//
// Grounded on the teacher's baseNode/LocalNode/RemoteNode split
// (bdeggleston-kickboxerdb/src/cluster/node.go), with the
// partitioner.Token/topology.DatacenterID consistent-hash fields
// dropped (see DESIGN.md "Dropped teacher code") since routing is now
// driven entirely by topology.Shard membership, not token ownership.
package node

import (
	"sync"

	"github.com/bdeggleston/accord/txnid"
)

// Status mirrors the teacher's topology.NodeStatus (NODE_UP/NODE_DOWN/
// NODE_INITIALIZING), kept local to this package since topology no
// longer needs per-node liveness, only per-shard membership.
type Status uint8

const (
	Initializing Status = iota
	Up
	Down
)

func (s Status) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Up:
		return "Up"
	case Down:
		return "Down"
	default:
		return "Unknown"
	}
}

// Info is everything the directory knows about one peer.
type Info struct {
	Id     txnid.NodeId
	Addr   string
	Status Status
}

// Directory is a concurrency-safe map from NodeId to Info, replacing
// the teacher's Cluster-embedded node map (cluster.go's `nodes
// map[node.NodeId]topology.Node`) with a plain address book the
// transport layer consults, now that topology itself owns shard
// membership.
type Directory struct {
	mu    sync.RWMutex
	nodes map[txnid.NodeId]Info
}

func NewDirectory() *Directory {
	return &Directory{nodes: make(map[txnid.NodeId]Info)}
}

func (d *Directory) Put(info Info) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[info.Id] = info
}

func (d *Directory) Remove(id txnid.NodeId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, id)
}

func (d *Directory) Lookup(id txnid.NodeId) (Info, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.nodes[id]
	return info, ok
}

// MarkStatus updates a known node's liveness without touching its
// address, a no-op if the node is unknown.
func (d *Directory) MarkStatus(id txnid.NodeId, status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info, ok := d.nodes[id]; ok {
		info.Status = status
		d.nodes[id] = info
	}
}

func (d *Directory) All() []Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Info, 0, len(d.nodes))
	for _, info := range d.nodes {
		out = append(out, info)
	}
	return out
}
