// Package cluster implements the node-to-node Transport of spec §4.12:
// it satisfies both coordinator.Transport and recovery.Transport by
// dialing (or reusing) a connection per remote node and exchanging
// gob-framed message.* request/reply pairs.
//
// Grounded on the teacher's RemoteNode.SendMessage/getConnection
// (bdeggleston-kickboxerdb/src/cluster/node.go), with its
// partitioner/topology-aware handshake dropped (see DESIGN.md "Dropped
// teacher code") since peer identity now comes from the node
// directory, not a ring handshake. The per-message Timing/Inc calls
// mirror testing_mocks.go's mockNode.SendMessage instrumentation
// almost exactly, swapped from a mock Statter to a real one. The
// teacher's ConnectionPool (fixed-size, addr-keyed) is replaced by an
// LRU-bounded pool so a node with many peers doesn't hold one
// connection open per peer forever.
package cluster

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/op/go-logging"

	"github.com/bdeggleston/accord/message"
	"github.com/bdeggleston/accord/node"
	"github.com/bdeggleston/accord/txnid"
)

var logger = logging.MustGetLogger("cluster")

// Conn is the minimal duplex byte stream a dialed peer connection must
// support, standing in for the teacher's *Connection (itself a wrapped
// net.Conn); kept abstract here since the actual wire transport is an
// external collaborator (spec §1), same as store/journal.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// Dialer opens a Conn to addr.
type Dialer interface {
	Dial(addr string) (Conn, error)
}

// Stats is the subset of statsd.Statter the cluster transport uses,
// grounded on the teacher's stats.Inc/stats.Timing calls in
// testing_mocks.go's mockNode.SendMessage.
type Stats interface {
	Inc(stat string, value int64, rate float32) error
	Timing(stat string, delta int64, rate float32) error
}

type noopStats struct{}

func (noopStats) Inc(string, int64, float32) error    { return nil }
func (noopStats) Timing(string, int64, float32) error { return nil }

// Cluster is the Transport every coordinator.Coordinator and
// recovery.Coordinator sends through.
type Cluster struct {
	Self   txnid.NodeId
	Dir    *node.Directory
	Dialer Dialer
	Stats  Stats

	pool *lru.Cache[txnid.NodeId, Conn]
}

// New builds a Cluster whose connection pool holds at most poolSize
// open connections, evicting (and closing) the least-recently-used one
// once full — the LRU budget DESIGN.md's cfk entry deferred to here.
func New(self txnid.NodeId, dir *node.Directory, dialer Dialer, poolSize int, stats Stats) (*Cluster, error) {
	if stats == nil {
		stats = noopStats{}
	}
	pool, err := lru.NewWithEvict[txnid.NodeId, Conn](poolSize, func(id txnid.NodeId, c Conn) {
		_ = c.Close()
	})
	if err != nil {
		return nil, err
	}
	return &Cluster{Self: self, Dir: dir, Dialer: dialer, Stats: stats, pool: pool}, nil
}

func (c *Cluster) connFor(id txnid.NodeId) (Conn, error) {
	if conn, ok := c.pool.Get(id); ok {
		return conn, nil
	}
	info, ok := c.Dir.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("cluster: no address known for node %v", id)
	}
	conn, err := c.Dialer.Dial(info.Addr)
	if err != nil {
		c.Dir.MarkStatus(id, node.Down)
		return nil, err
	}
	c.Dir.MarkStatus(id, node.Up)
	c.pool.Add(id, conn)
	return conn, nil
}

func (c *Cluster) evict(id txnid.NodeId) {
	if conn, ok := c.pool.Peek(id); ok {
		_ = conn.Close()
	}
	c.pool.Remove(id)
	c.Dir.MarkStatus(id, node.Down)
}

func writeFrame(w io.Writer, payload []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(length[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// roundTrip dials (or reuses) a connection to id, sends req gob-encoded
// and frame-prefixed, and decodes the response into reply. Timing and
// error counters are tagged by Go type name, same convention as the
// teacher's serialize./deserialize./process./error. stat prefixes.
func roundTrip(c *Cluster, ctx context.Context, id txnid.NodeId, req, reply interface{}) error {
	_ = ctx // logical deadline; the abstract Conn here has no deadline hook

	statTag := strings.Replace(fmt.Sprintf("%T", req), "*", "", -1)
	start := time.Now()

	conn, err := c.connFor(id)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(req); err != nil {
		return fmt.Errorf("cluster: encode %T: %w", req, err)
	}
	if err := writeFrame(conn, buf.Bytes()); err != nil {
		c.evict(id)
		_ = c.Stats.Inc("error."+statTag, 1, 1.0)
		return fmt.Errorf("cluster: send to %v: %w", id, err)
	}

	respBytes, err := readFrame(conn)
	if err != nil {
		c.evict(id)
		_ = c.Stats.Inc("error."+statTag, 1, 1.0)
		return fmt.Errorf("cluster: recv from %v: %w", id, err)
	}
	if err := gob.NewDecoder(bytes.NewReader(respBytes)).Decode(reply); err != nil {
		return fmt.Errorf("cluster: decode reply to %T: %w", req, err)
	}

	_ = c.Stats.Timing(statTag, time.Since(start).Milliseconds(), 1.0)
	return nil
}

func (c *Cluster) SendPreAccept(ctx context.Context, id txnid.NodeId, req message.PreAcceptRequest) (message.PreAcceptReply, error) {
	var reply message.PreAcceptReply
	err := roundTrip(c, ctx, id, req, &reply)
	return reply, err
}

func (c *Cluster) SendAccept(ctx context.Context, id txnid.NodeId, req message.AcceptRequest) (message.AcceptReply, error) {
	var reply message.AcceptReply
	err := roundTrip(c, ctx, id, req, &reply)
	return reply, err
}

func (c *Cluster) SendCommit(ctx context.Context, id txnid.NodeId, req message.CommitRequest) (message.CommitReply, error) {
	var reply message.CommitReply
	err := roundTrip(c, ctx, id, req, &reply)
	return reply, err
}

func (c *Cluster) SendRead(ctx context.Context, id txnid.NodeId, req message.ReadRequest) (message.ReadReply, error) {
	var reply message.ReadReply
	err := roundTrip(c, ctx, id, req, &reply)
	return reply, err
}

func (c *Cluster) SendApply(ctx context.Context, id txnid.NodeId, req message.ApplyRequest) (message.ApplyReply, error) {
	var reply message.ApplyReply
	err := roundTrip(c, ctx, id, req, &reply)
	return reply, err
}

func (c *Cluster) SendBeginRecovery(ctx context.Context, id txnid.NodeId, req message.BeginRecoveryRequest) (message.BeginRecoveryReply, error) {
	var reply message.BeginRecoveryReply
	err := roundTrip(c, ctx, id, req, &reply)
	return reply, err
}

// Close evicts and closes every pooled connection, then logs one debug
// line so shutdown is observable the way the teacher's Stop() methods are.
func (c *Cluster) Close() {
	for _, id := range c.pool.Keys() {
		c.evict(id)
	}
	logger.Debug("cluster: closed all pooled connections")
}
