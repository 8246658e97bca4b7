package cluster

import (
	"bytes"
	"context"
	"encoding/gob"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdeggleston/accord/message"
	"github.com/bdeggleston/accord/node"
	"github.com/bdeggleston/accord/txnid"
)

// pipeConn adapts net.Conn (from net.Pipe) to the cluster.Conn interface.
type pipeConn struct{ net.Conn }

type fixedDialer struct{ conns map[string]Conn }

func (d fixedDialer) Dial(addr string) (Conn, error) { return d.conns[addr], nil }

func gobEncode(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(v))
	return buf.Bytes()
}

type fakeStats struct {
	incs    []string
	timings []string
}

func (s *fakeStats) Inc(stat string, value int64, rate float32) error {
	s.incs = append(s.incs, stat)
	return nil
}
func (s *fakeStats) Timing(stat string, delta int64, rate float32) error {
	s.timings = append(s.timings, stat)
	return nil
}

func TestClusterSendPreAcceptRoundTrips(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	dialer := fixedDialer{conns: map[string]Conn{"peer": pipeConn{clientSide}}}

	dir := node.NewDirectory()
	dir.Put(node.Info{Id: 2, Addr: "peer"})

	stats := &fakeStats{}
	c, err := New(1, dir, dialer, 4, stats)
	require.NoError(t, err)

	want := message.PreAcceptReply{
		Status:    message.Ok,
		ExecuteAt: txnid.NewTimestamp(1, 10, txnid.Write, txnid.DomainKey, 2),
		FastPath:  true,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := readFrame(serverSide); err != nil {
			return
		}
		_ = writeFrame(serverSide, gobEncode(t, want))
	}()

	req := message.PreAcceptRequest{
		Header: message.Header{TxnId: txnid.New(1, 10, txnid.Write, txnid.DomainKey, 1)},
	}
	reply, err := c.SendPreAccept(context.Background(), 2, req)
	<-done
	require.NoError(t, err)
	assert.Equal(t, want.Status, reply.Status)
	assert.True(t, reply.ExecuteAt.EqualToTxnId(txnid.New(1, 10, txnid.Write, txnid.DomainKey, 2)))
	assert.True(t, reply.FastPath)
	assert.NotEmpty(t, stats.timings)
}

func TestClusterEvictsConnectionOnSendFailure(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	serverSide.Close() // closed peer: writes to clientSide will fail

	dialer := fixedDialer{conns: map[string]Conn{"peer": pipeConn{clientSide}}}
	dir := node.NewDirectory()
	dir.Put(node.Info{Id: 2, Addr: "peer"})

	c, err := New(1, dir, dialer, 4, nil)
	require.NoError(t, err)

	_, err = c.SendAccept(context.Background(), 2, message.AcceptRequest{})
	assert.Error(t, err)

	info, ok := dir.Lookup(2)
	require.True(t, ok)
	assert.Equal(t, node.Down, info.Status)
}

func TestClusterReturnsErrorForUnknownNode(t *testing.T) {
	dir := node.NewDirectory()
	c, err := New(1, dir, fixedDialer{conns: map[string]Conn{}}, 4, nil)
	require.NoError(t, err)

	_, err = c.SendCommit(context.Background(), 99, message.CommitRequest{})
	assert.Error(t, err)
}
