package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/kaddht/keyspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every PING with a reply from self.
func echoServer(t *testing.T, tr *UDPTransport, self keyspace.NodeInfo) {
	t.Helper()
	tr.RegisterHandler(MessagePingRequest, func(msg *Message, addr net.Addr) error {
		return tr.Send(NewReply(msg, self), addr)
	})
}

func TestRPCCallMatchesReply(t *testing.T) {
	client := newTestTransport(t, "n")
	server := newTestTransport(t, "n")
	serverInfo := keyspace.NodeInfo{ID: keyspace.Random(), Addr: server.LocalAddr().String()}
	echoServer(t, server, serverInfo)

	rpc := NewRPC(client, time.Second)
	req := NewRequest(MessagePingRequest, keyspace.NodeInfo{ID: keyspace.Random(), Addr: client.LocalAddr().String()})

	reply, err := rpc.Call(context.Background(), req, server.LocalAddr(), &serverInfo.ID)
	require.NoError(t, err)
	assert.Equal(t, req.Token, reply.Token)
	assert.Equal(t, MessagePingReply, reply.Type)
	assert.Equal(t, serverInfo.ID, reply.Source.ID)
	assert.Equal(t, 0, rpc.Pending())
}

func TestRPCCallTimesOut(t *testing.T) {
	client := newTestTransport(t, "n")
	silent := newTestTransport(t, "n")

	rpc := NewRPC(client, 200*time.Millisecond)
	req := NewRequest(MessagePingRequest, keyspace.NodeInfo{ID: keyspace.Random(), Addr: client.LocalAddr().String()})

	start := time.Now()
	_, err := rpc.Call(context.Background(), req, silent.LocalAddr(), nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, rpc.Pending(), "timed out request must not leak")
}

func TestRPCCallRespectsContext(t *testing.T) {
	client := newTestTransport(t, "n")
	silent := newTestTransport(t, "n")

	rpc := NewRPC(client, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	req := NewRequest(MessagePingRequest, keyspace.NodeInfo{ID: keyspace.Random(), Addr: client.LocalAddr().String()})
	_, err := rpc.Call(ctx, req, silent.LocalAddr(), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, rpc.Pending())
}

func TestRPCRejectsReplyFromWrongPeer(t *testing.T) {
	client := newTestTransport(t, "n")
	server := newTestTransport(t, "n")
	echoServer(t, server, keyspace.NodeInfo{ID: keyspace.Random(), Addr: server.LocalAddr().String()})

	rpc := NewRPC(client, 300*time.Millisecond)
	expected := keyspace.Random()
	req := NewRequest(MessagePingRequest, keyspace.NodeInfo{ID: keyspace.Random(), Addr: client.LocalAddr().String()})

	_, err := rpc.Call(context.Background(), req, server.LocalAddr(), &expected)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRPCDiscardsUnsolicitedReply(t *testing.T) {
	client := newTestTransport(t, "n")
	rpc := NewRPC(client, time.Second)

	stray := &Message{
		Source: keyspace.NodeInfo{ID: keyspace.Random(), Addr: "127.0.0.1:1"},
		Token:  NewToken(),
		Type:   MessagePingReply,
	}
	err := rpc.handleReply(stray, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	assert.ErrorIs(t, err, ErrUnsolicitedReply)
	assert.Equal(t, 0, rpc.Pending())
}

func TestRPCDeliversReplyOnce(t *testing.T) {
	client := newTestTransport(t, "n")
	rpc := NewRPC(client, time.Second)

	token := NewToken()
	call := &pendingCall{expect: MessagePingReply, reply: make(chan *Message, 1)}
	rpc.mu.Lock()
	rpc.pending[token] = call
	rpc.mu.Unlock()

	reply := &Message{
		Source: keyspace.NodeInfo{ID: keyspace.Random(), Addr: "127.0.0.1:1"},
		Token:  token,
		Type:   MessagePingReply,
	}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}

	require.NoError(t, rpc.handleReply(reply, addr))
	assert.ErrorIs(t, rpc.handleReply(reply, addr), ErrUnsolicitedReply)
	assert.Len(t, call.reply, 1)
}

func TestRPCKeepsWaitingOnWrongVariant(t *testing.T) {
	client := newTestTransport(t, "n")
	rpc := NewRPC(client, time.Second)

	token := NewToken()
	rpc.mu.Lock()
	rpc.pending[token] = &pendingCall{expect: MessageFindNodeReply, reply: make(chan *Message, 1)}
	rpc.mu.Unlock()

	wrong := &Message{
		Source: keyspace.NodeInfo{ID: keyspace.Random(), Addr: "127.0.0.1:1"},
		Token:  token,
		Type:   MessagePingReply,
	}
	err := rpc.handleReply(wrong, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	assert.ErrorIs(t, err, ErrUnexpectedReply)
	assert.Equal(t, 1, rpc.Pending())
}
