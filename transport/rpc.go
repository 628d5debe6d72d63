package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/kaddht/keyspace"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTimeout is returned when no matching reply arrives in time.
	ErrTimeout = errors.New("request timed out")

	// ErrUnsolicitedReply marks a reply whose token matches no pending request.
	ErrUnsolicitedReply = errors.New("unsolicited reply")

	// ErrUnexpectedReply marks a reply with a known token but the wrong
	// variant or source.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// DefaultRequestTimeout bounds how long Call waits for a reply.
const DefaultRequestTimeout = 2 * time.Second

// NewToken returns a fresh random correlation token.
func NewToken() keyspace.Key {
	return keyspace.Random()
}

// pendingCall is an outstanding request waiting for its reply.
type pendingCall struct {
	expect MessageType
	peer   *keyspace.Key
	reply  chan *Message
}

// RPC correlates outbound requests with their replies by token.
type RPC struct {
	transport Transport
	timeout   time.Duration
	pending   map[keyspace.Key]*pendingCall
	mu        sync.Mutex
}

// NewRPC registers reply handlers on tr and returns the correlator.
func NewRPC(tr Transport, timeout time.Duration) *RPC {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	r := &RPC{
		transport: tr,
		timeout:   timeout,
		pending:   make(map[keyspace.Key]*pendingCall),
	}

	for _, t := range []MessageType{
		MessagePingReply,
		MessageFindNodeReply,
		MessageStoreReply,
		MessageFindValueReply,
	} {
		tr.RegisterHandler(t, r.handleReply)
	}

	return r
}

// Call sends req to addr under a fresh token and waits for the matching
// reply. If peer is non-nil the reply must come from that identifier. The
// registration is removed on every exit path.
func (r *RPC) Call(ctx context.Context, req *Message, addr net.Addr, peer *keyspace.Key) (*Message, error) {
	req.Token = NewToken()
	call := &pendingCall{
		expect: req.Type.ReplyType(),
		peer:   peer,
		reply:  make(chan *Message, 1),
	}

	r.mu.Lock()
	r.pending[req.Token] = call
	r.mu.Unlock()

	defer r.forget(req.Token)

	if err := r.transport.Send(req, addr); err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case reply := <-call.reply:
		return reply, nil
	case <-timer.C:
		logrus.WithFields(logrus.Fields{
			"function": "Call",
			"type":     req.Type.String(),
			"to":       addr.String(),
			"timeout":  r.timeout,
		}).Debug("Request timed out")
		return nil, fmt.Errorf("%w: %s to %s", ErrTimeout, req.Type, addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of outstanding requests.
func (r *RPC) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *RPC) forget(token keyspace.Key) {
	r.mu.Lock()
	delete(r.pending, token)
	r.mu.Unlock()
}

// handleReply delivers a reply to its waiter. Replies are delivered at most
// once; unknown tokens and mismatched variants are discarded.
func (r *RPC) handleReply(msg *Message, addr net.Addr) error {
	r.mu.Lock()
	call, ok := r.pending[msg.Token]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: token %s from %s", ErrUnsolicitedReply, msg.Token.Short(), addr)
	}
	if call.expect != msg.Type || (call.peer != nil && *call.peer != msg.Source.ID) {
		r.mu.Unlock()
		return fmt.Errorf("%w: got %s from %s", ErrUnexpectedReply, msg.Type, msg.Source)
	}
	delete(r.pending, msg.Token)
	r.mu.Unlock()

	call.reply <- msg
	return nil
}
