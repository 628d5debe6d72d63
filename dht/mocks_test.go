package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/kaddht/keyspace"
	"github.com/opd-ai/kaddht/transport"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	currentTime time.Time
	mu          sync.Mutex
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

type sentMessage struct {
	msg  *transport.Message
	addr net.Addr
}

// MockTransport implements transport.Transport for testing. Sent messages
// are recorded; inbound messages are injected with deliver.
type MockTransport struct {
	localAddr net.Addr
	handlers  map[transport.MessageType]transport.Handler
	sent      []sentMessage
	mu        sync.Mutex
}

func newMockTransport(localAddr string) *MockTransport {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		panic(err)
	}
	return &MockTransport{
		localAddr: addr,
		handlers:  make(map[transport.MessageType]transport.Handler),
	}
}

func (m *MockTransport) Send(msg *transport.Message, addr net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{msg: msg, addr: addr})
	return nil
}

func (m *MockTransport) Close() error {
	return nil
}

func (m *MockTransport) LocalAddr() net.Addr {
	return m.localAddr
}

func (m *MockTransport) RegisterHandler(t transport.MessageType, handler transport.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = handler
}

// deliver hands msg to the registered handler as if it arrived from addr.
func (m *MockTransport) deliver(msg *transport.Message, addr net.Addr) error {
	m.mu.Lock()
	handler, ok := m.handlers[msg.Type]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler for %s", msg.Type)
	}
	return handler(msg, addr)
}

func (m *MockTransport) lastSent() (sentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return sentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// fakePinger answers liveness probes from a fixed set of live nodes.
type fakePinger struct {
	mu    sync.Mutex
	alive map[keyspace.Key]bool
	calls int
	block chan struct{}
}

func newFakePinger() *fakePinger {
	return &fakePinger{alive: make(map[keyspace.Key]bool)}
}

func (p *fakePinger) setAlive(id keyspace.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive[id] = true
}

func (p *fakePinger) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakePinger) PingNode(ctx context.Context, node keyspace.NodeInfo) error {
	p.mu.Lock()
	p.calls++
	alive := p.alive[node.ID]
	block := p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if alive {
		return nil
	}
	return errors.New("no reply")
}

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// nodeInBucket returns a node that lands in bucket idx of a table owned by self.
func nodeInBucket(self keyspace.Key, idx, port int) keyspace.NodeInfo {
	return keyspace.NodeInfo{
		ID:   randomKeyInBucket(self, idx),
		Addr: fmt.Sprintf("127.0.0.1:%d", port),
	}
}
