package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/kaddht/limits"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrClosed is returned when sending on a transport that has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrNetworkMismatch marks an envelope stamped with another namespace.
	ErrNetworkMismatch = errors.New("network mismatch")
)

// DefaultWorkers bounds the number of datagrams handled concurrently.
const DefaultWorkers = 64

// UDPConfig configures a datagram transport.
type UDPConfig struct {
	// Network is the namespace identifier stamped on outgoing envelopes.
	// Envelopes from any other namespace are dropped before dispatch.
	Network string
	// Codec encodes envelopes; nil selects JSONCodec.
	Codec Codec
	// Workers bounds concurrent handlers; zero selects DefaultWorkers.
	Workers int
	// Observer, if set, sees every dispatched and sent envelope.
	Observer Observer
}

// UDPTransport implements datagram communication for the DHT.
// It satisfies the Transport interface.
type UDPTransport struct {
	conn     net.PacketConn
	network  string
	codec    Codec
	observer Observer
	workers  *semaphore.Weighted
	handlers map[MessageType]Handler
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

// NewUDPTransport binds listenAddr and starts the receive loop.
func NewUDPTransport(listenAddr string, cfg UDPConfig) (*UDPTransport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	return NewPacketTransport(conn, cfg), nil
}

// NewPacketTransport serves the DHT protocol over an existing packet
// connection and starts the receive loop. The transport owns conn.
func NewPacketTransport(conn net.PacketConn, cfg UDPConfig) *UDPTransport {
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:     conn,
		network:  cfg.Network,
		codec:    cfg.Codec,
		observer: cfg.Observer,
		workers:  semaphore.NewWeighted(int64(cfg.Workers)),
		handlers: make(map[MessageType]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewPacketTransport",
		"local":    conn.LocalAddr().String(),
		"network":  cfg.Network,
		"codec":    cfg.Codec.Name(),
		"workers":  cfg.Workers,
	}).Info("Datagram transport started")

	t.wg.Add(1)
	go t.processPackets()

	return t
}

// RegisterHandler registers a handler for a specific message type.
func (t *UDPTransport) RegisterHandler(msgType MessageType, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers[msgType] = handler
}

// Send stamps the transport's namespace on msg, encodes it and sends it to addr.
func (t *UDPTransport) Send(msg *Message, addr net.Addr) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}

	msg.Network = t.network
	data, err := t.codec.Marshal(msg)
	if err != nil {
		return err
	}

	if _, err := t.conn.WriteTo(data, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"type":     msg.Type.String(),
			"to":       addr.String(),
			"error":    err.Error(),
		}).Warn("Failed to send datagram")
		return fmt.Errorf("send %s to %s: %w", msg.Type, addr, err)
	}

	if t.observer != nil {
		t.observer(Outbound, msg, addr)
	}
	return nil
}

// Close shuts down the transport and waits for the receive loop to exit.
// In-flight handlers are not waited for.
func (t *UDPTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		err = t.conn.Close()
		t.wg.Wait()
		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"local":    t.conn.LocalAddr().String(),
		}).Info("Datagram transport closed")
	})
	return err
}

// LocalAddr returns the local address the transport is listening on.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// processPackets is the single receive loop.
func (t *UDPTransport) processPackets() {
	defer t.wg.Done()
	buffer := make([]byte, limits.MaxDatagramSize+1)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		data, addr, err := t.readPacketData(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		t.dispatch(data, addr)
	}
}

// readPacketData reads one datagram with a short deadline so that Close is
// noticed promptly. The returned slice is a private copy.
func (t *UDPTransport) readPacketData(buffer []byte) ([]byte, net.Addr, error) {
	_ = t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := t.conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, t.handleReadError(err)
	}

	data := make([]byte, n)
	copy(data, buffer[:n])
	return data, addr, nil
}

// handleReadError classifies connection read errors.
func (t *UDPTransport) handleReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err
	}
	if t.ctx.Err() != nil {
		return net.ErrClosed
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleReadError",
		"error":    err.Error(),
	}).Warn("Datagram read failed")
	return err
}

// dispatch hands a datagram to the worker pool. When every worker is busy the
// datagram is dropped, matching the best-effort delivery of the transport.
func (t *UDPTransport) dispatch(data []byte, addr net.Addr) {
	if !t.workers.TryAcquire(1) {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"from":     addr.String(),
		}).Debug("Worker pool exhausted, dropping datagram")
		return
	}

	go func() {
		defer t.workers.Release(1)
		t.handleDatagram(data, addr)
	}()
}

// handleDatagram decodes one datagram and runs its handler. Every failure is
// contained here.
func (t *UDPTransport) handleDatagram(data []byte, addr net.Addr) {
	msg, err := t.codec.Unmarshal(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"from":     addr.String(),
			"size":     len(data),
			"error":    err.Error(),
		}).Debug("Discarding undecodable datagram")
		return
	}

	if err := t.checkNetwork(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"from":     addr.String(),
			"error":    err.Error(),
		}).Debug("Discarding datagram from foreign network")
		return
	}

	t.mu.RLock()
	handler, exists := t.handlers[msg.Type]
	t.mu.RUnlock()

	if !exists {
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"type":     msg.Type.String(),
		}).Debug("No handler registered for message type")
		return
	}

	if t.observer != nil {
		t.observer(Inbound, msg, addr)
	}

	if err := handler(msg, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"type":     msg.Type.String(),
			"from":     addr.String(),
			"error":    err.Error(),
		}).Debug("Handler rejected message")
	}
}

// checkNetwork rejects envelopes from other namespaces.
func (t *UDPTransport) checkNetwork(msg *Message) error {
	if msg.Network != t.network {
		return fmt.Errorf("%w: got %q, want %q", ErrNetworkMismatch, msg.Network, t.network)
	}
	return nil
}
