package dht

import (
	"net"

	"github.com/opd-ai/kaddht/keyspace"
	"github.com/opd-ai/kaddht/transport"
	"github.com/sirupsen/logrus"
)

// registerHandlers wires the request handlers into the transport.
func (d *DHT) registerHandlers() {
	d.transport.RegisterHandler(transport.MessagePingRequest, d.handlePing)
	d.transport.RegisterHandler(transport.MessageFindNodeRequest, d.handleFindNode)
	d.transport.RegisterHandler(transport.MessageStoreRequest, d.handleStore)
	d.transport.RegisterHandler(transport.MessageFindValueRequest, d.handleFindValue)
}

// observeSender treats any request as a liveness signal from its sender. The
// address recorded is the one the datagram arrived from, not the one the
// sender advertises.
func (d *DHT) observeSender(msg *transport.Message, addr net.Addr) {
	d.table.Update(keyspace.NodeInfo{ID: msg.Source.ID, Addr: addr.String()})
}

func (d *DHT) handlePing(msg *transport.Message, addr net.Addr) error {
	d.observeSender(msg, addr)
	return d.transport.Send(transport.NewReply(msg, d.self), addr)
}

func (d *DHT) handleFindNode(msg *transport.Message, addr net.Addr) error {
	d.observeSender(msg, addr)

	reply := transport.NewReply(msg, d.self)
	reply.Nodes = d.table.ClosestNodes(msg.TargetKey(), d.config.ReplicationFactor)
	return d.transport.Send(reply, addr)
}

// handleStore accepts the value unconditionally, overwriting any previous
// value and restarting its TTL.
func (d *DHT) handleStore(msg *transport.Message, addr net.Addr) error {
	d.observeSender(msg, addr)

	key := msg.TargetKey()
	reply := transport.NewReply(msg, d.self)
	if err := d.store.Put(key, msg.Value); err != nil {
		reply.Error = err.Error()
		logrus.WithFields(logrus.Fields{
			"function": "handleStore",
			"key":      key.Short(),
			"from":     addr.String(),
			"error":    err.Error(),
		}).Warn("Rejected store request")
	} else {
		reply.Stored = true
		logrus.WithFields(logrus.Fields{
			"function": "handleStore",
			"key":      key.Short(),
			"from":     addr.String(),
			"size":     len(msg.Value),
		}).Debug("Stored value")
	}
	return d.transport.Send(reply, addr)
}

// handleFindValue answers with the value when held locally, and with the
// closest known nodes otherwise.
func (d *DHT) handleFindValue(msg *transport.Message, addr net.Addr) error {
	d.observeSender(msg, addr)

	key := msg.TargetKey()
	reply := transport.NewReply(msg, d.self)
	if value, ok := d.store.Get(key); ok {
		reply.Found = true
		reply.Value = value
	} else {
		reply.Nodes = d.table.ClosestNodes(key, d.config.ReplicationFactor)
	}
	return d.transport.Send(reply, addr)
}
