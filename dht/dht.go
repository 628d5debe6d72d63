package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/kaddht/keyspace"
	"github.com/opd-ai/kaddht/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound is returned by Get when no node holds the key.
	ErrNotFound = errors.New("value not found")

	// ErrNoReplica is returned by Put when no replica accepted the value.
	ErrNoReplica = errors.New("no replica could be reached")

	// ErrClosed is returned by operations on a closed endpoint.
	ErrClosed = errors.New("dht closed")
)

// DHT is one endpoint of the overlay: it serves PING, FIND_NODE, STORE and
// FIND_VALUE requests and exposes get/put backed by iterative lookups.
type DHT struct {
	config     Config
	self       keyspace.NodeInfo
	transport  transport.Transport
	rpc        *transport.RPC
	table      *RoutingTable
	store      *ValueStore
	bootstrap  *BootstrapManager
	maintainer *Maintainer

	ownsTransport bool
	closed        atomic.Bool
	background    sync.WaitGroup
}

// New binds cfg.ListenAddr over UDP and returns an endpoint ready to serve.
func New(cfg *Config) (*DHT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	codec, err := transport.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	tr, err := transport.NewUDPTransport(cfg.ListenAddr, transport.UDPConfig{
		Network:  cfg.Network,
		Codec:    codec,
		Workers:  cfg.Workers,
		Observer: cfg.Observer,
	})
	if err != nil {
		return nil, err
	}

	d, err := NewWithTransport(cfg, tr)
	if err != nil {
		tr.Close()
		return nil, err
	}
	d.ownsTransport = true
	return d, nil
}

// NewWithTransport builds an endpoint over an existing transport. The caller
// keeps ownership of tr.
func NewWithTransport(cfg *Config, tr transport.Transport) (*DHT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, errors.New("transport is nil")
	}

	id := cfg.ID
	if id == (keyspace.Key{}) {
		id = keyspace.Random()
	}

	d := &DHT{
		config:    *cfg,
		self:      keyspace.NodeInfo{ID: id, Addr: tr.LocalAddr().String()},
		transport: tr,
		rpc:       transport.NewRPC(tr, cfg.RequestTimeout),
		store:     NewValueStore(cfg.ValueTTL),
	}
	d.config.ID = id
	d.table = NewRoutingTable(d.self, cfg.BucketSize)
	d.table.SetPinger(d, cfg.RequestTimeout)
	d.bootstrap = NewBootstrapManager(d)
	d.registerHandlers()

	d.maintainer = NewMaintainer(d, &MaintenanceConfig{
		SweepInterval:   cfg.SweepInterval,
		RefreshInterval: cfg.RefreshInterval,
	})
	d.maintainer.Start()

	logrus.WithFields(logrus.Fields{
		"function": "NewWithTransport",
		"id":       id.String(),
		"addr":     d.self.Addr,
		"network":  cfg.Network,
	}).Info("DHT endpoint created")

	return d, nil
}

// Self returns the local node.
func (d *DHT) Self() keyspace.NodeInfo {
	return d.self
}

// RoutingTable returns the endpoint's routing table.
func (d *DHT) RoutingTable() *RoutingTable {
	return d.table
}

// Store returns the endpoint's local value store.
func (d *DHT) Store() *ValueStore {
	return d.store
}

// Bootstrapper returns the endpoint's bootstrap manager.
func (d *DHT) Bootstrapper() *BootstrapManager {
	return d.bootstrap
}

// SetTimeProvider sets the time provider of the routing table and store.
func (d *DHT) SetTimeProvider(tp TimeProvider) {
	d.table.SetTimeProvider(tp)
	d.store.SetTimeProvider(tp)
}

// Bootstrap seeds the routing table from the given peer addresses.
func (d *DHT) Bootstrap(ctx context.Context, addrs ...string) error {
	for _, addr := range addrs {
		if err := d.bootstrap.AddNode(addr); err != nil {
			return err
		}
	}
	return d.bootstrap.Bootstrap(ctx)
}

// Put stores value under the string key, hashed onto the identifier space.
func (d *DHT) Put(ctx context.Context, key string, value []byte) error {
	return d.PutKey(ctx, keyspace.FromString(key), value)
}

// Get retrieves the value stored under the string key.
func (d *DHT) Get(ctx context.Context, key string) ([]byte, error) {
	return d.GetKey(ctx, keyspace.FromString(key))
}

// PutKey stores value on the K nodes closest to key, including the local
// node when it is among them. It succeeds once any replica accepts the value.
func (d *DHT) PutKey(ctx context.Context, key keyspace.Key, value []byte) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := validateValue(value); err != nil {
		return err
	}

	closest, err := d.IterativeFindNode(ctx, key)
	if err != nil {
		return err
	}

	k := d.config.ReplicationFactor
	var stored atomic.Int32

	if d.selfAmongClosest(key, closest) {
		if err := d.store.Put(key, value); err == nil {
			stored.Add(1)
		}
		if len(closest) >= k {
			closest = closest[:k-1]
		}
	}

	var g errgroup.Group
	g.SetLimit(d.config.Alpha)
	for _, node := range closest {
		node := node
		g.Go(func() error {
			if err := d.storeAt(ctx, node, key, value); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "PutKey",
					"key":      key.Short(),
					"node":     node.String(),
					"error":    err.Error(),
				}).Debug("Replica store failed")
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	replicas := int(stored.Load())
	logrus.WithFields(logrus.Fields{
		"function": "PutKey",
		"key":      key.Short(),
		"targets":  len(closest),
		"replicas": replicas,
	}).Info("Put completed")

	if replicas == 0 {
		return fmt.Errorf("%w: key %s", ErrNoReplica, key.Short())
	}
	return nil
}

// GetKey returns the value for key, consulting the local store before
// traversing the network. After a network hit the value is also stored on
// the closest queried node that lacked it.
func (d *DHT) GetKey(ctx context.Context, key keyspace.Key) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if value, ok := d.store.Get(key); ok {
		return value, nil
	}

	result, err := d.IterativeFindValue(ctx, key)
	if err != nil {
		return nil, err
	}
	if !result.Found {
		return nil, fmt.Errorf("%w: key %s", ErrNotFound, key.Short())
	}

	if result.CacheTarget != nil {
		d.cacheForward(*result.CacheTarget, key, result.Value)
	}
	return result.Value, nil
}

// cacheForward stores value on target in the background.
func (d *DHT) cacheForward(target keyspace.NodeInfo, key keyspace.Key, value []byte) {
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.config.RequestTimeout)
		defer cancel()
		if err := d.storeAt(ctx, target, key, value); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "cacheForward",
				"key":      key.Short(),
				"node":     target.String(),
				"error":    err.Error(),
			}).Debug("Cache forward failed")
		}
	}()
}

// selfAmongClosest reports whether the local node belongs in the K closest
// to key given the lookup result.
func (d *DHT) selfAmongClosest(key keyspace.Key, closest []keyspace.NodeInfo) bool {
	if len(closest) < d.config.ReplicationFactor {
		return true
	}
	farthest := closest[len(closest)-1]
	return d.self.ID.Distance(key).Less(farthest.ID.Distance(key))
}

// Close stops maintenance and, if the endpoint created it, the transport.
func (d *DHT) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.maintainer.Stop()
	d.background.Wait()
	d.table.waitForProbes()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"id":       d.self.ID.Short(),
	}).Info("DHT endpoint closed")

	if d.ownsTransport {
		return d.transport.Close()
	}
	return nil
}

// PingAddr pings an address whose identifier is not yet known and records
// the responder in the routing table.
func (d *DHT) PingAddr(ctx context.Context, addr string) (keyspace.NodeInfo, error) {
	udpAddr, err := resolve(addr)
	if err != nil {
		return keyspace.NodeInfo{}, err
	}

	reply, err := d.rpc.Call(ctx, transport.NewRequest(transport.MessagePingRequest, d.self), udpAddr, nil)
	if err != nil {
		return keyspace.NodeInfo{}, err
	}

	peer := keyspace.NodeInfo{ID: reply.Source.ID, Addr: addr}
	d.table.Update(peer)
	return peer, nil
}

// PingNode pings a known node. It satisfies Pinger for eviction probes.
func (d *DHT) PingNode(ctx context.Context, node keyspace.NodeInfo) error {
	_, err := d.call(ctx, node, transport.NewRequest(transport.MessagePingRequest, d.self))
	return err
}

// findNode asks node for its closest nodes to target.
func (d *DHT) findNode(ctx context.Context, node keyspace.NodeInfo, target keyspace.Key) ([]keyspace.NodeInfo, error) {
	req := transport.NewRequest(transport.MessageFindNodeRequest, d.self)
	req.Key = &target

	reply, err := d.call(ctx, node, req)
	if err != nil {
		return nil, err
	}
	return reply.Nodes, nil
}

// findValue asks node for key; the reply carries either the value or nodes.
func (d *DHT) findValue(ctx context.Context, node keyspace.NodeInfo, key keyspace.Key) (*transport.Message, error) {
	req := transport.NewRequest(transport.MessageFindValueRequest, d.self)
	req.Key = &key
	return d.call(ctx, node, req)
}

// storeAt asks node to store value under key.
func (d *DHT) storeAt(ctx context.Context, node keyspace.NodeInfo, key keyspace.Key, value []byte) error {
	req := transport.NewRequest(transport.MessageStoreRequest, d.self)
	req.Key = &key
	req.Value = value

	reply, err := d.call(ctx, node, req)
	if err != nil {
		return err
	}
	if !reply.Stored {
		return fmt.Errorf("store rejected by %s: %s", node, reply.Error)
	}
	return nil
}

// call performs one request to a known node. A reply refreshes the node in
// the routing table; a failure counts against it.
func (d *DHT) call(ctx context.Context, node keyspace.NodeInfo, req *transport.Message) (*transport.Message, error) {
	addr, err := resolve(node.Addr)
	if err != nil {
		return nil, err
	}

	id := node.ID
	reply, err := d.rpc.Call(ctx, req, addr, &id)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			d.table.RecordFailure(node.ID)
		}
		return nil, err
	}

	d.table.Update(keyspace.NodeInfo{ID: reply.Source.ID, Addr: node.Addr})
	return reply, nil
}

func resolve(addr string) (net.Addr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	return udpAddr, nil
}

// lookupContext derives the per-lookup deadline.
func (d *DHT) lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.config.LookupTimeout)
}
