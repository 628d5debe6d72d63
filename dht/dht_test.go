package dht

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/kaddht/keyspace"
	"github.com/opd-ai/kaddht/limits"
	"github.com/opd-ai/kaddht/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUDPNode(t *testing.T, listen string, mutate ...func(*Config)) *DHT {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Network = "e2e"
	cfg.ListenAddr = listen
	cfg.RequestTimeout = 500 * time.Millisecond
	cfg.LookupTimeout = 5 * time.Second
	for _, m := range mutate {
		m(cfg)
	}

	d, err := New(cfg)
	require.NoError(t, err)
	d.Bootstrapper().SetBackoff(50*time.Millisecond, 200*time.Millisecond, 3)
	t.Cleanup(func() { d.Close() })
	return d
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBootstrapJoinsPeer(t *testing.T) {
	a := newUDPNode(t, "127.0.0.1:9000")
	b := newUDPNode(t, "127.0.0.1:9001")
	ctx := testContext(t)

	require.NoError(t, b.Bootstrap(ctx, "127.0.0.1:9000"))

	assert.True(t, b.RoutingTable().Contains(a.Self().ID))
	assert.True(t, a.RoutingTable().Contains(b.Self().ID), "a request is a liveness signal")
	assert.True(t, b.Bootstrapper().IsBootstrapped())

	nodes, err := b.IterativeFindNode(ctx, keyspace.Random())
	require.NoError(t, err)
	assert.Contains(t, nodes, a.Self())
}

func TestPutGetAcrossFiveNodes(t *testing.T) {
	ctx := testContext(t)

	nodes := make([]*DHT, 5)
	for i := range nodes {
		nodes[i] = newUDPNode(t, "127.0.0.1:0")
	}
	for _, n := range nodes[1:] {
		require.NoError(t, n.Bootstrap(ctx, nodes[0].Self().Addr))
	}

	require.NoError(t, nodes[1].Put(ctx, "k", []byte("v")))

	value, err := nodes[4].Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	holders := 0
	for _, n := range nodes {
		if _, ok := n.Store().Get(keyspace.FromString("k")); ok {
			holders++
		}
	}
	assert.GreaterOrEqual(t, holders, 1)
}

func TestGetFindsRemoteValue(t *testing.T) {
	ctx := testContext(t)

	nodes := make([]*DHT, 4)
	for i := range nodes {
		nodes[i] = newUDPNode(t, "127.0.0.1:0")
	}
	for _, n := range nodes[1:] {
		require.NoError(t, n.Bootstrap(ctx, nodes[0].Self().Addr))
	}

	key := keyspace.FromString("remote")
	require.NoError(t, nodes[2].Store().Put(key, []byte("held by one node")))

	value, err := nodes[3].GetKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("held by one node"), value)
}

func TestGetMissingKey(t *testing.T) {
	ctx := testContext(t)
	a := newUDPNode(t, "127.0.0.1:0")
	b := newUDPNode(t, "127.0.0.1:0")
	require.NoError(t, b.Bootstrap(ctx, a.Self().Addr))

	_, err := b.Get(ctx, "nobody has this")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutRejectsOversizedValue(t *testing.T) {
	d := newUDPNode(t, "127.0.0.1:0")

	err := d.Put(testContext(t), "big", bytes.Repeat([]byte{1}, limits.MaxValueSize+1))
	assert.ErrorIs(t, err, ErrValueTooLarge)
	assert.Equal(t, 0, d.Store().Len())
}

func TestValueExpiresAfterTTL(t *testing.T) {
	d := newUDPNode(t, "127.0.0.1:0", func(c *Config) { c.ValueTTL = time.Hour })
	clock := newMockTimeProvider()
	d.SetTimeProvider(clock)
	ctx := testContext(t)

	require.NoError(t, d.Put(ctx, "k", []byte("v")))
	value, err := d.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	clock.advance(time.Hour)

	_, err = d.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnsolicitedReplyHasNoEffect(t *testing.T) {
	d := newUDPNode(t, "127.0.0.1:0")

	stray := &transport.Message{
		Network: "e2e",
		Source:  keyspace.NodeInfo{ID: keyspace.Random(), Addr: "127.0.0.1:1"},
		Token:   transport.NewToken(),
		Type:    transport.MessageFindNodeReply,
		Nodes: []keyspace.NodeInfo{
			{ID: keyspace.Random(), Addr: "127.0.0.1:2"},
		},
	}
	data, err := transport.JSONCodec{}.Marshal(stray)
	require.NoError(t, err)

	conn, err := net.Dial("udp", d.Self().Addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(data)
	require.NoError(t, err)

	assert.Never(t, func() bool {
		return d.RoutingTable().Size() > 0 || d.Store().Len() > 0
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestNetworkIsolation(t *testing.T) {
	a := newUDPNode(t, "127.0.0.1:0", func(c *Config) { c.Network = "net-a" })
	b := newUDPNode(t, "127.0.0.1:0", func(c *Config) { c.Network = "net-b" })

	_, err := b.PingAddr(testContext(t), a.Self().Addr)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Equal(t, 0, a.RoutingTable().Size())
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	d, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	assert.NoError(t, d.Close())

	_, err = d.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.Put(context.Background(), "k", []byte("v")), ErrClosed)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Alpha = 0
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Codec = "xml"
	_, err = New(cfg)
	assert.Error(t, err)
}
