package dht

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/kaddht/keyspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMaintained exposes a table and store without any networking.
type fakeMaintained struct {
	self  keyspace.NodeInfo
	table *RoutingTable
	store *ValueStore

	mu      sync.Mutex
	targets []keyspace.Key
}

func newFakeMaintained() *fakeMaintained {
	self := keyspace.NodeInfo{ID: keyspace.Random(), Addr: "127.0.0.1:1"}
	return &fakeMaintained{
		self:  self,
		table: NewRoutingTable(self, DefaultBucketSize),
		store: NewValueStore(time.Hour),
	}
}

func (f *fakeMaintained) Self() keyspace.NodeInfo     { return f.self }
func (f *fakeMaintained) RoutingTable() *RoutingTable { return f.table }
func (f *fakeMaintained) Store() *ValueStore          { return f.store }

func (f *fakeMaintained) IterativeFindNode(ctx context.Context, target keyspace.Key) ([]keyspace.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	return nil, nil
}

func (f *fakeMaintained) lookedUp() []keyspace.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]keyspace.Key(nil), f.targets...)
}

func TestRandomKeyInBucket(t *testing.T) {
	self := keyspace.Random()
	for idx := 0; idx < keyspace.BitLength; idx++ {
		key := randomKeyInBucket(self, idx)
		require.Equal(t, idx, self.Distance(key).PrefixLength(), "bucket %d", idx)
	}
}

func TestMaintainerSweepsExpiredValues(t *testing.T) {
	node := newFakeMaintained()
	clock := newMockTimeProvider()
	node.store.SetTimeProvider(clock)
	require.NoError(t, node.store.Put(keyspace.FromString("k"), []byte("v")))
	clock.advance(2 * time.Hour)

	m := NewMaintainer(node, &MaintenanceConfig{SweepInterval: 10 * time.Millisecond})
	m.Start()
	defer m.Stop()

	assert.Eventually(t, func() bool { return node.store.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMaintainerRefreshesStaleBuckets(t *testing.T) {
	node := newFakeMaintained()
	clock := newMockTimeProvider()
	node.table.SetTimeProvider(clock)
	node.table.Update(nodeInBucket(node.self.ID, 3, 2000))
	clock.advance(time.Hour)

	m := NewMaintainer(node, &MaintenanceConfig{RefreshInterval: 20 * time.Millisecond})
	m.Start()
	defer m.Stop()

	assert.Eventually(t, func() bool { return len(node.lookedUp()) > 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, node.table.BucketIndex(node.lookedUp()[0]), "refresh targets the stale bucket")
}

func TestMaintainerStartStop(t *testing.T) {
	m := NewMaintainer(newFakeMaintained(), nil)
	m.Start()
	m.Start()
	m.Stop()
	m.Stop()
}
