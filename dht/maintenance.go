package dht

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/opd-ai/kaddht/keyspace"
	"github.com/sirupsen/logrus"
)

// MaintenanceConfig holds configuration for DHT maintenance.
type MaintenanceConfig struct {
	// How often expired values are purged from the store
	SweepInterval time.Duration
	// How long a bucket may go unchanged before it is refreshed
	RefreshInterval time.Duration
}

// DefaultMaintenanceConfig returns sensible defaults for DHT maintenance.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		SweepInterval:   time.Minute,
		RefreshInterval: 15 * time.Minute,
	}
}

// maintained is the part of the endpoint the Maintainer works on.
type maintained interface {
	Self() keyspace.NodeInfo
	RoutingTable() *RoutingTable
	Store() *ValueStore
	IterativeFindNode(ctx context.Context, target keyspace.Key) ([]keyspace.NodeInfo, error)
}

// Maintainer handles periodic DHT maintenance tasks: purging expired values
// and refreshing buckets that have seen no traffic.
type Maintainer struct {
	node   maintained
	config *MaintenanceConfig

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewMaintainer creates a new DHT maintenance manager.
func NewMaintainer(node maintained, config *MaintenanceConfig) *Maintainer {
	if config == nil {
		config = DefaultMaintenanceConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Maintainer{
		node:   node,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the maintenance routines. A zero interval disables its routine.
func (m *Maintainer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return
	}
	m.isRunning = true

	if m.config.SweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepRoutine()
	}
	if m.config.RefreshInterval > 0 {
		m.wg.Add(1)
		go m.refreshRoutine()
	}
}

// Stop halts all maintenance tasks and waits for them to return.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

// sweepRoutine periodically drops expired values.
func (m *Maintainer) sweepRoutine() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepValues()
		}
	}
}

// refreshRoutine periodically refreshes stale buckets.
func (m *Maintainer) refreshRoutine() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.refreshBuckets()
		}
	}
}

func (m *Maintainer) sweepValues() {
	if removed := m.node.Store().Sweep(); removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "sweepValues",
			"removed":  removed,
		}).Debug("Swept expired values")
	}
}

// refreshBuckets looks up a random identifier in every bucket that has not
// changed within the refresh interval, repopulating it from the network.
func (m *Maintainer) refreshBuckets() {
	self := m.node.Self()
	stale := m.node.RoutingTable().StaleBuckets(m.config.RefreshInterval)

	for _, idx := range stale {
		if m.ctx.Err() != nil {
			return
		}
		target := randomKeyInBucket(self.ID, idx)
		found, err := m.node.IterativeFindNode(m.ctx, target)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "refreshBuckets",
				"bucket":   idx,
				"error":    err.Error(),
			}).Debug("Bucket refresh failed")
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "refreshBuckets",
			"bucket":   idx,
			"found":    len(found),
		}).Debug("Refreshed bucket")
	}
}

// randomKeyInBucket returns a random identifier whose distance from self has
// exactly idx leading zero bits, so it falls in bucket idx.
func randomKeyInBucket(self keyspace.Key, idx int) keyspace.Key {
	var d keyspace.Key
	_, _ = rand.Read(d[:])

	byteIdx, bitIdx := idx/8, uint(idx%8)
	for i := 0; i < byteIdx; i++ {
		d[i] = 0
	}
	// Clear the bits above idx in its byte and set bit idx.
	d[byteIdx] &= 0xFF >> bitIdx
	d[byteIdx] |= 0x80 >> bitIdx

	var out keyspace.Key
	for i := range out {
		out[i] = self[i] ^ d[i]
	}
	return out
}
