package dht

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/kaddht/keyspace"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBucketSize is the maximum number of entries per k-bucket.
	DefaultBucketSize = 20

	// DefaultReplacementCacheSize bounds the per-bucket replacement cache.
	DefaultReplacementCacheSize = 8

	// DefaultProbeTimeout bounds an eviction liveness probe.
	DefaultProbeTimeout = 2 * time.Second
)

// Pinger checks whether a node is alive. The routing table uses it to probe
// the least-recently-seen entry of a full bucket.
type Pinger interface {
	PingNode(ctx context.Context, node keyspace.NodeInfo) error
}

// UpdateResult reports what RoutingTable.Update did with a node.
type UpdateResult uint8

const (
	// UpdateIgnored means the node was the local node, or a known node
	// reported through Learn.
	UpdateIgnored UpdateResult = iota
	// UpdateAdded means the node was inserted as most recently seen.
	UpdateAdded
	// UpdateRefreshed means a known node was moved to most recently seen.
	UpdateRefreshed
	// UpdatePending means the bucket was full; the node waits in the
	// replacement cache while the oldest entry is probed.
	UpdatePending
)

// KBucket holds up to maxSize nodes ordered least- to most-recently seen.
// Buckets are guarded by the owning RoutingTable's lock.
type KBucket struct {
	nodes        []*Node
	replacements []keyspace.NodeInfo
	maxSize      int
	replCap      int
	probing      bool
	lastChanged  time.Time
}

// NewKBucket creates a new k-bucket with the specified maximum size.
func NewKBucket(maxSize int) *KBucket {
	return &KBucket{
		nodes:   make([]*Node, 0, maxSize),
		maxSize: maxSize,
		replCap: DefaultReplacementCacheSize,
	}
}

func (kb *KBucket) indexOf(id keyspace.Key) int {
	for i, n := range kb.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

// moveToBack makes the entry at i the most recently seen.
func (kb *KBucket) moveToBack(i int) {
	n := kb.nodes[i]
	kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
	kb.nodes = append(kb.nodes, n)
}

func (kb *KBucket) removeAt(i int) {
	kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
}

func (kb *KBucket) firstBad() int {
	for i, n := range kb.nodes {
		if n.Status == StatusBad {
			return i
		}
	}
	return -1
}

// addReplacement caches a node that did not fit, keeping the freshest entries.
func (kb *KBucket) addReplacement(info keyspace.NodeInfo) {
	for i := range kb.replacements {
		if kb.replacements[i].ID == info.ID {
			kb.replacements = append(kb.replacements[:i], kb.replacements[i+1:]...)
			break
		}
	}
	if len(kb.replacements) >= kb.replCap {
		kb.replacements = kb.replacements[1:]
	}
	kb.replacements = append(kb.replacements, info)
}

// popReplacement returns the most recently cached replacement.
func (kb *KBucket) popReplacement() (keyspace.NodeInfo, bool) {
	n := len(kb.replacements)
	if n == 0 {
		return keyspace.NodeInfo{}, false
	}
	info := kb.replacements[n-1]
	kb.replacements = kb.replacements[:n-1]
	return info, true
}

// RoutingTable manages the k-buckets of one endpoint. Bucket i holds the
// nodes whose distance to the local identifier has exactly i leading zero
// bits. All access is serialized by a single lock that is never held across
// a network wait.
type RoutingTable struct {
	self         keyspace.NodeInfo
	buckets      [keyspace.BitLength]*KBucket
	bucketSize   int
	pinger       Pinger
	probeTimeout time.Duration
	timeProvider TimeProvider
	probes       sync.WaitGroup
	mu           sync.RWMutex
}

// NewRoutingTable creates a routing table for the local node self.
func NewRoutingTable(self keyspace.NodeInfo, bucketSize int) *RoutingTable {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	rt := &RoutingTable{
		self:         self,
		bucketSize:   bucketSize,
		probeTimeout: DefaultProbeTimeout,
		timeProvider: DefaultTimeProvider{},
	}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket(bucketSize)
	}
	return rt
}

// SetPinger installs the liveness check used for eviction. Without a pinger
// a full bucket keeps its entries and newcomers only enter the replacement
// cache.
func (rt *RoutingTable) SetPinger(p Pinger, timeout time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pinger = p
	if timeout > 0 {
		rt.probeTimeout = timeout
	}
}

// SetTimeProvider sets the time provider for deterministic testing.
func (rt *RoutingTable) SetTimeProvider(tp TimeProvider) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.timeProvider = timeProviderOrDefault(tp)
}

// Self returns the local node.
func (rt *RoutingTable) Self() keyspace.NodeInfo {
	return rt.self
}

// BucketIndex returns the bucket a given identifier belongs in.
func (rt *RoutingTable) BucketIndex(id keyspace.Key) int {
	return rt.self.ID.Distance(id).PrefixLength()
}

// Update records contact with node. Known nodes are refreshed to most
// recently seen; unknown nodes are inserted while the bucket has room. When
// the bucket is full a bad entry is replaced outright; otherwise the newcomer
// is cached and the least-recently-seen entry is probed asynchronously, so
// Update never blocks on the network.
func (rt *RoutingTable) Update(node keyspace.NodeInfo) UpdateResult {
	return rt.insert(node, true)
}

// Learn adds a node reported by another peer. Unknown nodes are inserted
// under the same capacity and replacement rules as Update; a known entry is
// left untouched, since only direct contact confirms an address.
func (rt *RoutingTable) Learn(node keyspace.NodeInfo) UpdateResult {
	return rt.insert(node, false)
}

func (rt *RoutingTable) insert(node keyspace.NodeInfo, confirmed bool) UpdateResult {
	if node.ID == rt.self.ID {
		return UpdateIgnored
	}

	idx := rt.BucketIndex(node.ID)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.timeProvider.Now()
	kb := rt.buckets[idx]

	if i := kb.indexOf(node.ID); i >= 0 {
		if !confirmed {
			return UpdateIgnored
		}
		kb.nodes[i].Touch(node.Addr, now)
		kb.moveToBack(i)
		kb.lastChanged = now
		return UpdateRefreshed
	}

	if len(kb.nodes) < kb.maxSize {
		kb.nodes = append(kb.nodes, NewNode(node, now))
		kb.lastChanged = now
		return UpdateAdded
	}

	if i := kb.firstBad(); i >= 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Update",
			"bucket":   idx,
			"evicted":  kb.nodes[i].NodeInfo.String(),
			"added":    node.String(),
		}).Debug("Replacing bad node")
		kb.removeAt(i)
		kb.nodes = append(kb.nodes, NewNode(node, now))
		kb.lastChanged = now
		return UpdateAdded
	}

	kb.addReplacement(node)

	if rt.pinger == nil || kb.probing {
		return UpdatePending
	}

	kb.probing = true
	oldest := kb.nodes[0]
	oldest.RecordPingSent(now)

	rt.probes.Add(1)
	go rt.probe(idx, oldest.NodeInfo, rt.pinger, rt.probeTimeout)

	return UpdatePending
}

// probe pings the least-recently-seen entry of bucket idx. A dead entry is
// evicted and the freshest replacement promoted; a live entry is refreshed
// and the replacements stay cached.
func (rt *RoutingTable) probe(idx int, oldest keyspace.NodeInfo, pinger Pinger, timeout time.Duration) {
	defer rt.probes.Done()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := pinger.PingNode(ctx, oldest)
	cancel()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.timeProvider.Now()
	kb := rt.buckets[idx]
	kb.probing = false

	i := kb.indexOf(oldest.ID)
	if err == nil {
		if i >= 0 {
			kb.nodes[i].RecordPingResponse(true, now)
			kb.moveToBack(i)
		}
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "probe",
		"bucket":   idx,
		"node":     oldest.String(),
		"error":    err.Error(),
	}).Debug("Evicting unresponsive node")

	if i >= 0 {
		kb.removeAt(i)
	}
	if len(kb.nodes) < kb.maxSize {
		if repl, ok := kb.popReplacement(); ok {
			kb.nodes = append(kb.nodes, NewNode(repl, now))
		}
	}
	kb.lastChanged = now
}

// waitForProbes blocks until all in-flight eviction probes have finished.
func (rt *RoutingTable) waitForProbes() {
	rt.probes.Wait()
}

// RecordFailure notes that a request to id went unanswered. Repeated
// failures mark the node bad, making it the first to be replaced.
func (rt *RoutingTable) RecordFailure(id keyspace.Key) {
	if id == rt.self.ID {
		return
	}
	idx := rt.BucketIndex(id)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := rt.buckets[idx]
	if i := kb.indexOf(id); i >= 0 {
		kb.nodes[i].RecordPingResponse(false, rt.timeProvider.Now())
	}
}

// Remove deletes the node with the given identifier.
// Returns true if the node was found and removed.
func (rt *RoutingTable) Remove(id keyspace.Key) bool {
	if id == rt.self.ID {
		return false
	}
	idx := rt.BucketIndex(id)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	kb := rt.buckets[idx]
	if i := kb.indexOf(id); i >= 0 {
		kb.removeAt(i)
		return true
	}
	return false
}

// Contains reports whether id is in the table.
func (rt *RoutingTable) Contains(id keyspace.Key) bool {
	idx := rt.BucketIndex(id)

	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[idx].indexOf(id) >= 0
}

// ClosestNodes returns up to count known nodes ordered by ascending distance
// to target. Buckets are visited outward from the target's bucket: first the
// target's own bucket, then every farther-index bucket (all of which sit at
// the same distance class), then the nearer-index buckets in descending
// order, stopping once a completed class yields count nodes.
func (rt *RoutingTable) ClosestNodes(target keyspace.Key, count int) []keyspace.NodeInfo {
	if count <= 0 {
		return []keyspace.NodeInfo{}
	}

	idx := rt.BucketIndex(target)

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	result := make([]keyspace.NodeInfo, 0, count)
	collect := func(i int) {
		for _, n := range rt.buckets[i].nodes {
			result = append(result, n.NodeInfo)
		}
	}

	collect(idx)
	if len(result) < count {
		for i := idx + 1; i < keyspace.BitLength; i++ {
			collect(i)
		}
	}
	for i := idx - 1; i >= 0 && len(result) < count; i-- {
		collect(i)
	}

	keyspace.SortByDistance(result, target)
	if len(result) > count {
		result = result[:count]
	}
	return result
}

// Nodes returns a copy of every entry in the table, bucket by bucket.
func (rt *RoutingTable) Nodes() []Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []Node
	for _, kb := range rt.buckets {
		for _, n := range kb.nodes {
			all = append(all, *n)
		}
	}
	return all
}

// BucketNodes returns the entries of bucket i from least to most recently seen.
func (rt *RoutingTable) BucketNodes(i int) []keyspace.NodeInfo {
	if i < 0 || i >= keyspace.BitLength {
		return nil
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	nodes := make([]keyspace.NodeInfo, 0, len(rt.buckets[i].nodes))
	for _, n := range rt.buckets[i].nodes {
		nodes = append(nodes, n.NodeInfo)
	}
	return nodes
}

// Size returns the number of nodes in the table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	total := 0
	for _, kb := range rt.buckets {
		total += len(kb.nodes)
	}
	return total
}

// StaleBuckets returns the indices of non-empty buckets that have not
// changed within maxAge.
func (rt *RoutingTable) StaleBuckets(maxAge time.Duration) []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	now := rt.timeProvider.Now()
	var stale []int
	for i, kb := range rt.buckets {
		if len(kb.nodes) > 0 && now.Sub(kb.lastChanged) >= maxAge {
			stale = append(stale, i)
		}
	}
	return stale
}
