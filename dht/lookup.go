package dht

import (
	"context"

	"github.com/opd-ai/kaddht/keyspace"
	"github.com/sirupsen/logrus"
)

// FindValueResult is the outcome of an iterative FIND_VALUE traversal.
type FindValueResult struct {
	// Found reports whether some node returned the value.
	Found bool
	// Value is the value returned by Holder.
	Value []byte
	// Holder is the node that returned the value.
	Holder keyspace.NodeInfo
	// Nodes holds the K closest nodes when no value was found.
	Nodes []keyspace.NodeInfo
	// CacheTarget is the closest queried node that answered without the
	// value, or nil when there is none.
	CacheTarget *keyspace.NodeInfo
}

// lookupResponse is what one queried node contributed to a traversal.
type lookupResponse struct {
	nodes []keyspace.NodeInfo
	value []byte
	found bool
}

// lookupQuery sends one FIND_NODE or FIND_VALUE to node.
type lookupQuery func(ctx context.Context, node keyspace.NodeInfo) (lookupResponse, error)

type lookupReply struct {
	node keyspace.NodeInfo
	resp lookupResponse
	err  error
}

type lookupHit struct {
	holder keyspace.NodeInfo
	value  []byte
}

// lookup is the state of one iterative traversal toward target. It is owned
// by a single goroutine; only the queries themselves run concurrently.
type lookup struct {
	target    keyspace.Key
	k         int
	alpha     int
	maxRounds int

	shortlist []keyspace.NodeInfo
	seen      map[keyspace.Key]struct{}
	queried   map[keyspace.Key]struct{}
	responded []keyspace.NodeInfo
	rounds    int

	query lookupQuery
	learn func(keyspace.NodeInfo)
}

func newLookup(self keyspace.Key, target keyspace.Key, k, alpha, maxRounds int, seed []keyspace.NodeInfo, query lookupQuery, learn func(keyspace.NodeInfo)) *lookup {
	l := &lookup{
		target:    target,
		k:         k,
		alpha:     alpha,
		maxRounds: maxRounds,
		seen:      map[keyspace.Key]struct{}{self: {}},
		queried:   make(map[keyspace.Key]struct{}),
		query:     query,
		learn:     func(keyspace.NodeInfo) {},
	}
	l.merge(seed)
	if learn != nil {
		l.learn = learn
	}
	return l
}

// run drives the traversal in rounds of alpha parallel queries. When a round
// brings no node closer than the best already known, the remaining unqueried
// nodes of the shortlist are queried once and the traversal ends. The round
// bound and ctx guard against traversals that never converge.
func (l *lookup) run(ctx context.Context) *lookupHit {
	for l.rounds < l.maxRounds && ctx.Err() == nil {
		batch := l.nextBatch(l.alpha)
		if len(batch) == 0 {
			return nil
		}

		best, hasBest := l.closestDistance()
		l.rounds++
		if hit := l.queryBatch(ctx, batch); hit != nil {
			return hit
		}

		if !l.improved(best, hasBest) {
			if final := l.nextBatch(l.k); len(final) > 0 && ctx.Err() == nil {
				l.rounds++
				return l.queryBatch(ctx, final)
			}
			return nil
		}
	}
	return nil
}

// queryBatch queries batch concurrently and folds in every reply. A returned
// value ends the batch at once and cancels the queries still in flight.
func (l *lookup) queryBatch(ctx context.Context, batch []keyspace.NodeInfo) *lookupHit {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan lookupReply, len(batch))
	for _, node := range batch {
		l.queried[node.ID] = struct{}{}
		go func(node keyspace.NodeInfo) {
			resp, err := l.query(ctx, node)
			replies <- lookupReply{node: node, resp: resp, err: err}
		}(node)
	}

	for range batch {
		r := <-replies
		if r.err != nil {
			l.drop(r.node.ID)
			continue
		}
		if r.resp.found {
			return &lookupHit{holder: r.node, value: r.resp.value}
		}
		l.responded = append(l.responded, r.node)
		l.merge(r.resp.nodes)
	}
	return nil
}

// nextBatch returns up to n of the closest not-yet-queried shortlist entries.
func (l *lookup) nextBatch(n int) []keyspace.NodeInfo {
	batch := make([]keyspace.NodeInfo, 0, n)
	for _, node := range l.shortlist {
		if len(batch) == n {
			break
		}
		if _, done := l.queried[node.ID]; !done {
			batch = append(batch, node)
		}
	}
	return batch
}

// merge adds newly learned nodes to the shortlist, keeping it sorted and at
// most k long. Every node is considered once per traversal.
func (l *lookup) merge(nodes []keyspace.NodeInfo) {
	added := false
	for _, node := range nodes {
		if node.Addr == "" {
			continue
		}
		if _, dup := l.seen[node.ID]; dup {
			continue
		}
		l.seen[node.ID] = struct{}{}
		l.shortlist = append(l.shortlist, node)
		l.learn(node)
		added = true
	}
	if !added {
		return
	}
	keyspace.SortByDistance(l.shortlist, l.target)
	if len(l.shortlist) > l.k {
		l.shortlist = l.shortlist[:l.k]
	}
}

// drop removes a failed node from the shortlist. It stays seen so it is
// never queried again.
func (l *lookup) drop(id keyspace.Key) {
	for i, node := range l.shortlist {
		if node.ID == id {
			l.shortlist = append(l.shortlist[:i], l.shortlist[i+1:]...)
			return
		}
	}
}

func (l *lookup) closestDistance() (keyspace.Distance, bool) {
	if len(l.shortlist) == 0 {
		return keyspace.Distance{}, false
	}
	return l.shortlist[0].ID.Distance(l.target), true
}

func (l *lookup) improved(before keyspace.Distance, hadBefore bool) bool {
	now, ok := l.closestDistance()
	if !ok {
		return false
	}
	return !hadBefore || now.Less(before)
}

// result returns the shortlist, closest first.
func (l *lookup) result() []keyspace.NodeInfo {
	out := make([]keyspace.NodeInfo, len(l.shortlist))
	copy(out, l.shortlist)
	return out
}

// cacheTarget returns the closest node that answered without the value.
func (l *lookup) cacheTarget(holder keyspace.Key) *keyspace.NodeInfo {
	var best *keyspace.NodeInfo
	for i := range l.responded {
		node := l.responded[i]
		if node.ID == holder {
			continue
		}
		if best == nil || node.ID.Distance(l.target).Less(best.ID.Distance(l.target)) {
			best = &node
		}
	}
	return best
}

func (d *DHT) newLookup(target keyspace.Key, query lookupQuery) *lookup {
	seed := d.table.ClosestNodes(target, d.config.ReplicationFactor)
	learn := func(node keyspace.NodeInfo) {
		d.table.Learn(node)
	}
	return newLookup(d.self.ID, target, d.config.ReplicationFactor, d.config.Alpha, d.config.MaxLookupRounds, seed, query, learn)
}

// IterativeFindNode locates the K nodes closest to target across the
// network, closest first. Nodes that fail to answer are left out.
func (d *DHT) IterativeFindNode(ctx context.Context, target keyspace.Key) ([]keyspace.NodeInfo, error) {
	lctx, cancel := d.lookupContext(ctx)
	defer cancel()

	l := d.newLookup(target, func(ctx context.Context, node keyspace.NodeInfo) (lookupResponse, error) {
		nodes, err := d.findNode(ctx, node, target)
		return lookupResponse{nodes: nodes}, err
	})
	l.run(lctx)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := l.result()
	logrus.WithFields(logrus.Fields{
		"function": "IterativeFindNode",
		"target":   target.Short(),
		"rounds":   l.rounds,
		"queried":  len(l.queried),
		"found":    len(result),
	}).Debug("Lookup finished")

	return result, nil
}

// IterativeFindValue traverses toward key like IterativeFindNode, stopping
// as soon as any node returns the value.
func (d *DHT) IterativeFindValue(ctx context.Context, key keyspace.Key) (*FindValueResult, error) {
	lctx, cancel := d.lookupContext(ctx)
	defer cancel()

	l := d.newLookup(key, func(ctx context.Context, node keyspace.NodeInfo) (lookupResponse, error) {
		reply, err := d.findValue(ctx, node, key)
		if err != nil {
			return lookupResponse{}, err
		}
		return lookupResponse{nodes: reply.Nodes, value: reply.Value, found: reply.Found}, nil
	})
	hit := l.run(lctx)

	if hit != nil {
		logrus.WithFields(logrus.Fields{
			"function": "IterativeFindValue",
			"key":      key.Short(),
			"holder":   hit.holder.String(),
			"rounds":   l.rounds,
		}).Debug("Value found")

		return &FindValueResult{
			Found:       true,
			Value:       hit.value,
			Holder:      hit.holder,
			CacheTarget: l.cacheTarget(hit.holder.ID),
		}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &FindValueResult{Nodes: l.result()}, nil
}
