package dht

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opd-ai/kaddht/keyspace"
	"github.com/sirupsen/logrus"
)

// ErrNoBootstrapNodes is returned when Bootstrap runs without any peers.
var ErrNoBootstrapNodes = errors.New("no bootstrap nodes available")

// BootstrapError represents specific bootstrap failure types
type BootstrapError struct {
	Type  string
	Node  string
	Cause error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s failed for %s: %v", e.Type, e.Node, e.Cause)
}

func (e *BootstrapError) Unwrap() error {
	return e.Cause
}

// BootstrapResult represents the result of contacting one bootstrap node.
type BootstrapResult struct {
	Node  *keyspace.NodeInfo
	Error *BootstrapError
}

// BootstrapNode is a configured entry point into the overlay.
type BootstrapNode struct {
	Address  string
	LastUsed time.Time
	Success  bool
}

// joiner is the part of the endpoint the bootstrap process drives.
type joiner interface {
	Self() keyspace.NodeInfo
	PingAddr(ctx context.Context, addr string) (keyspace.NodeInfo, error)
	IterativeFindNode(ctx context.Context, target keyspace.Key) ([]keyspace.NodeInfo, error)
}

// BootstrapManager seeds the routing table from known peer addresses: it
// pings each one, retrying with exponential backoff until at least one
// answers, then runs a lookup of the local identifier to fill nearby buckets.
type BootstrapManager struct {
	node         joiner
	nodes        []*BootstrapNode
	bootstrapped bool

	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxRetries     uint64

	mu sync.RWMutex
}

// NewBootstrapManager creates a bootstrap manager for node.
func NewBootstrapManager(node joiner) *BootstrapManager {
	return &BootstrapManager{
		node:           node,
		nodes:          make([]*BootstrapNode, 0),
		initialBackoff: 250 * time.Millisecond,
		maxBackoff:     5 * time.Second,
		maxRetries:     4,
	}
}

// SetBackoff overrides the retry schedule.
func (bm *BootstrapManager) SetBackoff(initial, max time.Duration, retries uint64) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.initialBackoff = initial
	bm.maxBackoff = max
	bm.maxRetries = retries
}

// AddNode adds a bootstrap address. Duplicates are ignored.
func (bm *BootstrapManager) AddNode(address string) error {
	if _, err := net.ResolveUDPAddr("udp", address); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AddNode",
			"address":  address,
			"error":    err.Error(),
		}).Error("Invalid bootstrap address")
		return &BootstrapError{Type: "address", Node: address, Cause: err}
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()

	for _, node := range bm.nodes {
		if node.Address == address {
			return nil
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "AddNode",
		"address":  address,
	}).Info("Adding bootstrap node")

	bm.nodes = append(bm.nodes, &BootstrapNode{Address: address})
	return nil
}

// Bootstrap contacts every bootstrap node and then looks up the local
// identifier. It fails only when no bootstrap node answers within the
// retry schedule.
func (bm *BootstrapManager) Bootstrap(ctx context.Context) error {
	nodes := bm.prepareBootstrapNodes()

	logrus.WithFields(logrus.Fields{
		"function":    "Bootstrap",
		"nodes_count": len(nodes),
	}).Info("Starting bootstrap process")

	if len(nodes) == 0 {
		return ErrNoBootstrapNodes
	}

	policy := bm.retryPolicy(ctx)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		successful, lastErr := bm.contactNodes(ctx, nodes)
		if successful > 0 {
			return nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "Bootstrap",
			"attempt":  attempt,
			"error":    lastErr.Error(),
		}).Warn("No bootstrap node answered")
		return lastErr
	}, policy)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Bootstrap",
			"attempts": attempt,
			"error":    err.Error(),
		}).Error("Bootstrap process failed")
		return err
	}

	self := bm.node.Self()
	found, err := bm.node.IterativeFindNode(ctx, self.ID)
	if err != nil {
		return &BootstrapError{Type: "self lookup", Node: self.String(), Cause: err}
	}

	bm.mu.Lock()
	bm.bootstrapped = true
	bm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Bootstrap",
		"attempts": attempt,
		"learned":  len(found),
	}).Info("Bootstrap process completed successfully")

	return nil
}

func (bm *BootstrapManager) retryPolicy(ctx context.Context) backoff.BackOff {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = bm.initialBackoff
	exp.MaxInterval = bm.maxBackoff
	exp.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(exp, bm.maxRetries), ctx)
}

// prepareBootstrapNodes creates a safe copy of bootstrap nodes for concurrent processing.
func (bm *BootstrapManager) prepareBootstrapNodes() []*BootstrapNode {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	nodes := make([]*BootstrapNode, len(bm.nodes))
	copy(nodes, bm.nodes)
	return nodes
}

// contactNodes pings every bootstrap node concurrently and reports how many
// answered, along with the last failure.
func (bm *BootstrapManager) contactNodes(ctx context.Context, nodes []*BootstrapNode) (int, error) {
	resultChan := make(chan *BootstrapResult, len(nodes))

	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go bm.connectToBootstrapNode(ctx, &wg, node, resultChan)
	}
	wg.Wait()
	close(resultChan)

	successful := 0
	var lastError error
	for result := range resultChan {
		if result.Error != nil {
			lastError = result.Error
			continue
		}
		successful++
	}
	return successful, lastError
}

// connectToBootstrapNode pings a single bootstrap node. A reply places the
// node in the routing table.
func (bm *BootstrapManager) connectToBootstrapNode(ctx context.Context, wg *sync.WaitGroup, bn *BootstrapNode, resultChan chan<- *BootstrapResult) {
	defer wg.Done()

	info, err := bm.node.PingAddr(ctx, bn.Address)
	if err != nil {
		resultChan <- &BootstrapResult{
			Error: &BootstrapError{Type: "ping", Node: bn.Address, Cause: err},
		}
		return
	}

	bm.mu.Lock()
	bn.LastUsed = time.Now()
	bn.Success = true
	bm.mu.Unlock()

	resultChan <- &BootstrapResult{Node: &info}
}

// IsBootstrapped returns true once a bootstrap has completed.
func (bm *BootstrapManager) IsBootstrapped() bool {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.bootstrapped
}

// Nodes returns a snapshot of the bootstrap nodes.
func (bm *BootstrapManager) Nodes() []BootstrapNode {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	nodes := make([]BootstrapNode, len(bm.nodes))
	for i, n := range bm.nodes {
		nodes[i] = *n
	}
	return nodes
}

// ClearNodes removes all bootstrap nodes.
func (bm *BootstrapManager) ClearNodes() {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.nodes = make([]*BootstrapNode, 0)
}
