package dht

import (
	"time"

	"github.com/opd-ai/kaddht/keyspace"
)

// NodeStatus represents the liveness of a routing table entry.
type NodeStatus uint8

const (
	StatusUnknown NodeStatus = iota
	StatusBad
	StatusGood
)

func (s NodeStatus) String() string {
	switch s {
	case StatusBad:
		return "bad"
	case StatusGood:
		return "good"
	default:
		return "unknown"
	}
}

// PingStats tracks liveness probe statistics for a node.
type PingStats struct {
	LastPingSent     time.Time
	LastPingReceived time.Time
	PingCount        uint32
	SuccessCount     uint32
	FailureCount     uint32
}

// Node is a routing table entry: a known peer plus liveness bookkeeping.
type Node struct {
	keyspace.NodeInfo
	LastSeen  time.Time
	Status    NodeStatus
	PingStats PingStats
}

// NewNode creates a routing table entry for info, first seen at now.
func NewNode(info keyspace.NodeInfo, now time.Time) *Node {
	return &Node{
		NodeInfo: info,
		LastSeen: now,
		Status:   StatusUnknown,
	}
}

// Touch records contact from the node. The most recently confirmed address wins.
func (n *Node) Touch(addr string, now time.Time) {
	if addr != "" {
		n.Addr = addr
	}
	n.LastSeen = now
	n.Status = StatusGood
	n.PingStats.FailureCount = 0
}

// IsActive checks if the node has been seen within the timeout period.
func (n *Node) IsActive(timeout time.Duration, now time.Time) bool {
	return now.Sub(n.LastSeen) < timeout
}

// RecordPingSent marks that a ping was sent to this node.
func (n *Node) RecordPingSent(now time.Time) {
	n.PingStats.LastPingSent = now
	n.PingStats.PingCount++
}

// RecordPingResponse records the outcome of a request to this node.
func (n *Node) RecordPingResponse(success bool, now time.Time) {
	if success {
		n.PingStats.LastPingReceived = now
		n.PingStats.SuccessCount++
		n.PingStats.FailureCount = 0
		n.LastSeen = now
		n.Status = StatusGood
		return
	}
	n.PingStats.FailureCount++
	if n.PingStats.FailureCount >= maxConsecutiveFailures {
		n.Status = StatusBad
	}
}

// Reliability returns the fraction of probes that were answered (0.0-1.0).
func (n *Node) Reliability() float64 {
	if n.PingStats.PingCount == 0 {
		return 0.0
	}
	return float64(n.PingStats.SuccessCount) / float64(n.PingStats.PingCount)
}

// maxConsecutiveFailures is the number of unanswered requests after which a
// node becomes the first candidate for replacement.
const maxConsecutiveFailures = 2
