package keyspace

import (
	"fmt"
	"sort"
)

// NodeInfo describes a known peer: its identifier and transport endpoint.
type NodeInfo struct {
	ID   Key    `json:"id" msgpack:"id"`
	Addr string `json:"addr" msgpack:"addr"`
}

// String renders the node as "id@addr" with an abbreviated identifier.
func (n NodeInfo) String() string {
	return fmt.Sprintf("%s@%s", n.ID.Short(), n.Addr)
}

// SortByDistance orders nodes by ascending distance to target. Distinct
// identifiers never share a distance to the same target, so the order is
// deterministic.
func SortByDistance(nodes []NodeInfo, target Key) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID.Distance(target).Less(nodes[j].ID.Distance(target))
	})
}
