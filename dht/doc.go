// Package dht implements a Kademlia distributed hash table endpoint:
// peer discovery through a k-bucket routing table, iterative node and value
// lookups, and a replicated key/value surface on top of them.
//
// # Architecture
//
// Each endpoint owns a UDP transport, a routing table and a local value
// store. Inbound PING, FIND_NODE, STORE and FIND_VALUE requests read and
// mutate the table and the store and are answered through the transport.
// The public Get and Put operations drive iterative lookups that issue
// outbound requests and fold every node they learn back into the table.
//
// Key components:
//
//   - RoutingTable: k-buckets indexed by shared prefix length with the local ID
//   - ValueStore: TTL-bounded local storage behind STORE and FIND_VALUE
//   - BootstrapManager: joins the overlay from known peer addresses
//   - Maintainer: sweeps expired values and refreshes idle buckets
//
// # Creating an Endpoint
//
//	cfg := dht.DefaultConfig()
//	cfg.ListenAddr = "127.0.0.1:9001"
//
//	node, err := dht.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := node.Bootstrap(ctx, "127.0.0.1:9000"); err != nil {
//	    log.Fatal(err)
//	}
//
// # Get and Put
//
// Put locates the K nodes closest to the key and stores the value on each of
// them, the local node included when it qualifies. It succeeds once any
// replica accepts the value:
//
//	err := node.Put(ctx, "greeting", []byte("hello"))
//	if errors.Is(err, dht.ErrValueTooLarge) {
//	    // value cannot fit in a single datagram
//	}
//
// Get answers from the local store when it can and otherwise runs an
// iterative FIND_VALUE that stops at the first node holding the value. The
// value is then cached on the closest queried node that lacked it:
//
//	value, err := node.Get(ctx, "greeting")
//	if errors.Is(err, dht.ErrNotFound) {
//	    // no reachable node holds the key
//	}
//
// Replication is best effort. There is no quorum and no read repair beyond
// the single cache-forward on Get.
//
// # Routing Table
//
// Bucket i holds nodes whose distance from the local ID has exactly i leading
// zero bits. A full bucket never blocks an update: the newcomer waits in a
// small replacement cache while the least-recently-seen entry is pinged in
// the background. A dead entry is evicted in favour of the freshest
// replacement. Nodes that fail two consecutive requests are marked bad and
// replaced immediately.
//
// # Value Expiry
//
// Stored values expire ValueTTL after their last STORE. Expired entries are
// hidden on read and purged by the Maintainer's periodic sweep.
//
// # Deterministic Testing
//
// The routing table and store take a TimeProvider so expiry and staleness can
// be tested without sleeping:
//
//	node.SetTimeProvider(mockTime)
package dht
