// Package transport implements the DHT wire protocol: the message envelope,
// its codecs, the datagram transport and request/reply correlation.
//
// # Envelope
//
// Every datagram carries one Message: the namespace identifier, the sender's
// NodeInfo, a correlation token and a typed payload (PING, FIND_NODE, STORE,
// FIND_VALUE and their replies). A reply always echoes the token of the
// request that triggered it:
//
//	reply := transport.NewReply(req, self)
//
// # Codecs
//
// JSONCodec is the default and keeps envelopes human readable. MsgpackCodec
// is a compact binary alternative. Both refuse to produce or accept payloads
// larger than limits.MaxDatagramSize and validate decoded envelopes.
//
// # Datagram Transport
//
// UDPTransport runs a single receive loop and hands each datagram to a
// bounded worker pool, so a slow handler never blocks reception. Decode
// failures, foreign namespaces and unknown variants are logged and dropped:
//
//	tr, err := transport.NewUDPTransport("127.0.0.1:9000", transport.UDPConfig{
//	    Network: "demo",
//	})
//	tr.RegisterHandler(transport.MessagePingRequest, handler)
//
// # Request Correlation
//
// RPC registers outbound requests under a fresh token before sending and
// resolves them when the matching reply arrives or the timeout fires:
//
//	rpc := transport.NewRPC(tr, 2*time.Second)
//	reply, err := rpc.Call(ctx, transport.NewRequest(transport.MessagePingRequest, self), addr, nil)
//	if errors.Is(err, transport.ErrTimeout) {
//	    // peer did not answer
//	}
//
// Replies whose token matches no outstanding request are discarded.
package transport
