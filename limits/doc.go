// Package limits provides centralized size constants and validation functions
// for the DHT wire protocol.
//
// # Size Hierarchy
//
//   - MaxDatagramSize (8196 bytes): the ceiling for one encoded envelope. Every
//     envelope travels in exactly one datagram; there is no chunking.
//
//   - MaxValueSize: the largest value a STORE can carry so that the resulting
//     envelope still fits in one datagram, leaving EnvelopeOverhead bytes for
//     the other fields and accounting for base64 expansion in JSON.
//
// # Validation Functions
//
//	if err := limits.ValidateValue(value); err != nil {
//	    // errors.Is(err, limits.ErrMessageTooLarge)
//	}
//
// Oversized values are rejected up front with ErrMessageTooLarge rather than
// being truncated or producing a datagram the peer would fail to decode.
package limits
