package keyspace

import (
	"bytes"
	"encoding/hex"
	"math/bits"
)

// Distance is the XOR of two keys, ordered as an unsigned big-endian integer.
type Distance [KeySize]byte

// Xor computes the bytewise XOR distance between a and b.
func Xor(a, b Key) Distance {
	var d Distance
	for i := 0; i < KeySize; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// PrefixLength returns the number of leading zero bits of d. A zero distance
// maps to BitLength-1, the bucket reserved for the local identifier, so the
// result is always a valid bucket index.
func (d Distance) PrefixLength() int {
	for i := 0; i < KeySize; i++ {
		if d[i] != 0 {
			return i*8 + bits.LeadingZeros8(d[i])
		}
	}
	return BitLength - 1
}

// IsZero reports whether the distance is zero, i.e. both keys were equal.
func (d Distance) IsZero() bool {
	return d == Distance{}
}

// Cmp compares two distances: -1 if d is closer, 0 if equal, +1 if farther.
func (d Distance) Cmp(other Distance) int {
	return bytes.Compare(d[:], other[:])
}

// Less reports whether d is strictly closer than other.
func (d Distance) Less(other Distance) bool {
	return d.Cmp(other) < 0
}

// String returns the hex encoding of the distance.
func (d Distance) String() string {
	return hex.EncodeToString(d[:])
}
