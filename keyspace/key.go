// Package keyspace implements the identifier algebra of the DHT: fixed-width
// keys, the XOR distance metric and the bit-prefix computation used to pick
// routing table buckets.
//
// Example:
//
//	self := keyspace.Random()
//	key := keyspace.FromString("k")
//	bucket := self.Distance(key).PrefixLength()
package keyspace

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

const (
	// KeySize is the length of an identifier in bytes (160 bits).
	KeySize = 20

	// BitLength is the number of bits in an identifier and therefore the
	// number of buckets in a routing table.
	BitLength = KeySize * 8
)

// ErrInvalidKeyLength is returned when decoding a key of the wrong width.
var ErrInvalidKeyLength = errors.New("invalid key length")

// Key identifies a node or a stored item. Keys are comparable values and
// may be used directly as map keys.
type Key [KeySize]byte

// Random returns a uniformly distributed identifier.
func Random() Key {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("keyspace: reading random source: %v", err))
	}
	return k
}

// FromString maps an arbitrary application key onto the identifier space
// with a 160-bit BLAKE2b digest.
func FromString(s string) Key {
	return FromBytes([]byte(s))
}

// FromBytes hashes data onto the identifier space.
func FromBytes(data []byte) Key {
	h, err := blake2b.New(KeySize, nil)
	if err != nil {
		panic(fmt.Sprintf("keyspace: blake2b: %v", err))
	}
	h.Write(data)

	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// ParseHex decodes a hex encoded identifier.
func ParseHex(s string) (Key, error) {
	var k Key
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid hex key: %w", err)
	}
	if len(decoded) != KeySize {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(decoded), KeySize)
	}
	copy(k[:], decoded)
	return k, nil
}

// String returns the hex encoding of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns an abbreviated hex form for log fields.
func (k Key) Short() string {
	return hex.EncodeToString(k[:4])
}

// Equal reports whether two keys are identical.
func (k Key) Equal(other Key) bool {
	return k == other
}

// Compare orders keys bytewise. It is only used for deterministic
// tie-breaking, never as a proximity measure.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

// Distance returns the XOR distance between k and other.
func (k Key) Distance(other Key) Distance {
	return Xor(k, other)
}

// MarshalText encodes the key as hex so JSON envelopes stay readable.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a hex encoded key.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseHex(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalBinary returns the raw key bytes.
func (k Key) MarshalBinary() ([]byte, error) {
	out := make([]byte, KeySize)
	copy(out, k[:])
	return out, nil
}

// UnmarshalBinary decodes raw key bytes.
func (k *Key) UnmarshalBinary(data []byte) error {
	if len(data) != KeySize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(data), KeySize)
	}
	copy(k[:], data)
	return nil
}
