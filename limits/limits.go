// Package limits provides centralized size limits for DHT datagrams and stored values.
// This ensures consistent validation across the transport and storage layers.
package limits

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxDatagramSize is the largest encoded envelope that may be sent or
	// received in a single datagram.
	MaxDatagramSize = 8196

	// EnvelopeOverhead is the space reserved for the non-value fields of an
	// envelope (namespace, source, token, key and field names).
	EnvelopeOverhead = 512

	// MaxValueSize is the largest value a STORE may carry. Values travel
	// base64 encoded in JSON envelopes, so the usable space shrinks by 3/4.
	MaxValueSize = (MaxDatagramSize - EnvelopeOverhead) * 3 / 4

	// MaxNetworkIDLength bounds the namespace identifier carried in every envelope.
	MaxNetworkIDLength = 64
)

// networkIDChars are the bytes a namespace identifier may contain. None of
// them needs escaping in JSON, so the identifier never grows on the wire.
const networkIDChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789._:-"

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidNetworkID indicates a namespace identifier that is too long
	// or contains characters outside [A-Za-z0-9._:-]
	ErrInvalidNetworkID = errors.New("invalid network id")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateDatagram validates an encoded envelope against MaxDatagramSize.
func ValidateDatagram(data []byte) error {
	return ValidateMessageSize(data, MaxDatagramSize)
}

// ValidateValue validates a value offered for storage against MaxValueSize.
// Empty values are permitted; only oversized ones are rejected.
func ValidateValue(value []byte) error {
	if len(value) > MaxValueSize {
		return fmt.Errorf("%w: value size %d exceeds limit %d", ErrMessageTooLarge, len(value), MaxValueSize)
	}
	return nil
}

// ValidateNetworkID checks a namespace identifier against MaxNetworkIDLength
// and the permitted character set. The empty identifier is valid.
func ValidateNetworkID(id string) error {
	if len(id) > MaxNetworkIDLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrInvalidNetworkID, len(id), MaxNetworkIDLength)
	}
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(networkIDChars, id[i]) < 0 {
			return fmt.Errorf("%w: character %q at offset %d", ErrInvalidNetworkID, id[i], i)
		}
	}
	return nil
}
