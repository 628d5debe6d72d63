package transport

import (
	"encoding/json"
	"fmt"

	"github.com/opd-ai/kaddht/limits"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts envelopes to and from datagram payloads.
type Codec interface {
	// Name identifies the codec in configuration.
	Name() string

	// Marshal encodes msg, failing if the result exceeds one datagram.
	Marshal(msg *Message) ([]byte, error)

	// Unmarshal decodes and validates a datagram payload.
	Unmarshal(data []byte) (*Message, error)
}

// CodecByName returns the codec registered under name ("json" or "msgpack").
// An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec encodes envelopes as JSON documents.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string { return "json" }

// Marshal encodes msg as JSON.
func (JSONCodec) Marshal(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	if err := limits.ValidateDatagram(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Unmarshal decodes a JSON envelope.
func (JSONCodec) Unmarshal(data []byte) (*Message, error) {
	if err := limits.ValidateDatagram(data); err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MsgpackCodec encodes envelopes with MessagePack, a compact schema-tagged
// binary format.
type MsgpackCodec struct{}

// Name returns "msgpack".
func (MsgpackCodec) Name() string { return "msgpack" }

// Marshal encodes msg as MessagePack.
func (MsgpackCodec) Marshal(msg *Message) ([]byte, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	if err := limits.ValidateDatagram(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Unmarshal decodes a MessagePack envelope.
func (MsgpackCodec) Unmarshal(data []byte) (*Message, error) {
	if err := limits.ValidateDatagram(data); err != nil {
		return nil, err
	}
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("msgpack decode: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
