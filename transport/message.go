package transport

import (
	"errors"
	"fmt"

	"github.com/opd-ai/kaddht/keyspace"
	"github.com/opd-ai/kaddht/limits"
)

// MessageType identifies the payload variant carried by an envelope.
type MessageType uint8

const (
	MessagePingRequest MessageType = iota + 1
	MessagePingReply
	MessageFindNodeRequest
	MessageFindNodeReply
	MessageStoreRequest
	MessageStoreReply
	MessageFindValueRequest
	MessageFindValueReply
)

var messageTypeNames = map[MessageType]string{
	MessagePingRequest:      "PING",
	MessagePingReply:        "PING_REPLY",
	MessageFindNodeRequest:  "FIND_NODE",
	MessageFindNodeReply:    "FIND_NODE_REPLY",
	MessageStoreRequest:     "STORE",
	MessageStoreReply:       "STORE_REPLY",
	MessageFindValueRequest: "FIND_VALUE",
	MessageFindValueReply:   "FIND_VALUE_REPLY",
}

// ErrInvalidMessage is returned for envelopes that decode but violate the
// protocol shape (unknown variant, missing key, bad source).
var ErrInvalidMessage = errors.New("invalid message")

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Valid reports whether t is a known variant.
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// IsRequest reports whether t is a request variant.
func (t MessageType) IsRequest() bool {
	switch t {
	case MessagePingRequest, MessageFindNodeRequest, MessageStoreRequest, MessageFindValueRequest:
		return true
	}
	return false
}

// ReplyType returns the reply variant answering request type t.
func (t MessageType) ReplyType() MessageType {
	if t.IsRequest() {
		return t + 1
	}
	return t
}

// Message is the envelope exchanged between endpoints. The token is chosen
// by the initiator of a request and echoed verbatim in the reply.
type Message struct {
	Network string            `json:"net" msgpack:"net"`
	Source  keyspace.NodeInfo `json:"src" msgpack:"src"`
	Token   keyspace.Key      `json:"token" msgpack:"token"`
	Type    MessageType       `json:"type" msgpack:"type"`

	// Key is the FIND_NODE target or the STORE / FIND_VALUE key.
	Key *keyspace.Key `json:"key,omitempty" msgpack:"key,omitempty"`
	// Value is the STORE payload or a FIND_VALUE hit.
	Value []byte `json:"value,omitempty" msgpack:"value,omitempty"`
	// Nodes carries the closest known peers in FIND_NODE and FIND_VALUE replies.
	Nodes []keyspace.NodeInfo `json:"nodes,omitempty" msgpack:"nodes,omitempty"`
	// Found marks a FIND_VALUE reply that carries the value.
	Found bool `json:"found,omitempty" msgpack:"found,omitempty"`
	// Stored acknowledges a STORE; Error explains a nack.
	Stored bool   `json:"stored,omitempty" msgpack:"stored,omitempty"`
	Error  string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// NewRequest builds a request envelope. The token is assigned by RPC.Call.
func NewRequest(t MessageType, source keyspace.NodeInfo) *Message {
	return &Message{Source: source, Type: t}
}

// NewReply builds the reply to req, echoing its network and token.
func NewReply(req *Message, source keyspace.NodeInfo) *Message {
	return &Message{
		Network: req.Network,
		Source:  source,
		Token:   req.Token,
		Type:    req.Type.ReplyType(),
	}
}

// Validate checks the structural invariants of a decoded envelope.
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %d", ErrInvalidMessage, uint8(m.Type))
	}
	if err := limits.ValidateNetworkID(m.Network); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Source.Addr == "" {
		return fmt.Errorf("%w: missing source address", ErrInvalidMessage)
	}

	switch m.Type {
	case MessageFindNodeRequest, MessageStoreRequest, MessageFindValueRequest:
		if m.Key == nil {
			return fmt.Errorf("%w: %s without key", ErrInvalidMessage, m.Type)
		}
	}

	if m.Type == MessageStoreRequest {
		if err := limits.ValidateValue(m.Value); err != nil {
			return err
		}
	}
	return nil
}

// TargetKey returns the key carried by the envelope, or the zero key.
func (m *Message) TargetKey() keyspace.Key {
	if m.Key == nil {
		return keyspace.Key{}
	}
	return *m.Key
}
