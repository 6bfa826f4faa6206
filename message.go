// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"fmt"

	"github.com/google/uuid"
)

// MessageType identifies the kind of a Message.
type MessageType uint8

const (
	MessageScriptCall MessageType = iota + 1
	MessageScriptRemoteCall
	MessageScriptRet
	MessageRemoteRet
	MessageRRefFetch
	MessageRRefFetchRet
	MessageRRefUserDelete
	MessageAck
	MessageException
)

var messageTypeNames = map[MessageType]string{
	MessageScriptCall:       "SCRIPT_CALL",
	MessageScriptRemoteCall: "SCRIPT_REMOTE_CALL",
	MessageScriptRet:        "SCRIPT_RET",
	MessageRemoteRet:        "REMOTE_RET",
	MessageRRefFetch:        "RREF_FETCH",
	MessageRRefFetchRet:     "RREF_FETCH_RET",
	MessageRRefUserDelete:   "RREF_USER_DELETE",
	MessageAck:              "ACK",
	MessageException:        "EXCEPTION",
}

func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Message is the unit of exchange between agents. The payload is encoded with
// the agent's codec; Autograd is opaque metadata forwarded untouched.
type Message struct {
	ID           uuid.UUID   `json:"id"`
	Type         MessageType `json:"type"`
	Payload      []byte      `json:"payload,omitempty"`
	Autograd     []byte      `json:"autograd,omitempty"`
	ProfilingKey string      `json:"profiling_key,omitempty"`
}

func newMessage(t MessageType, payload []byte) *Message {
	return &Message{
		ID:      uuid.New(),
		Type:    t,
		Payload: payload,
	}
}

// reply returns a response correlated with m.
func (m *Message) reply(t MessageType, payload []byte) *Message {
	return &Message{
		ID:      m.ID,
		Type:    t,
		Payload: payload,
	}
}

type callWire struct {
	Function QualifiedName     `json:"function"`
	Args     [][]byte          `json:"args,omitempty"`
	Async    bool              `json:"async,omitempty"`
	RRefID   *GloballyUniqueID `json:"rref_id,omitempty"`
	ForkID   *GloballyUniqueID `json:"fork_id,omitempty"`
}

type retWire struct {
	Value []byte `json:"value,omitempty"`
}

type remoteRetWire struct {
	RRefID GloballyUniqueID `json:"rref_id"`
	ForkID GloballyUniqueID `json:"fork_id"`
	Value  []byte           `json:"value,omitempty"`
}

type rrefWire struct {
	RRefID GloballyUniqueID `json:"rref_id"`
	ForkID GloballyUniqueID `json:"fork_id"`
}

type exceptionWire struct {
	Worker  string `json:"worker"`
	Message string `json:"message"`
}

func encodeMessage(c Codec, t MessageType, v any) (*Message, error) {
	payload, err := c.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrEncode, t, err)
	}
	return newMessage(t, payload), nil
}

func decodePayload(c Codec, m *Message, v any) error {
	if err := c.Decode(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrDecode, m.Type, err)
	}
	return nil
}

// decodeResponse converts a response message into a value of type t.
func decodeResponse(c Codec, v any, t Type) (any, error) {
	m, ok := v.(*Message)
	if !ok {
		return nil, fmt.Errorf("%w: transport produced %T, not a message", ErrDecode, v)
	}

	var value []byte
	switch m.Type {
	case MessageScriptRet, MessageRRefFetchRet:
		var w retWire
		if err := decodePayload(c, m, &w); err != nil {
			return nil, err
		}
		value = w.Value
	case MessageRemoteRet:
		var w remoteRetWire
		if err := decodePayload(c, m, &w); err != nil {
			return nil, err
		}
		value = w.Value
	default:
		return nil, fmt.Errorf("%w: unexpected response type %s", ErrDecode, m.Type)
	}

	return t.Decode(c, value)
}
