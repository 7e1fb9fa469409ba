package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies participant channel payload variants.
type MessageType string

const (
	TypeParticipantJoin MessageType = "participant_join"
	TypeRPCRequest      MessageType = "rpc_request"
	TypeRPCResponse     MessageType = "rpc_response"
	TypeSystemEvent     MessageType = "system_event"
	TypeErrorEvent      MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ParticipantJoin must be the first message on a channel. Metadata carries
// the encoded session configuration.
type ParticipantJoin struct {
	Type     MessageType `json:"type"`
	Identity string      `json:"identity"`
	Metadata string      `json:"metadata"`
}

// RPCRequest invokes a method the agent registered on the room.
type RPCRequest struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Method    string      `json:"method"`
	Payload   string      `json:"payload"`
}

type RPCResponse struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Payload   string      `json:"payload,omitempty"`
	Error     *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeParticipantJoin:
		var msg ParticipantJoin
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Identity) == "" {
			return nil, errors.New("invalid participant_join")
		}
		return msg, nil
	case TypeRPCRequest:
		var msg RPCRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.RequestID == "" || msg.Method == "" {
			return nil, errors.New("invalid rpc_request")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
