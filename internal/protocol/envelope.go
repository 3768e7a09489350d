package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol marker carried in every envelope.
const Version = "2.0"

// Request is an outgoing call envelope. ID exists only for correlating the
// response; it never carries business meaning.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notification is a one-way envelope with no id and no expected reply.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError is the error member of a failed response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Response is an outgoing reply envelope, used by the daemon side. Exactly
// one of Result/Error is set.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      uint64    `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// Well-known error codes, matching the JSON-RPC reserved range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is an incoming frame of unknown kind: a response to one of our
// calls, or a notification pushed by the peer. Callers classify it with
// IsResponse/IsNotification before touching the payload members.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsResponse reports whether the message correlates to a call we sent.
func (m *Message) IsResponse() bool {
	return m.ID != nil
}

// IsNotification reports whether the message is a one-way push from the peer.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// DecodeMessage parses one framed payload into a Message.
func DecodeMessage(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &msg, nil
}

// EncodeRequest serializes a call envelope for framing.
func EncodeRequest(id uint64, method string, params any) ([]byte, error) {
	data, err := json.Marshal(Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request %q: %w", method, err)
	}
	return data, nil
}

// EncodeNotification serializes a one-way envelope for framing.
func EncodeNotification(method string, params any) ([]byte, error) {
	data, err := json.Marshal(Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode notification %q: %w", method, err)
	}
	return data, nil
}

// EncodeResponse serializes a result reply for framing.
func EncodeResponse(id uint64, result any) ([]byte, error) {
	data, err := json.Marshal(Response{
		JSONRPC: Version,
		ID:      id,
		Result:  result,
	})
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return data, nil
}

// EncodeErrorResponse serializes an error reply for framing.
func EncodeErrorResponse(id uint64, code int, message string) ([]byte, error) {
	data, err := json.Marshal(Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	})
	if err != nil {
		return nil, fmt.Errorf("encode error response: %w", err)
	}
	return data, nil
}
