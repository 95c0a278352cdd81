// Package transport implements the bidirectional framed JSON-RPC 2.0
// transport used on both sides of a proxy core: the client-facing stdio pair
// and the piped stdio of the spawned upstream child (spec §4.1).
package transport

import "encoding/json"

// Message is the sum type for the three JSON-RPC 2.0 shapes this transport
// carries. Exactly one of ID/Method/Result/Error is meaningful depending on
// Kind, mirroring the "never rely on runtime type introspection on hot
// paths" guidance in spec §9 — callers switch on Kind, not on which fields
// happen to be non-nil.
type Message struct {
	Kind    Kind            `json:"-"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
}

// Kind distinguishes Request, Response, and Notification framed messages.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindNotification
)

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// classify determines the Kind of a decoded wire message: a Request has a
// method and an id; a Notification has a method and no id; a Response has
// neither id-less nor method set (result or error instead).
func classify(raw *wireMessage) Kind {
	switch {
	case raw.Method != "" && raw.ID != nil:
		return KindRequest
	case raw.Method != "":
		return KindNotification
	default:
		return KindResponse
	}
}

// wireMessage is the on-the-wire JSON shape, decoded permissively before
// classification.
type wireMessage struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *RPCError        `json:"error,omitempty"`
}

// NewRequest builds a Request message.
func NewRequest(id json.RawMessage, method string, params json.RawMessage) *Message {
	return &Message{Kind: KindRequest, JSONRPC: "2.0", ID: &id, Method: method, Params: params}
}

// NewNotification builds a Notification message.
func NewNotification(method string, params json.RawMessage) *Message {
	return &Message{Kind: KindNotification, JSONRPC: "2.0", Method: method, Params: params}
}

// NewResultResponse builds a successful Response message.
func NewResultResponse(id json.RawMessage, result json.RawMessage) *Message {
	return &Message{Kind: KindResponse, JSONRPC: "2.0", ID: &id, Result: result}
}

// NewErrorResponse builds an error Response message.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) *Message {
	return &Message{Kind: KindResponse, JSONRPC: "2.0", ID: &id, Error: &RPCError{Code: code, Message: message, Data: data}}
}

// Marshal serializes the message to compact JSON.
func (m *Message) Marshal() ([]byte, error) {
	wire := wireMessage{JSONRPC: "2.0"}
	if m.ID != nil {
		wire.ID = m.ID
	}
	wire.Method = m.Method
	wire.Params = m.Params
	wire.Result = m.Result
	wire.Error = m.Error
	return json.Marshal(wire)
}

// Unmarshal decodes and classifies a wire JSON message.
func Unmarshal(data []byte) (*Message, error) {
	var raw wireMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	m := &Message{
		Kind:    classify(&raw),
		ID:      raw.ID,
		Method:  raw.Method,
		Params:  raw.Params,
		Result:  raw.Result,
		Error:   raw.Error,
		JSONRPC: raw.JSONRPC,
	}
	return m, nil
}

// IDString returns the request/response id rendered as a comparable string
// key, or "" for notifications. JSON-RPC ids may be numbers or strings on
// the wire; both are normalized to their raw JSON text for map keys.
func (m *Message) IDString() string {
	if m.ID == nil {
		return ""
	}
	return string(*m.ID)
}
