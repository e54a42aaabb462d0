package domain

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies the kind of frame sent over the graphql-ws connection.
type FrameType string

const (
	FrameInit      FrameType = "connection_init"      // client -> server
	FrameInitAck   FrameType = "connection_ack"       // server -> client
	FrameInitError FrameType = "connection_error"     // server -> client
	FrameKeepAlive FrameType = "ka"                   // server -> client
	FrameTerminate FrameType = "connection_terminate" // client -> server
	FrameStart     FrameType = "start"                // client -> server
	FrameStop      FrameType = "stop"                 // client -> server
	FrameData      FrameType = "data"                 // server -> client
	FrameError     FrameType = "error"                // server -> client
	FrameComplete  FrameType = "complete"             // server -> client
)

// DefaultSubprotocol is the WebSocket subprotocol negotiated on connect.
const DefaultSubprotocol = "graphql-ws"

// IsTerminal reports whether an operation is retired after a frame of this type.
// A connection_error addressed to an operation ends it as well.
func (t FrameType) IsTerminal() bool {
	return t == FrameComplete || t == FrameError || t == FrameInitError
}

// RequiresID reports whether a frame of this type is only valid with an operation id.
func (t FrameType) RequiresID() bool {
	return t == FrameData || t == FrameComplete
}

// Known reports whether t is one of the protocol's frame types.
func (t FrameType) Known() bool {
	switch t {
	case FrameInit, FrameInitAck, FrameInitError, FrameKeepAlive, FrameTerminate,
		FrameStart, FrameStop, FrameData, FrameError, FrameComplete:
		return true
	}
	return false
}

// Frame is the envelope exchanged with the server. An empty ID means the frame
// is connection-level rather than bound to an operation.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a frame, marshaling payload when it is not nil.
func NewFrame(t FrameType, id string, payload any) (Frame, error) {
	f := Frame{Type: t, ID: id}
	if payload == nil {
		return f, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		f.Payload = raw
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	f.Payload = data
	return f, nil
}

// String renders the frame for log lines.
func (f Frame) String() string {
	if f.ID == "" {
		return string(f.Type)
	}
	return string(f.Type) + "/" + f.ID
}

// InitPayload is the payload of a connection_init frame.
type InitPayload struct {
	Headers map[string]string `json:"headers"`
}

// StartPayload is the payload of a start frame.
type StartPayload struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// GraphQLError is a single entry of a response's errors list.
type GraphQLError struct {
	Message    string         `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Location points into the operation document.
type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Response is the result of a query or mutation, and the payload of data frames.
type Response struct {
	Data       json.RawMessage `json:"data,omitempty"`
	Errors     []GraphQLError  `json:"errors,omitempty"`
	Extensions map[string]any  `json:"extensions,omitempty"`
}

// HasErrors reports whether the server returned field errors.
func (r *Response) HasErrors() bool { return r != nil && len(r.Errors) > 0 }

// DecodeResponse parses a data frame payload.
func DecodeResponse(payload json.RawMessage) (*Response, error) {
	resp := &Response{}
	if len(payload) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(payload, resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
