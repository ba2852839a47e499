package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request. A request without an ID is a
// notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the caller expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// MarshalJSON always emits the id and exactly one of result or error, so a
// nil result still serializes as "result": null.
func (r Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			Error   *Error          `json:"error"`
			ID      json.RawMessage `json:"id"`
		}{Version, r.Error, id})
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  interface{}     `json:"result"`
		ID      json.RawMessage `json:"id"`
	}{Version, r.Result, id})
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewError creates a wire error.
func NewError(code int, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// Notification represents a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewResponse builds a success response for id.
func NewResponse(id json.RawMessage, result interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// ParseRequest decodes one envelope.
//
// Bytes that are not JSON yield a ParseError and a nil request. A JSON value
// that is not a valid request yields InvalidRequest together with whatever
// could be decoded, so the caller can still echo a well-formed id.
func ParseRequest(data []byte) (*Request, *Error) {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, NewError(ParseError, "Parse error", "message is not valid JSON")
	}
	if len(data) > 0 && data[0] == '[' {
		return nil, NewError(InvalidRequest, "Invalid Request", "batch envelopes are not supported")
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		var partial struct {
			ID json.RawMessage `json:"id"`
		}
		json.Unmarshal(data, &partial)
		return &Request{ID: validID(partial.ID)}, NewError(InvalidRequest, "Invalid Request", err.Error())
	}
	if len(req.ID) > 0 && validID(req.ID) == nil {
		req.ID = nil
		return &req, NewError(InvalidRequest, "Invalid Request", "id must be a string, number or null")
	}

	if req.JSONRPC != Version {
		return &req, NewError(InvalidRequest, "Invalid Request", "jsonrpc must be 2.0")
	}
	if req.Method == "" {
		return &req, NewError(InvalidRequest, "Invalid Request", "method is required")
	}
	return &req, nil
}

// validID keeps string, number and null ids; anything else is dropped.
func validID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nil
	}
	switch id[0] {
	case '"', 'n', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return id
	}
	return nil
}

// MarshalOutbound serializes an OutboundMessage to JSON.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	if msg.Response != nil {
		return json.Marshal(msg.Response)
	}
	if msg.Notification != nil {
		return json.Marshal(msg.Notification)
	}
	return nil, errors.New("empty outbound message")
}
