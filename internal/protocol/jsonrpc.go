// ABOUTME: JSON-RPC 2.0 envelope types and standard error codes.
// ABOUTME: Messages are newline-delimited on stdio and single documents over HTTP.

package protocol

import "encoding/json"

// Version is the JSON-RPC protocol version carried in every message.
const Version = "2.0"

// Standard JSON-RPC error codes used by the gateway.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request represents a JSON-RPC 2.0 request. A request without an ID is a
// notification and never receives a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// must not produce a response body.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response represents a JSON-RPC 2.0 response carrying either a result or
// an error, never both.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// NewRequest builds a request with the given numeric id.
func NewRequest(id int64, method string, params json.RawMessage) *Request {
	idRaw, _ := json.Marshal(id)
	return &Request{
		JSONRPC: Version,
		ID:      idRaw,
		Method:  method,
		Params:  params,
	}
}

// NewNotification builds a request without an id.
func NewNotification(method string, params json.RawMessage) *Request {
	return &Request{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	}
}
