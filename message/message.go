// Package message defines the envelopes exchanged between a client and a server.
//
// There are three wire shapes. None of them carries a "jsonrpc" version tag:
//
//	Request:      {"id": 1, "method": "Page.enable", "params": {...}}
//	Response:     {"id": 1, "result": {...}}  or  {"id": 1, "error": {"code": -32601, "message": "...", "data": ...}}
//	Notification: {"method": "Page.loadEventFired", "params": {...}}
//
// Method names are "Domain.command" for calls and "Domain.event" for notifications.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ID identifies a call on one connection. Clients allocate ids starting at 1.
type ID = int64

// NoID is sent back by a server when the id of the offending message could not be determined.
const NoID ID = -1

// ErrorCode is the numeric code of an Error.
type ErrorCode int

const (
	ParseError     ErrorCode = -32700 // Invalid JSON was received.
	InvalidRequest ErrorCode = -32600 // The JSON sent is not a valid request object.
	MethodNotFound ErrorCode = -32601 // The method does not exist / is not exposed.
	InternalError  ErrorCode = -32603 // The handler failed.
)

func (c ErrorCode) String() string {
	switch c {
	case ParseError:
		return "ParseError"
	case InvalidRequest:
		return "InvalidRequest"
	case MethodNotFound:
		return "MethodNotFound"
	case InternalError:
		return "InternalError"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

var ErrInvalidResponse = errors.New("response must carry exactly one of result or error")

// Request is a call expecting exactly one correlated Response.
type Request struct {
	ID     ID              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a fire-and-forget message. It never carries an id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error is the error object of a failed Response. It implements error so
// that a rejected call can be returned as-is.
type Error struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.String()
}

// NewRequest builds a Request, marshalling params unless they are nil.
func NewRequest(id ID, method string, params any) (*Request, error) {
	raw, err := Raw(params)
	if err != nil {
		return nil, fmt.Errorf("encode params of %s: %w", method, err)
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification, marshalling params unless they are nil.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := Raw(params)
	if err != nil {
		return nil, fmt.Errorf("encode params of %s: %w", method, err)
	}
	return &Notification{Method: method, Params: raw}, nil
}

// NewResult builds a successful Response. A nil result is encoded as JSON null
// so the result field is still present on the wire.
func NewResult(id ID, result any) (*Response, error) {
	raw, err := Raw(result)
	if err != nil {
		return nil, fmt.Errorf("encode result of call %d: %w", id, err)
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewError builds a failed Response. data is marshalled into the error object
// when it is not nil; a value that cannot be marshalled is replaced by its
// fmt representation.
func NewError(id ID, code ErrorCode, msg string, data any) *Response {
	raw, err := Raw(data)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprint(data))
	}
	return &Response{ID: id, Error: &Error{Code: code, Message: msg, Data: raw}}
}

// Validate reports whether the response is a well formed success or failure.
func (r *Response) Validate() error {
	if (r.Result == nil) == (r.Error == nil) {
		return fmt.Errorf("response %d: %w", r.ID, ErrInvalidResponse)
	}
	return nil
}

// Raw marshals v into raw JSON. nil and an already raw message pass through.
func Raw(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if json.Valid(v) {
			return json.RawMessage(v), nil
		}
	}
	return json.Marshal(v)
}

// Join builds the wire name "Domain.name".
func Join(domain, name string) string {
	return domain + "." + name
}

// Split separates a wire name into its domain and member. ok is false when the
// name carries no domain prefix.
func Split(method string) (domain, name string, ok bool) {
	domain, name, ok = strings.Cut(method, ".")
	if !ok || domain == "" || name == "" {
		return "", method, false
	}
	return domain, name, true
}
