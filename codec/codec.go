// Package codec turns envelopes into text and classifies inbound text.
//
// Decoding never fails on a well formed JSON value: anything that is not a
// Request, Response or Notification is reported as KindMalformed so the caller
// can decide how to surface it. Only text that is not JSON at all yields ErrParse.
package codec

import (
	"encoding/json"
	"errors"

	"domain-rpc/message"
)

var ErrParse = errors.New("invalid JSON received")

// Kind is the classification of a decoded message.
type Kind byte

const (
	KindMalformed Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "malformed"
	}
}

// Codec encodes envelopes and decodes raw text.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte) (*Decoded, error)
}

// Default is the codec used by clients and servers unless configured otherwise.
var Default Codec = JSONCodec{}

// Decoded holds the top level fields found in a message together with its Kind.
// The Has* flags record field presence; an id that is not an integer counts as absent.
type Decoded struct {
	Kind Kind

	ID        message.ID
	HasID     bool
	Method    string
	HasMethod bool
	Params    json.RawMessage
	Result    json.RawMessage
	HasResult bool
	Error     *message.Error
	HasError  bool
}

// Request returns the message as a Request. Only meaningful for KindRequest.
func (d *Decoded) Request() *message.Request {
	return &message.Request{ID: d.ID, Method: d.Method, Params: d.Params}
}

// Response returns the message as a Response. Only meaningful for KindResponse.
func (d *Decoded) Response() *message.Response {
	return &message.Response{ID: d.ID, Result: d.Result, Error: d.Error}
}

// Notification returns the message as a Notification. Only meaningful for KindNotification.
func (d *Decoded) Notification() *message.Notification {
	return &message.Notification{Method: d.Method, Params: d.Params}
}

func (d *Decoded) classify() Kind {
	switch {
	case d.HasID && (d.HasResult || d.HasError):
		return KindResponse
	case d.HasMethod && d.HasID:
		return KindRequest
	case d.HasMethod:
		return KindNotification
	default:
		return KindMalformed
	}
}
