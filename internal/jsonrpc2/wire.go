// Copyright 2026 The mcpstream Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc2 implements the wire-level JSON-RPC 2.0 message envelope
// shared by every transport in this module: requests, responses,
// notifications, batches, and the standard error codes.
package jsonrpc2

import (
	"encoding/json"
	"fmt"

	internaljson "github.com/ferrite-labs/mcpstream/internal/json"
)

// Standard and MCP-specific JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeBadRequest and CodeSessionMissing are not part of the base
	// JSON-RPC spec; they're the codes this transport's HTTP binding uses
	// for header/session validation failures.
	CodeBadRequest     = -32000
	CodeSessionMissing = -32001
)

// ID is a JSON-RPC request identifier: a string, a number, or absent.
//
// The zero ID is not valid; use IsValid to distinguish a present-but-zero
// numeric ID from an absent one.
type ID struct {
	value any // nil, string, or int64
}

// StringID returns an ID holding a string value.
func StringID(s string) ID { return ID{value: s} }

// Int64ID returns an ID holding an integer value.
func Int64ID(i int64) ID { return ID{value: i} }

// IsValid reports whether the ID is present (as opposed to the zero ID,
// used for notifications and "no id" error responses).
func (id ID) IsValid() bool { return id.value != nil }

// Raw returns the underlying string or int64 value, or nil if absent.
func (id ID) Raw() any { return id.value }

func (id ID) String() string {
	switch v := id.value.(type) {
	case string:
		return v
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return "<invalid>"
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	if !id.IsValid() {
		return []byte("null"), nil
	}
	return internaljson.Marshal(id.value)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var v any
	if err := internaljson.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*id = ID{}
	case string:
		*id = ID{value: x}
	case float64:
		*id = ID{value: int64(x)}
	default:
		return fmt.Errorf("jsonrpc2: invalid id %q", data)
	}
	return nil
}

// WireError is the `error` member of a JSON-RPC response.
type WireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// NewError builds a WireError with the given code and message.
func NewError(code int64, message string) *WireError {
	return &WireError{Code: code, Message: message}
}

// Message is implemented by Request, Response, and (implicitly, as a
// Request with no ID) notifications. It distinguishes the three shapes
// that flow across the transport, per spec.md's "the transport does not
// interpret JSON-RPC semantics beyond distinguishing requests, responses,
// and notifications."
type Message interface {
	isJSONRPCMessage()
}

// Request is a JSON-RPC request or notification. A notification is a
// Request whose ID is not valid (absent from the wire).
type Request struct {
	ID     ID              `json:"id,omitzero"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (*Request) isJSONRPCMessage() {}

// IsNotification reports whether this request is a notification (no id).
func (r *Request) IsNotification() bool { return !r.ID.IsValid() }

// Response is a JSON-RPC reply: exactly one of Result or Error is set.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

func (*Response) isJSONRPCMessage() {}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

const protocolVersion = "2.0"

// EncodeMessage marshals a Request or Response into its wire form.
func EncodeMessage(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		w := wireMessage{JSONRPC: protocolVersion, Method: m.Method, Params: m.Params}
		if m.ID.IsValid() {
			w.ID = &m.ID
		}
		return internaljson.Marshal(w)
	case *Response:
		return internaljson.Marshal(wireMessage{JSONRPC: protocolVersion, ID: &m.ID, Result: m.Result, Error: m.Error})
	default:
		return nil, fmt.Errorf("jsonrpc2: unknown message type %T", msg)
	}
}

// DecodeMessage unmarshals a single JSON-RPC message, classifying it as a
// Request (including notifications) or Response based on which of
// method/result/error is present. It does not validate the "jsonrpc"
// member; callers that need to enforce that shape should use
// ValidateEnvelope first.
func DecodeMessage(data []byte) (Message, error) {
	if err := validateNoDuplicateKeys(data); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	var w wireMessage
	if err := internaljson.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	switch {
	case w.Method != "":
		r := &Request{Method: w.Method, Params: w.Params}
		if w.ID != nil {
			r.ID = *w.ID
		}
		return r, nil
	case w.Result != nil || w.Error != nil:
		if w.ID == nil {
			return nil, fmt.Errorf("decoding message: response missing id")
		}
		return &Response{ID: *w.ID, Result: w.Result, Error: w.Error}, nil
	default:
		return nil, fmt.Errorf("decoding message: neither a request nor a response")
	}
}

// ValidateEnvelope checks that raw looks like a JSON-RPC 2.0 message: an
// object carrying "jsonrpc":"2.0" and either a "method", or one of
// "result"/"error" alongside an "id". It returns a *WireError describing
// the first violation found, suitable for embedding in an HTTP error
// response.
func ValidateEnvelope(raw json.RawMessage) *WireError {
	var w wireMessage
	if err := internaljson.Unmarshal(raw, &w); err != nil {
		return NewError(CodeParseError, "Parse error")
	}
	if w.JSONRPC != protocolVersion {
		return NewError(CodeInvalidRequest, `Invalid Request: missing "jsonrpc":"2.0"`)
	}
	hasMethod := w.Method != ""
	hasReply := w.ID != nil && (w.Result != nil || w.Error != nil)
	if !hasMethod && !hasReply {
		return NewError(CodeInvalidRequest, "Invalid Request: expected method, or result/error")
	}
	return nil
}

// ReadBatch parses body as either a single JSON-RPC message or a JSON
// array of messages (a "batch"), returning the raw element for each so
// that callers can validate envelopes before fully decoding.
func ReadBatch(body []byte) ([]json.RawMessage, error) {
	trimmed := make([]byte, 0, len(body))
	for _, b := range body {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		trimmed = append(trimmed, b)
	}
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	if trimmed[0] == '[' {
		var raws []json.RawMessage
		if err := internaljson.Unmarshal(body, &raws); err != nil {
			return nil, err
		}
		if len(raws) == 0 {
			return nil, fmt.Errorf("empty batch")
		}
		return raws, nil
	}
	var single json.RawMessage
	if err := internaljson.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	return []json.RawMessage{single}, nil
}
