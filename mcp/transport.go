// Copyright 2026 The mcpstream Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"

	"github.com/ferrite-labs/mcpstream/internal/jsonrpc2"
)

// JSONRPCMessage, JSONRPCRequest, JSONRPCResponse, and JSONRPCID are the
// public names for the wire-level jsonrpc2 types, kept distinct from the
// protocol.go application types.
type (
	JSONRPCMessage  = jsonrpc2.Message
	JSONRPCRequest  = jsonrpc2.Request
	JSONRPCResponse = jsonrpc2.Response
	JSONRPCID       = jsonrpc2.ID
)

// SendOptions controls how Connection.Write routes an outgoing message,
// for connections that multiplex several logical streams over one session.
type SendOptions struct {
	// RelatedRequestID, when valid, tells the Connection to route msg onto
	// the stream that is already open for that request's reply, instead of
	// onto the standalone stream. A notification sent while servicing a
	// request (e.g. progress) sets this to that request's id.
	RelatedRequestID JSONRPCID
}

// Connection is the low-level channel a Server or Client reads incoming
// messages from and writes outgoing messages to. StreamableServerTransport
// and streamableClientConn are the two implementations in this module.
type Connection interface {
	// Read blocks until a message arrives, ctx is done, or the connection
	// closes.
	Read(ctx context.Context) (JSONRPCMessage, error)

	// Write sends msg. opts may be nil; implementations that multiplex
	// several logical streams consult opts.RelatedRequestID to route the
	// message to the right one.
	Write(ctx context.Context, msg JSONRPCMessage, opts *SendOptions) error

	// SessionID returns the session identifier this connection speaks for,
	// or "" in stateless mode.
	SessionID() string

	// Close tears down the connection. Idempotent.
	Close() error
}

// Transport is anything that can establish a Connection, such as
// *StreamableServerTransport or *StreamableClientTransport.
type Transport interface {
	Connect(ctx context.Context) (Connection, error)
}
