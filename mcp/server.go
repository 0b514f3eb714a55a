// Copyright 2026 The mcpstream Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	internaljson "github.com/ferrite-labs/mcpstream/internal/json"

	"github.com/ferrite-labs/mcpstream/internal/jsonrpc2"
	"github.com/ferrite-labs/mcpstream/internal/mcpgodebug"
)

// allowUnknownToolFields disables strict rejection of unrecognized
// "tools/call" parameter fields, for clients built against a newer protocol
// revision than this server. Set MCPGODEBUG=toolparamsstrict=0 to enable.
func allowUnknownToolFields() bool {
	return mcpgodebug.Value("toolparamsstrict") == "0"
}

// Params is satisfied by every request parameter type that carries a
// "_meta" field, which is all of them. It lets ServerRequest.Progress look
// up a progress token without knowing the concrete parameter type.
type Params interface {
	GetMeta() Meta
}

// ServerRequest wraps an incoming request's parameters together with the
// session it arrived on, and is what a ToolHandler or TypedToolHandler
// receives.
type ServerRequest[P Params] struct {
	Session *ServerSession
	Params  P

	// id is this request's own JSON-RPC id, used to route a progress
	// notification sent from within its handler back to this request's
	// stream; see Progress and ServerSession.NotifyProgress.
	id JSONRPCID
}

// ServerOptions configures a Server. The zero value is a usable, minimal
// configuration.
type ServerOptions struct {
	Instructions string
}

// Server holds the tool registry and protocol-level state shared across all
// sessions connected to it. A single Server is typically handed to
// NewStreamableHTTPHandler and serves many concurrent sessions.
type Server struct {
	impl Implementation
	opts ServerOptions

	mu    sync.Mutex
	tools map[string]*serverTool
}

// NewServer creates a Server that identifies itself with impl during the
// initialize handshake.
func NewServer(impl Implementation, opts *ServerOptions) *Server {
	s := &Server{impl: impl, tools: make(map[string]*serverTool)}
	if opts != nil {
		s.opts = *opts
	}
	return s
}

// AddTool registers a tool backed by a raw ToolHandler, whose arguments are
// validated against t.InputSchema but otherwise passed through as a
// *map[string]any.
func (s *Server) AddTool(t *Tool, h ToolHandler) error {
	st, err := newServerTool(t, h)
	if err != nil {
		return fmt.Errorf("adding tool %q: %w", t.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.Name] = st
	return nil
}

// AddTool registers a tool whose input and output schemas are inferred from
// the In and Out type parameters.
func AddTool[In, Out any](s *Server, t *Tool, h TypedToolHandler[In, Out]) error {
	st, err := newTypedServerTool(t, h)
	if err != nil {
		return fmt.Errorf("adding tool %q: %w", t.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.Name] = st
	return nil
}

func (s *Server) tool(name string) (*serverTool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tools[name]
	return st, ok
}

func (s *Server) listTools() []*Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Tool, 0, len(s.tools))
	for _, st := range s.tools {
		out = append(out, st.tool)
	}
	return out
}

// ServerSession is one client's connection to a Server: the message loop
// that reads requests off a Connection, dispatches them, and writes
// replies.
type ServerSession struct {
	server *Server
	conn   Connection

	mu          sync.Mutex
	initialized bool
	initParams  *InitializeParams

	done chan struct{}
	err  error
}

// InitializeParams returns the parameters the client sent in its
// "initialize" request, or nil if the session has not yet completed one.
func (s *ServerSession) InitializeParams() *InitializeParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initParams
}

// Connect starts serving t: it establishes the underlying Connection and
// begins the read/dispatch loop in a background goroutine, returning
// immediately with the new session.
func (s *Server) Connect(ctx context.Context, t Transport) (*ServerSession, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	ss := &ServerSession{server: s, conn: conn, done: make(chan struct{})}
	go ss.run(ctx)
	return ss, nil
}

// Wait blocks until the session's connection closes, returning the error
// (if any) that ended it.
func (s *ServerSession) Wait() error {
	<-s.done
	return s.err
}

// SessionID returns the underlying connection's session identifier.
func (s *ServerSession) SessionID() string { return s.conn.SessionID() }

// Close tears down the session's connection.
func (s *ServerSession) Close() error { return s.conn.Close() }

func (s *ServerSession) run(ctx context.Context) {
	defer close(s.done)
	for {
		msg, err := s.conn.Read(ctx)
		if err != nil {
			s.err = err
			return
		}
		switch m := msg.(type) {
		case *jsonrpc2.Request:
			go s.handleRequest(ctx, m)
		case *jsonrpc2.Response:
			// This server does not issue client-directed requests in this
			// module, so unsolicited responses have nothing to correlate to.
		}
	}
}

// handleRequest dispatches one incoming request or notification. It runs in
// its own goroutine so a slow tool call never blocks other in-flight
// requests on the same session.
func (s *ServerSession) handleRequest(ctx context.Context, req *jsonrpc2.Request) {
	result, rpcErr := s.dispatch(ctx, req)
	if req.IsNotification() {
		return
	}
	resp := &jsonrpc2.Response{ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		data, err := internaljson.Marshal(result)
		if err != nil {
			resp.Error = jsonrpc2.NewError(jsonrpc2.CodeInternalError, err.Error())
		} else {
			resp.Result = data
		}
	}
	if err := s.conn.Write(ctx, resp, nil); err != nil {
		// The stream this reply belonged to is already gone (client
		// disconnected mid-call); nothing more to do.
		_ = err
	}
}

func (s *ServerSession) dispatch(ctx context.Context, req *jsonrpc2.Request) (any, *jsonrpc2.WireError) {
	switch req.Method {
	case "initialize":
		var params InitializeParams
		if len(req.Params) > 0 {
			if err := internaljson.Unmarshal(req.Params, &params); err != nil {
				return nil, jsonrpc2.NewError(jsonrpc2.CodeInvalidParams, err.Error())
			}
		}
		s.mu.Lock()
		s.initialized = true
		s.initParams = &params
		s.mu.Unlock()
		return &InitializeResult{
			ProtocolVersion: params.ProtocolVersion,
			Capabilities: ServerCapabilities{
				Tools: &ToolCapabilities{},
			},
			ServerInfo:   s.server.impl,
			Instructions: s.server.opts.Instructions,
		}, nil

	case "notifications/initialized":
		return nil, nil

	case "tools/list":
		return &struct {
			Tools []*Tool `json:"tools"`
		}{Tools: s.server.listTools()}, nil

	case "tools/call":
		var raw CallToolParamsRaw
		var err error
		if allowUnknownToolFields() {
			err = internaljson.Unmarshal(req.Params, &raw)
		} else {
			err = jsonrpc2.StrictUnmarshal(req.Params, &raw)
		}
		if err != nil {
			return nil, jsonrpc2.NewError(jsonrpc2.CodeInvalidParams, err.Error())
		}
		st, ok := s.server.tool(raw.Name)
		if !ok {
			return nil, jsonrpc2.NewError(jsonrpc2.CodeInvalidParams, fmt.Sprintf("unknown tool %q", raw.Name))
		}
		params := &CallToolParams{
			metaHolder: raw.metaHolder,
			Name:       raw.Name,
			Arguments:  json.RawMessage(raw.Arguments),
		}
		sreq := &ServerRequest[*CallToolParams]{Session: s, Params: params, id: req.ID}
		result, err := st.handler(ctx, sreq)
		if err != nil {
			return nil, jsonrpc2.NewError(jsonrpc2.CodeInternalError, err.Error())
		}
		return result, nil

	default:
		if req.IsNotification() {
			return nil, nil
		}
		return nil, jsonrpc2.NewError(jsonrpc2.CodeMethodNotFound, fmt.Sprintf("method not found: %q", req.Method))
	}
}

// NotifyProgress sends a notifications/progress message. relatedRequestID,
// typically the id of the request the progress belongs to, routes the
// notification to that request's own stream rather than the standalone one.
func (s *ServerSession) NotifyProgress(ctx context.Context, relatedRequestID JSONRPCID, params *ProgressNotificationParams) error {
	data, err := internaljson.Marshal(params)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, &jsonrpc2.Request{Method: "notifications/progress", Params: data}, &SendOptions{RelatedRequestID: relatedRequestID})
}
