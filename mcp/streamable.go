// Copyright 2026 The mcpstream Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package mcp implements the hybrid JSON-RPC/HTTP/SSE transport described in
// this module's design notes: a single URL that accepts POSTed JSON-RPC
// batches, an optional long-lived GET stream for server-initiated messages,
// and DELETE for session teardown.
package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	internaljson "github.com/ferrite-labs/mcpstream/internal/json"

	"github.com/ferrite-labs/mcpstream/internal/jsonrpc2"
)

const standaloneStreamID = "_GET_stream"

// StreamableHTTPOptions configures a StreamableHTTPHandler.
type StreamableHTTPOptions struct {
	// SessionIDGenerator produces a fresh session id for each new client. A
	// nil generator defaults to uuid.NewString. A generator that returns ""
	// puts the transport in stateless mode: no Mcp-Session-Id header is
	// advertised or validated.
	SessionIDGenerator func() string

	// EnableJSONResponse makes POSTs whose batch contains a request return a
	// single buffered JSON body instead of an event stream.
	EnableJSONResponse bool

	// EventStore, if non-nil, makes the standalone and request streams
	// resumable via Last-Event-Id.
	EventStore EventStore

	// SessionStore, if non-nil, records each session's initialize
	// parameters when it starts and forgets them when the session is
	// DELETEd; closing the handler leaves its entries in place. It is not
	// consulted to restore a
	// session after a server restart: this transport's session identity is
	// not durable (see EventStore for durable event content).
	SessionStore SessionStore

	// MaxBodyBytes bounds POST request bodies; see effectiveMaxBodyBytes.
	MaxBodyBytes int64

	// ErrorHandler receives transport-level errors (§7b): failed writes,
	// drops of orphaned sends. It must not block. A nil handler discards
	// these.
	ErrorHandler func(error)
}

func (o *StreamableHTTPOptions) sessionIDGenerator() func() string {
	if o != nil && o.SessionIDGenerator != nil {
		return o.SessionIDGenerator
	}
	return uuid.NewString
}

func (o *StreamableHTTPOptions) reportError(err error) {
	if o != nil && o.ErrorHandler != nil {
		o.ErrorHandler(err)
	}
}

// StreamableHTTPHandler is an http.Handler implementing the transport
// described above. It multiplexes any number of sessions, each bound to its
// own *StreamableServerTransport, over one URL.
type StreamableHTTPHandler struct {
	getServer func(*http.Request) *Server
	opts      StreamableHTTPOptions

	mu       sync.Mutex
	closed   bool
	sessions map[string]*handlerSession // "" key used only in stateless mode
}

type handlerSession struct {
	transport *StreamableServerTransport
	session   *ServerSession
}

// NewStreamableHTTPHandler creates a handler that calls getServer once per
// new session (at its initialize request) to obtain the Server that will
// service it.
func NewStreamableHTTPHandler(getServer func(*http.Request) *Server, opts *StreamableHTTPOptions) *StreamableHTTPHandler {
	h := &StreamableHTTPHandler{getServer: getServer, sessions: make(map[string]*handlerSession)}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

// Close ends every open session and rejects future requests with 503.
func (h *StreamableHTTPHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, hs := range h.sessions {
		hs.transport.Close()
	}
	return nil
}

func (h *StreamableHTTPHandler) stateless() bool {
	return h.opts.sessionIDGenerator()() == ""
}

// writeJSONRPCError writes the JSON-RPC error envelope described in §6 with
// id: null, at the given HTTP status.
func writeJSONRPCError(w http.ResponseWriter, status int, code int64, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, _ := jsonrpc2.EncodeMessage(&jsonrpc2.Response{
		Error: &jsonrpc2.WireError{Code: code, Message: message},
	})
	w.Write(body)
}

func acceptsBoth(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && strings.Contains(accept, "text/event-stream")
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		writeJSONRPCError(w, http.StatusServiceUnavailable, jsonrpc2.CodeInternalError, "transport closed")
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.servePOST(w, r)
	case http.MethodGet:
		h.serveGET(w, r)
	case http.MethodDelete:
		h.serveDELETE(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// lookupSession resolves the session referenced by r's Mcp-Session-Id
// header, applying §4.1's validation rules. ok is false if the handler has
// already written an error response.
func (h *StreamableHTTPHandler) lookupSession(w http.ResponseWriter, r *http.Request) (*handlerSession, bool) {
	if h.stateless() {
		h.mu.Lock()
		hs := h.sessions[""]
		h.mu.Unlock()
		if hs == nil {
			writeJSONRPCError(w, http.StatusBadRequest, jsonrpc2.CodeBadRequest, "Server not initialized")
			return nil, false
		}
		return hs, true
	}

	id := r.Header.Get("Mcp-Session-Id")
	if id == "" {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc2.CodeBadRequest, "Bad Request")
		return nil, false
	}
	h.mu.Lock()
	hs := h.sessions[id]
	h.mu.Unlock()
	if hs == nil {
		writeJSONRPCError(w, http.StatusNotFound, jsonrpc2.CodeSessionMissing, "Session not found")
		return nil, false
	}
	return hs, true
}

func (h *StreamableHTTPHandler) servePOST(w http.ResponseWriter, r *http.Request) {
	if !acceptsBoth(r) {
		writeJSONRPCError(w, http.StatusNotAcceptable, jsonrpc2.CodeBadRequest, "Client must accept both application/json and text/event-stream")
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		writeJSONRPCError(w, http.StatusUnsupportedMediaType, jsonrpc2.CodeBadRequest, "Content-Type must be application/json")
		return
	}

	max := effectiveMaxBodyBytes(h.opts.MaxBodyBytes)
	body, err := readLimitedBody(w, r, max)
	if err != nil {
		if isMaxBytesError(err) {
			writeRequestBodyTooLarge(w)
		} else {
			writeJSONRPCError(w, http.StatusBadRequest, jsonrpc2.CodeParseError, "Parse error")
		}
		return
	}

	rawMsgs, err := jsonrpc2.ReadBatch(body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc2.CodeParseError, "Parse error")
		return
	}

	var requests, notifications []*jsonrpc2.Request
	numInit := 0
	for _, raw := range rawMsgs {
		if rpcErr := jsonrpc2.ValidateEnvelope(raw); rpcErr != nil {
			writeJSONRPCError(w, http.StatusBadRequest, rpcErr.Code, rpcErr.Message)
			return
		}
		msg, err := jsonrpc2.DecodeMessage(raw)
		if err != nil {
			writeJSONRPCError(w, http.StatusBadRequest, jsonrpc2.CodeParseError, "Parse error")
			return
		}
		req, ok := msg.(*jsonrpc2.Request)
		if !ok {
			// A response in the incoming batch: this module's Server never
			// issues client-directed requests, so there is nothing to
			// correlate it to. Ignored rather than rejected.
			continue
		}
		if req.Method == "initialize" {
			numInit++
		}
		if req.IsNotification() {
			notifications = append(notifications, req)
		} else {
			requests = append(requests, req)
		}
	}
	if numInit > 1 {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc2.CodeInvalidRequest, "Only one initialization request is allowed")
		return
	}

	isInit := numInit == 1
	var hs *handlerSession
	if isInit {
		if id := r.Header.Get("Mcp-Session-Id"); id != "" {
			h.mu.Lock()
			_, exists := h.sessions[id]
			h.mu.Unlock()
			if exists {
				writeJSONRPCError(w, http.StatusBadRequest, jsonrpc2.CodeInvalidRequest, "Server already initialized")
				return
			}
		}
		hs, err = h.startSession(r)
		if err != nil {
			writeJSONRPCError(w, http.StatusBadRequest, jsonrpc2.CodeInvalidRequest, "Server already initialized")
			return
		}
	} else {
		var ok bool
		hs, ok = h.lookupSession(w, r)
		if !ok {
			return
		}
	}

	if sid := hs.transport.SessionID(); sid != "" {
		w.Header().Set("Mcp-Session-Id", sid)
	}
	hs.transport.servePOST(w, r, requests, notifications)

	if isInit && h.opts.SessionStore != nil {
		if params := hs.session.InitializeParams(); params != nil {
			state := &SessionState{InitializeParams: params}
			if err := h.opts.SessionStore.Store(r.Context(), hs.transport.SessionID(), state); err != nil {
				h.opts.reportError(fmt.Errorf("mcp: storing session state: %w", err))
			}
		}
	}
}

// startSession handles the initialize POST: it allocates a session id (or
// stays stateless), builds the per-session transport, and connects the
// caller-supplied Server to it.
func (h *StreamableHTTPHandler) startSession(r *http.Request) (*handlerSession, error) {
	gen := h.opts.sessionIDGenerator()
	id := gen()

	h.mu.Lock()
	if _, exists := h.sessions[id]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("already initialized")
	}
	h.mu.Unlock()

	t := newStreamableServerTransport(id, h.opts.EventStore, h.opts.EnableJSONResponse, h.opts.reportError)
	srv := h.getServer(r)
	// The session outlives this initialize POST, so its read loop must not
	// be tied to r's context; it ends when the transport closes.
	ss, err := srv.Connect(context.Background(), t)
	if err != nil {
		return nil, err
	}
	hs := &handlerSession{transport: t, session: ss}

	h.mu.Lock()
	h.sessions[id] = hs
	h.mu.Unlock()
	return hs, nil
}

func (h *StreamableHTTPHandler) serveGET(w http.ResponseWriter, r *http.Request) {
	if !acceptsEventStream(r) {
		writeJSONRPCError(w, http.StatusNotAcceptable, jsonrpc2.CodeBadRequest, "Client must accept text/event-stream")
		return
	}
	hs, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	hs.transport.serveGET(w, r)
}

func (h *StreamableHTTPHandler) serveDELETE(w http.ResponseWriter, r *http.Request) {
	hs, ok := h.lookupSession(w, r)
	if !ok {
		return
	}
	hs.transport.Close()
	id := sessionKeyFor(h, r)
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
	if h.opts.SessionStore != nil {
		if err := h.opts.SessionStore.Delete(r.Context(), id); err != nil {
			h.opts.reportError(fmt.Errorf("mcp: deleting session state: %w", err))
		}
	}
	w.WriteHeader(http.StatusOK)
}

func sessionKeyFor(h *StreamableHTTPHandler, r *http.Request) string {
	if h.stateless() {
		return ""
	}
	return r.Header.Get("Mcp-Session-Id")
}

func readLimitedBody(w http.ResponseWriter, r *http.Request, max int64) ([]byte, error) {
	if max > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, max)
	}
	return io.ReadAll(r.Body)
}

// streamMode distinguishes how a stream's outbound messages are delivered.
type streamMode int

const (
	modeSSE streamMode = iota
	modeJSON
)

// streamSink is one open HTTP response the transport writes to: either a
// request stream (answering one POST batch) or the standalone stream
// (opened by GET).
type streamSink struct {
	id         string
	mode       streamMode
	standalone bool

	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher

	pending  map[JSONRPCID]struct{} // outstanding request ids this stream must still answer
	buffered []*jsonrpc2.Response   // modeJSON only
	done     chan struct{}          // closed once pending is empty (request streams only)
}

// StreamableServerTransport is the per-session Connection: it owns the
// stream table and the session id itself ("" in stateless mode).
type StreamableServerTransport struct {
	sessionID          string
	eventStore         EventStore
	enableJSONResponse bool
	reportError        func(error)

	streamSeq atomic.Int64

	mu             sync.Mutex
	closed         bool
	streams        map[string]*streamSink
	requestStreams map[JSONRPCID]string

	incoming chan JSONRPCMessage
}

func newStreamableServerTransport(sessionID string, store EventStore, enableJSON bool, reportError func(error)) *StreamableServerTransport {
	if reportError == nil {
		reportError = func(error) {}
	}
	return &StreamableServerTransport{
		sessionID:          sessionID,
		eventStore:         store,
		enableJSONResponse: enableJSON,
		reportError:        reportError,
		streams:            make(map[string]*streamSink),
		requestStreams:     make(map[JSONRPCID]string),
		incoming:           make(chan JSONRPCMessage, 16),
	}
}

// Connect implements Transport: a StreamableServerTransport is its own
// Connection.
func (t *StreamableServerTransport) Connect(ctx context.Context) (Connection, error) {
	return t, nil
}

func (t *StreamableServerTransport) SessionID() string { return t.sessionID }

func (t *StreamableServerTransport) Read(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case msg, ok := <-t.incoming:
		if !ok {
			return nil, fmt.Errorf("mcp: session %s closed", t.sessionID)
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *StreamableServerTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	streams := make([]*streamSink, 0, len(t.streams))
	for _, s := range t.streams {
		streams = append(streams, s)
	}
	t.streams = make(map[string]*streamSink)
	t.requestStreams = make(map[JSONRPCID]string)
	close(t.incoming)
	t.mu.Unlock()

	for _, s := range streams {
		s.finish()
	}
	return nil
}

func (s *streamSink) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Write implements Connection: it routes msg to the stream its id (for a
// response) or opts.RelatedRequestID (for a notification/request)
// designates, per §4.7.
func (t *StreamableServerTransport) Write(ctx context.Context, msg JSONRPCMessage, opts *SendOptions) error {
	switch m := msg.(type) {
	case *jsonrpc2.Response:
		return t.writeResponse(ctx, m)
	case *jsonrpc2.Request:
		return t.writeServerInitiated(ctx, m, opts)
	default:
		return fmt.Errorf("mcp: unwritable message type %T", msg)
	}
}

func (t *StreamableServerTransport) writeResponse(ctx context.Context, resp *jsonrpc2.Response) error {
	t.mu.Lock()
	streamID, ok := t.requestStreams[resp.ID]
	var sink *streamSink
	if ok {
		sink = t.streams[streamID]
	}
	t.mu.Unlock()
	if !ok || sink == nil {
		t.reportError(fmt.Errorf("mcp: no stream for response id %v; dropped", resp.ID))
		return nil
	}

	if err := sink.writeResponse(ctx, t, resp); err != nil {
		t.reportError(err)
	}

	t.mu.Lock()
	delete(sink.pending, resp.ID)
	delete(t.requestStreams, resp.ID)
	empty := len(sink.pending) == 0
	if empty {
		delete(t.streams, streamID)
	}
	t.mu.Unlock()

	if empty {
		sink.finish()
	}
	return nil
}

func (t *StreamableServerTransport) writeServerInitiated(ctx context.Context, req *jsonrpc2.Request, opts *SendOptions) error {
	t.mu.Lock()
	var sink *streamSink
	if opts != nil && opts.RelatedRequestID.IsValid() {
		if sid, ok := t.requestStreams[opts.RelatedRequestID]; ok {
			sink = t.streams[sid]
		}
	}
	if sink == nil {
		sink = t.streams[standaloneStreamID]
	}
	t.mu.Unlock()

	if sink == nil {
		// No open stream can carry this message. Per this transport's
		// chosen behavior it is dropped rather than speculatively stored.
		t.reportError(fmt.Errorf("mcp: no open stream for %s notification; dropped", req.Method))
		return nil
	}
	return sink.writeMessage(ctx, t, req)
}

func (s *streamSink) writeResponse(ctx context.Context, t *StreamableServerTransport, resp *jsonrpc2.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == modeJSON {
		s.buffered = append(s.buffered, resp)
		return nil
	}
	return s.writeSSELocked(ctx, t, resp)
}

func (s *streamSink) writeMessage(ctx context.Context, t *StreamableServerTransport, msg JSONRPCMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == modeJSON {
		// A JSON-buffered request stream has no room for an out-of-band
		// server-initiated message; it can only carry the batch's replies.
		return fmt.Errorf("mcp: stream %s cannot carry a server-initiated message in JSON-response mode", s.id)
	}
	return s.writeSSELocked(ctx, t, msg)
}

func (s *streamSink) writeSSELocked(ctx context.Context, t *StreamableServerTransport, msg JSONRPCMessage) error {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return err
	}
	var id string
	if t.eventStore != nil {
		id, err = t.eventStore.StoreEvent(ctx, s.id, msg)
		if err != nil {
			// A failing store degrades to a best-effort, unresumable frame
			// rather than losing the message (§7).
			t.reportError(err)
			id = ""
		}
	}
	return writeEvent(s.w, s.flusher, event{id: id, data: data})
}

// servePOST implements §4.3: it registers a fresh request stream for
// requests/notifications, delivers them to the running ServerSession via
// t.incoming, and blocks writing replies until the stream's pending set is
// empty or the client disconnects.
func (t *StreamableServerTransport) servePOST(w http.ResponseWriter, r *http.Request, requests, notifications []*jsonrpc2.Request) {
	if len(requests) == 0 {
		for _, n := range notifications {
			t.deliver(n)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	streamID := fmt.Sprintf("stream-%d", t.streamSeq.Add(1))
	sink := &streamSink{id: streamID, pending: make(map[JSONRPCID]struct{}), done: make(chan struct{})}
	if t.enableJSONResponse {
		sink.mode = modeJSON
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		writeJSONRPCError(w, http.StatusServiceUnavailable, jsonrpc2.CodeInternalError, "transport closed")
		return
	}
	for _, req := range requests {
		t.requestStreams[req.ID] = streamID
		sink.pending[req.ID] = struct{}{}
	}
	t.streams[streamID] = sink
	t.mu.Unlock()

	if sink.mode == modeSSE {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache, no-transform")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		sink.w = w
		if f, ok := w.(http.Flusher); ok {
			sink.flusher = f
			f.Flush()
		}
	}

	for _, n := range notifications {
		t.deliver(n)
	}
	for _, req := range requests {
		t.deliver(req)
	}

	select {
	case <-sink.done:
	case <-r.Context().Done():
		t.abandonStream(streamID)
		return
	}

	if sink.mode == modeJSON {
		writeJSONResponse(w, sink.buffered)
	}
}

// abandonStream drops a request stream whose client disconnected mid-reply,
// per §5's cancellation rules: no error surfaces upward, later sends to it
// drop cleanly.
func (t *StreamableServerTransport) abandonStream(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sink, ok := t.streams[streamID]
	if !ok {
		return
	}
	for id := range sink.pending {
		delete(t.requestStreams, id)
	}
	delete(t.streams, streamID)
}

func writeJSONResponse(w http.ResponseWriter, responses []*jsonrpc2.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	var body []byte
	if len(responses) == 1 {
		body, _ = internaljson.Marshal(responses[0])
	} else {
		body, _ = internaljson.Marshal(responses)
	}
	w.Write(body)
}

func (t *StreamableServerTransport) deliver(msg JSONRPCMessage) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.incoming <- msg
}

// serveGET implements §4.4: the standalone stream, with optional
// Last-Event-Id replay.
func (t *StreamableServerTransport) serveGET(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		writeJSONRPCError(w, http.StatusServiceUnavailable, jsonrpc2.CodeInternalError, "transport closed")
		return
	}
	if _, open := t.streams[standaloneStreamID]; open {
		t.mu.Unlock()
		writeJSONRPCError(w, http.StatusConflict, jsonrpc2.CodeBadRequest, "Only one SSE stream is allowed per session")
		return
	}
	sink := &streamSink{id: standaloneStreamID, standalone: true, pending: make(map[JSONRPCID]struct{})}
	t.streams[standaloneStreamID] = sink
	t.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sink.w = w
	if f, ok := w.(http.Flusher); ok {
		sink.flusher = f
	}

	if lastEventID := r.Header.Get("Last-Event-Id"); lastEventID != "" && t.eventStore != nil {
		_, err := t.eventStore.ReplayEventsAfter(r.Context(), lastEventID, func(id string, msg JSONRPCMessage) error {
			data, err := jsonrpc2.EncodeMessage(msg)
			if err != nil {
				return err
			}
			return writeEvent(sink.w, sink.flusher, event{id: id, data: data})
		})
		if err != nil {
			t.reportError(fmt.Errorf("mcp: replay failed: %w", err))
		}
	} else if sink.flusher != nil {
		sink.flusher.Flush()
	}

	<-r.Context().Done()

	t.mu.Lock()
	if t.streams[standaloneStreamID] == sink {
		delete(t.streams, standaloneStreamID)
	}
	t.mu.Unlock()
}
