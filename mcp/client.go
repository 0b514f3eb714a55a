// Copyright 2026 The mcpstream Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	internaljson "github.com/ferrite-labs/mcpstream/internal/json"

	"github.com/ferrite-labs/mcpstream/internal/jsonrpc2"
)

// ClientOptions configures a Client.
type ClientOptions struct{}

// Client is the minimal counterpart to Server: enough to drive the
// streamable transport end to end (initialize, call a tool) without
// depending on an HTTP framework of its own.
type Client struct {
	info Implementation
}

// NewClient creates a Client that identifies itself with info during the
// initialize handshake.
func NewClient(info Implementation, opts *ClientOptions) *Client {
	return &Client{info: info}
}

// ClientSession is one Client's connection to a server, via a Connection
// established by a Transport (typically *StreamableClientTransport).
type ClientSession struct {
	conn Connection

	idSeq atomic.Int64

	mu      sync.Mutex
	pending map[JSONRPCID]chan *jsonrpc2.Response
	closed  bool

	done chan struct{}
	err  error
}

// Connect establishes t and starts the session's read loop.
func (c *Client) Connect(ctx context.Context, t Transport) (*ClientSession, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	cs := &ClientSession{
		conn:    conn,
		pending: make(map[JSONRPCID]chan *jsonrpc2.Response),
		done:    make(chan struct{}),
	}
	go cs.run(ctx)
	return cs, nil
}

func (cs *ClientSession) run(ctx context.Context) {
	defer close(cs.done)
	for {
		msg, err := cs.conn.Read(ctx)
		if err != nil {
			cs.err = err
			return
		}
		resp, ok := msg.(*jsonrpc2.Response)
		if !ok {
			// A server-initiated request or notification: this minimal
			// client has no handler registry for them, so they are
			// dropped. Progress notifications are the only kind this
			// module's Server emits.
			continue
		}
		cs.mu.Lock()
		ch, ok := cs.pending[resp.ID]
		if ok {
			delete(cs.pending, resp.ID)
		}
		cs.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Close closes the underlying connection.
func (cs *ClientSession) Close() error { return cs.conn.Close() }

// SessionID returns the session id the server assigned during initialize,
// or "" in stateless mode or before initialize completes.
func (cs *ClientSession) SessionID() string { return cs.conn.SessionID() }

// Wait blocks until the session's read loop exits.
func (cs *ClientSession) Wait() error {
	<-cs.done
	return cs.err
}

func (cs *ClientSession) call(ctx context.Context, method string, params any) (*jsonrpc2.Response, error) {
	id := jsonrpc2.Int64ID(cs.idSeq.Add(1))
	data, err := internaljson.Marshal(params)
	if err != nil {
		return nil, err
	}
	ch := make(chan *jsonrpc2.Response, 1)
	cs.mu.Lock()
	cs.pending[id] = ch
	cs.mu.Unlock()

	if err := cs.conn.Write(ctx, &jsonrpc2.Request{ID: id, Method: method, Params: data}, nil); err != nil {
		cs.mu.Lock()
		delete(cs.pending, id)
		cs.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		cs.mu.Lock()
		delete(cs.pending, id)
		cs.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Initialize performs the initialize handshake.
func (cs *ClientSession) Initialize(ctx context.Context, client *Client) (*InitializeResult, error) {
	resp, err := cs.call(ctx, "initialize", &InitializeParams{
		ProtocolVersion: "2025-03-26",
		ClientInfo:      client.info,
	})
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := internaljson.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallTool invokes the named tool with the given arguments.
func (cs *ClientSession) CallTool(ctx context.Context, name string, args any) (*CallToolResult, error) {
	argData, err := internaljson.Marshal(args)
	if err != nil {
		return nil, err
	}
	resp, err := cs.call(ctx, "tools/call", &CallToolParamsRaw{Name: name, Arguments: argData})
	if err != nil {
		return nil, err
	}
	var result CallToolResult
	if err := internaljson.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StreamableClientTransportOptions configures a StreamableClientTransport.
type StreamableClientTransportOptions struct {
	// HTTPClient performs the underlying requests. Its CookieJar, if any,
	// carries any cookies the server sets across requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// MaxRetries bounds the number of retries for a transiently failing
	// POST. Defaults to 2.
	MaxRetries int

	// InitialBackoff is the base delay before the first retry; each
	// subsequent retry doubles it with jitter. Defaults to 100ms.
	InitialBackoff time.Duration
}

// StreamableClientTransport dials the streamable HTTP transport at a single
// URL, posting each outgoing request as its own batch and reading back
// either a synchronous JSON reply or an SSE stream of replies.
type StreamableClientTransport struct {
	url  string
	opts StreamableClientTransportOptions
}

// NewStreamableClientTransport creates a transport targeting url.
func NewStreamableClientTransport(url string, opts *StreamableClientTransportOptions) *StreamableClientTransport {
	t := &StreamableClientTransport{url: url}
	if opts != nil {
		t.opts = *opts
	}
	if t.opts.HTTPClient == nil {
		t.opts.HTTPClient = http.DefaultClient
	}
	if t.opts.MaxRetries == 0 {
		t.opts.MaxRetries = 2
	}
	if t.opts.InitialBackoff == 0 {
		t.opts.InitialBackoff = 100 * time.Millisecond
	}
	return t
}

func (t *StreamableClientTransport) Connect(ctx context.Context) (Connection, error) {
	c := &streamableClientConn{
		url:      t.url,
		client:   t.opts.HTTPClient,
		retries:  t.opts.MaxRetries,
		backoff:  t.opts.InitialBackoff,
		incoming: make(chan JSONRPCMessage, 16),
		done:     make(chan struct{}),
	}
	go c.startEventStreamReceiver()
	return c, nil
}

type streamableClientConn struct {
	url     string
	client  *http.Client
	retries int
	backoff time.Duration

	mu          sync.Mutex
	sessionID   string
	closed      bool
	lastEventID string
	cancelGET   context.CancelFunc

	incoming chan JSONRPCMessage
	done     chan struct{}
}

func (c *streamableClientConn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *streamableClientConn) Read(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *streamableClientConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancelGET != nil {
		c.cancelGET()
	}
	c.mu.Unlock()
	close(c.done)
	return nil
}

// startEventStreamReceiver maintains the long-lived standalone GET stream
// that carries server-initiated requests and notifications (those not sent
// as a reply to one of this client's own POSTs). Without it, this transport
// could never deliver anything the server wrote to the standalone stream.
// It reconnects with jittered exponential backoff, the same policy Write
// uses for POST, and presents Last-Event-Id so a resumable EventStore can
// replay whatever this connection missed while disconnected.
func (c *streamableClientConn) startEventStreamReceiver() {
	backoff := c.backoff
	attempt := 0
	for {
		select {
		case <-c.done:
			return
		default:
		}

		sessionID := c.SessionID()
		if sessionID == "" {
			// The first POST hasn't completed the initialize handshake yet.
			select {
			case <-c.done:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		getCtx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancelGET = cancel
		lastEventID := c.lastEventID
		c.mu.Unlock()

		err := c.performHangingGet(getCtx, sessionID, lastEventID)

		c.mu.Lock()
		c.cancelGET = nil
		c.mu.Unlock()
		cancel()

		select {
		case <-c.done:
			return
		default:
		}

		if err == nil {
			// The server closed the stream gracefully; reconnect immediately.
			attempt = 0
			backoff = c.backoff
			continue
		}
		if !isRetryable(err) || (c.retries > 0 && attempt >= c.retries) {
			return
		}

		delay := backoff + time.Duration(rand.Int64N(int64(backoff)))
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}
		attempt++
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// performHangingGet issues one GET for the standalone SSE stream and blocks
// until it ends, either gracefully (nil) or with an error worth retrying.
func (c *streamableClientConn) performHangingGet(ctx context.Context, sessionID, lastEventID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Mcp-Session-Id", sessionID)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-Id", lastEventID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return httpStatusError{status: resp.StatusCode, body: data}
	}
	return c.handleSSE(resp.Body)
}

// Write posts msg as a single-element batch and streams the reply (whether
// a single JSON object or an SSE stream of events) onto c.incoming.
func (c *streamableClientConn) Write(ctx context.Context, msg JSONRPCMessage, opts *SendOptions) error {
	body, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff * time.Duration(1<<uint(attempt-1))
			delay += time.Duration(rand.Int64N(int64(c.backoff)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := c.postOnce(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return lastErr
}

func (c *streamableClientConn) postOnce(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid := c.SessionID(); sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return httpStatusError{status: resp.StatusCode, body: data}
	}
	if resp.StatusCode == http.StatusAccepted {
		return nil
	}

	ct := resp.Header.Get("Content-Type")
	switch {
	case hasMediaType(ct, "text/event-stream"):
		return c.handleSSE(resp.Body)
	case hasMediaType(ct, "application/json"):
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		return c.deliverJSON(data)
	default:
		return fmt.Errorf("mcp: unexpected response Content-Type %q", ct)
	}
}

func (c *streamableClientConn) deliverJSON(data []byte) error {
	raws, err := jsonrpc2.ReadBatch(data)
	if err != nil {
		return err
	}
	for _, raw := range raws {
		msg, err := jsonrpc2.DecodeMessage(raw)
		if err != nil {
			return err
		}
		c.incoming <- msg
	}
	return nil
}

func (c *streamableClientConn) handleSSE(r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		ev, err := scanEvents(br)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if ev.id != "" {
			c.mu.Lock()
			c.lastEventID = ev.id
			c.mu.Unlock()
		}
		msg, err := jsonrpc2.DecodeMessage(ev.data)
		if err != nil {
			return err
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return nil
		}
	}
}

// hasMediaType reports whether contentType's media type (ignoring any
// ";charset=..." parameters) equals media.
func hasMediaType(contentType, media string) bool {
	mt, _, _ := mime.ParseMediaType(contentType)
	return mt == media
}

// httpStatusError is returned when the server responds with a non-2xx,
// non-202 status to a POST.
type httpStatusError struct {
	status int
	body   []byte
}

func (e httpStatusError) Error() string {
	return fmt.Sprintf("mcp: server returned status %d: %s", e.status, e.body)
}

// isRetryable reports whether a failed POST is worth retrying: network
// errors and 5xx responses are, 4xx protocol errors are not.
func isRetryable(err error) bool {
	if hse, ok := err.(httpStatusError); ok {
		return hse.status >= 500
	}
	return true
}
