// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// JSONRPCVersion is the JSON-RPC version used by LSP.
const JSONRPCVersion = "2.0"

// DefaultRequestTimeout bounds every correlated request.
const DefaultRequestTimeout = 10 * time.Second

// =============================================================================
// JSON-RPC MESSAGE TYPES
// =============================================================================

// Request represents an outbound JSON-RPC request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Notification represents an outbound JSON-RPC notification (no ID, no response).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// ResponseError represents a JSON-RPC error object on the wire.
type ResponseError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// inboundMessage covers every shape an analyzer can send. The shape decides
// routing: id with result/error is a response, method with id is a request,
// method alone is a notification.
type inboundMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// outboundResponse answers a server-initiated request. Result is a pointer so
// a successful null result is still serialized.
type outboundResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError   `json:"error,omitempty"`
}

// Handler answers traffic the analyzer initiates.
//
// HandleRequest runs on the read loop and must not block on the analyzer.
// Returning an *LSPError sends that error; any other error is reported as an
// internal error.
type Handler interface {
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

// =============================================================================
// CONNECTION
// =============================================================================

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id      int64
	method  string
	started time.Time
	timer   *time.Timer
	done    chan callResult
}

// CallStats counts how pending requests ended.
type CallStats struct {
	Sent      int64
	Resolved  int64
	Failed    int64
	TimedOut  int64
	Cancelled int64
	Aborted   int64
	Late      int64
}

type callOutcome int

const (
	outcomeResolved callOutcome = iota
	outcomeFailed
	outcomeTimedOut
	outcomeCancelled
	outcomeAborted
)

func (o callOutcome) String() string {
	switch o {
	case outcomeResolved:
		return "resolved"
	case outcomeFailed:
		return "error"
	case outcomeTimedOut:
		return "timeout"
	case outcomeCancelled:
		return "cancelled"
	default:
		return "aborted"
	}
}

// Conn is a JSON-RPC connection to one analyzer process.
//
// Description:
//
//	Frames outbound messages, correlates responses with pending requests,
//	and routes inbound requests and notifications to a Handler. Every
//	pending request ends exactly once: resolved, rejected by the analyzer,
//	timed out, cancelled by the caller, or aborted when the connection
//	closes. The pending entry is removed under a single lock, so whichever
//	of those happens first wins and the rest are no-ops.
//
// Thread Safety:
//
//	Call and Notify are safe for concurrent use. ReadLoop must run in
//	exactly one goroutine.
type Conn struct {
	r        io.Reader
	w        io.Writer
	writeMu  sync.Mutex
	framer   *Framer
	handler  Handler
	timeout  time.Duration
	analyzer string
	logger   *slog.Logger

	resyncLog rate.Sometimes

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]*pendingCall
	closed    bool
	closeErr  error

	sent, resolved, failed, timedOut, cancelled, aborted, late atomic.Int64
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHandler sets the handler for analyzer-initiated traffic.
func WithHandler(h Handler) ConnOption {
	return func(c *Conn) { c.handler = h }
}

// WithConnLogger sets the logger.
func WithConnLogger(l *slog.Logger) ConnOption {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAnalyzerID labels errors and metrics with the analyzer id.
func WithAnalyzerID(id string) ConnOption {
	return func(c *Conn) { c.analyzer = id }
}

// NewConn creates a connection reading frames from r (analyzer stdout) and
// writing frames to w (analyzer stdin).
func NewConn(r io.Reader, w io.Writer, opts ...ConnOption) *Conn {
	c := &Conn{
		r:         r,
		w:         w,
		framer:    NewFramer(),
		timeout:   DefaultRequestTimeout,
		logger:    slog.Default(),
		pending:   make(map[int64]*pendingCall),
		resyncLog: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends a request and waits for its result.
//
// Description:
//
//	Assigns the next id, registers a pending entry with a timer, writes the
//	frame and waits. If ctx ends first the entry is removed, the analyzer
//	is sent $/cancelRequest, and any late response is dropped.
//
// Inputs:
//
//	ctx - Caller context. Abandoning the wait is the only cancellation.
//	method - LSP method name.
//	params - Marshaled as the params member.
//
// Outputs:
//
//	json.RawMessage - The raw result ("null" when the analyzer sent none).
//	error - *LSPError, *RequestTimeoutError, *TransportError, or ctx.Err().
//
// Thread Safety:
//
//	Safe for concurrent use.
func (c *Conn) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	id := c.nextID.Add(1)
	pc := &pendingCall{
		id:      id,
		method:  method,
		started: time.Now(),
		done:    make(chan callResult, 1),
	}

	c.pendingMu.Lock()
	if c.closed {
		err := c.closeErr
		c.pendingMu.Unlock()
		return nil, err
	}
	c.pending[id] = pc
	timeout := c.timeout
	pc.timer = time.AfterFunc(timeout, func() {
		c.finish(id, callResult{err: &RequestTimeoutError{Method: method, ID: id, Timeout: timeout}}, outcomeTimedOut)
	})
	c.pendingMu.Unlock()
	c.sent.Add(1)

	if err := c.write(Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}); err != nil {
		c.finish(id, callResult{err: err}, outcomeAborted)
		res := <-pc.done
		return nil, res.err
	}

	select {
	case res := <-pc.done:
		return res.result, res.err
	case <-ctx.Done():
		if c.finish(id, callResult{err: ctx.Err()}, outcomeCancelled) {
			_ = c.Notify("$/cancelRequest", map[string]int64{"id": id})
		}
		res := <-pc.done
		return res.result, res.err
	}
}

// Notify sends a notification.
//
// Thread Safety:
//
//	Safe for concurrent use. Callers that need ordering between
//	notifications must serialize their calls.
func (c *Conn) Notify(method string, params interface{}) error {
	c.pendingMu.Lock()
	closed, closeErr := c.closed, c.closeErr
	c.pendingMu.Unlock()
	if closed {
		return closeErr
	}
	return c.write(Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params})
}

func (c *Conn) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteFrame(c.w, data); err != nil {
		return &TransportError{Analyzer: c.analyzer, Op: "write", Err: err}
	}
	return nil
}

// finish removes a pending entry and delivers its result. It reports false
// when the entry was already gone.
func (c *Conn) finish(id int64, res callResult, outcome callOutcome) bool {
	c.pendingMu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}

	pc.timer.Stop()
	pc.done <- res

	switch outcome {
	case outcomeResolved:
		c.resolved.Add(1)
	case outcomeFailed:
		c.failed.Add(1)
	case outcomeTimedOut:
		c.timedOut.Add(1)
	case outcomeCancelled:
		c.cancelled.Add(1)
	default:
		c.aborted.Add(1)
	}
	recordRequest(c.analyzer, pc.method, outcome.String(), time.Since(pc.started))
	return true
}

// Pending returns the number of requests awaiting a response.
func (c *Conn) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Stats returns a snapshot of request outcomes.
func (c *Conn) Stats() CallStats {
	return CallStats{
		Sent:      c.sent.Load(),
		Resolved:  c.resolved.Load(),
		Failed:    c.failed.Load(),
		TimedOut:  c.timedOut.Load(),
		Cancelled: c.cancelled.Load(),
		Aborted:   c.aborted.Load(),
		Late:      c.late.Load(),
	}
}

// =============================================================================
// READ LOOP
// =============================================================================

// ReadLoop reads frames until the stream ends and dispatches them.
//
// Description:
//
//	Returns nil when the connection was closed locally, otherwise a
//	*TransportError describing why the stream ended. Either way every
//	pending request is aborted before it returns.
//
// Thread Safety:
//
//	Must be called from a single goroutine.
func (c *Conn) ReadLoop(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	if c.r == nil {
		return fmt.Errorf("no reader configured")
	}

	buf := make([]byte, 32<<10)
	for {
		n, readErr := c.r.Read(buf)
		if n > 0 {
			frames, errs := c.framer.Push(buf[:n])
			for _, ferr := range errs {
				recordResync(c.analyzer)
				c.resyncLog.Do(func() {
					c.logger.Warn("discarded malformed frame",
						slog.String("analyzer", c.analyzer),
						slog.String("error", ferr.Error()))
				})
			}
			for _, frame := range frames {
				c.dispatch(ctx, frame)
			}
		}
		if readErr != nil {
			c.pendingMu.Lock()
			wasClosed := c.closed
			c.pendingMu.Unlock()
			if wasClosed {
				return nil
			}
			if errors.Is(readErr, io.EOF) {
				readErr = io.ErrUnexpectedEOF
			}
			terr := &TransportError{Analyzer: c.analyzer, Op: "read", Err: readErr}
			c.Close(terr)
			return terr
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, frame json.RawMessage) {
	var msg inboundMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.logger.Warn("undecodable message from analyzer",
			slog.String("analyzer", c.analyzer),
			slog.String("error", err.Error()))
		return
	}

	hasID := len(msg.ID) > 0 && string(msg.ID) != "null"
	switch {
	case msg.Method != "" && hasID:
		c.answer(ctx, msg)
	case msg.Method != "":
		if c.handler != nil {
			c.handler.HandleNotification(ctx, msg.Method, msg.Params)
		}
	case hasID:
		c.resolve(msg)
	default:
		c.logger.Debug("dropping message without id or method",
			slog.String("analyzer", c.analyzer))
	}
}

func (c *Conn) resolve(msg inboundMessage) {
	id, err := parseID(msg.ID)
	if err != nil {
		c.logger.Debug("response with foreign id", slog.String("id", string(msg.ID)))
		c.late.Add(1)
		return
	}

	var (
		res     callResult
		outcome = outcomeResolved
	)
	if msg.Error != nil {
		res.err = &LSPError{Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data}
		outcome = outcomeFailed
	} else {
		res.result = msg.Result
		if len(res.result) == 0 {
			res.result = json.RawMessage("null")
		}
	}

	if !c.finish(id, res, outcome) {
		c.late.Add(1)
		c.logger.Debug("dropping late response",
			slog.String("analyzer", c.analyzer),
			slog.Int64("id", id))
	}
}

// answer replies to an analyzer-initiated request on the read loop.
func (c *Conn) answer(ctx context.Context, msg inboundMessage) {
	resp := outboundResponse{JSONRPC: JSONRPCVersion, ID: msg.ID}

	var (
		result interface{}
		err    error
	)
	if c.handler == nil {
		err = &LSPError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}
	} else {
		result, err = c.handler.HandleRequest(ctx, msg.Method, msg.Params)
	}

	if err != nil {
		var lspErr *LSPError
		if errors.As(err, &lspErr) {
			resp.Error = &ResponseError{Code: lspErr.Code, Message: lspErr.Message, Data: lspErr.Data}
		} else {
			resp.Error = &ResponseError{Code: CodeInternalError, Message: err.Error()}
		}
	} else {
		raw := json.RawMessage("null")
		if result != nil {
			data, merr := json.Marshal(result)
			if merr != nil {
				resp.Error = &ResponseError{Code: CodeInternalError, Message: merr.Error()}
			} else {
				raw = data
			}
		}
		if resp.Error == nil {
			resp.Result = &raw
		}
	}

	if werr := c.write(resp); werr != nil {
		c.logger.Debug("failed to answer analyzer request",
			slog.String("analyzer", c.analyzer),
			slog.String("method", msg.Method),
			slog.String("error", werr.Error()))
	}
}

func parseID(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

// Close marks the connection closed and aborts every pending request with
// cause (ErrConnClosed when nil). Later calls are no-ops. The underlying
// reader and writer are not closed.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (c *Conn) Close(cause error) {
	if cause == nil {
		cause = ErrConnClosed
	}

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	ids := make([]int64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.pendingMu.Unlock()

	for _, id := range ids {
		c.finish(id, callResult{err: cause}, outcomeAborted)
	}
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.closed
}
