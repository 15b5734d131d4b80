// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsptest provides an in-process analyzer that speaks the real
// Content-Length framing over pipes, for tests that exercise sessions and
// the orchestrator without external binaries.
package lsptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/analyzerhub/services/analyzer/lsp"
)

// Message is one frame the fake analyzer received.
type Message struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *lsp.ResponseError
}

// IsRequest reports whether the message expects a response.
func (m Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// HandlerFunc answers one request. A non-nil *lsp.ResponseError is sent as
// the error member.
type HandlerFunc func(params json.RawMessage) (interface{}, *lsp.ResponseError)

// DiagnosticsFunc computes diagnostics for a document after didOpen/didChange.
type DiagnosticsFunc func(uri, text string) []lsp.Diagnostic

var pidCounter atomic.Int64

// Analyzer is a scripted analyzer process.
type Analyzer struct {
	id  string
	pid int

	clientIn  *io.PipeReader // analyzer reads requests here
	clientOut *io.PipeWriter // client writes requests here
	serverIn  *io.PipeReader // client reads responses here
	serverOut *io.PipeWriter // analyzer writes responses here

	writeMu sync.Mutex

	mu          sync.Mutex
	cond        *sync.Cond
	received    []Message
	handlers    map[string]HandlerFunc
	silent      map[string]bool
	diagnostics DiagnosticsFunc
	nextID      int64
	replies     map[int64]chan Message

	inbox chan Message
	done  chan struct{}
	once  sync.Once
	err   error
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithHandler answers method with fn.
func WithHandler(method string, fn HandlerFunc) Option {
	return func(a *Analyzer) { a.handlers[method] = fn }
}

// WithSilent makes the analyzer never answer method, for timeout tests.
func WithSilent(method string) Option {
	return func(a *Analyzer) { a.silent[method] = true }
}

// WithDiagnostics publishes fn's result after every didOpen and didChange.
func WithDiagnostics(fn DiagnosticsFunc) Option {
	return func(a *Analyzer) { a.diagnostics = fn }
}

// WithExitOnInitialize makes the analyzer die when it receives initialize.
func WithExitOnInitialize() Option {
	return WithHandler("initialize", nil)
}

// New starts a fake analyzer.
func New(id string, opts ...Option) *Analyzer {
	clientIn, clientOut := io.Pipe()
	serverIn, serverOut := io.Pipe()
	a := &Analyzer{
		id:        id,
		pid:       int(pidCounter.Add(1)) + 100000,
		clientIn:  clientIn,
		clientOut: clientOut,
		serverIn:  serverIn,
		serverOut: serverOut,
		handlers:  make(map[string]HandlerFunc),
		silent:    make(map[string]bool),
		replies:   make(map[int64]chan Message),
		inbox:     make(chan Message, 1024),
		done:      make(chan struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	a.handlers["initialize"] = a.initialize
	a.handlers["shutdown"] = func(json.RawMessage) (interface{}, *lsp.ResponseError) { return nil, nil }
	for _, opt := range opts {
		opt(a)
	}

	go a.readLoop()
	go a.serve()
	return a
}

// ID returns the analyzer id given to New.
func (a *Analyzer) ID() string { return a.id }

func (a *Analyzer) initialize(json.RawMessage) (interface{}, *lsp.ResponseError) {
	return map[string]interface{}{
		"capabilities": map[string]interface{}{
			"textDocumentSync":   1,
			"hoverProvider":      true,
			"completionProvider": map[string]interface{}{},
			"definitionProvider": true,
			"referencesProvider": true,
		},
		"serverInfo": map[string]string{"name": a.id, "version": "0.0.0-test"},
	}, nil
}

// =============================================================================
// PROCESS
// =============================================================================

// Stdin is where the client writes.
func (a *Analyzer) Stdin() io.WriteCloser { return a.clientOut }

// Stdout is where the client reads.
func (a *Analyzer) Stdout() io.ReadCloser { return a.serverIn }

// Pid returns a fake, unique process id.
func (a *Analyzer) Pid() int { return a.pid }

// Wait blocks until the analyzer exits.
func (a *Analyzer) Wait() error {
	<-a.done
	return a.err
}

// Kill stops the analyzer.
func (a *Analyzer) Kill() error {
	a.stop(nil)
	return nil
}

// Crash makes the analyzer exit unexpectedly with err.
func (a *Analyzer) Crash(err error) {
	if err == nil {
		err = errors.New("crashed")
	}
	a.stop(err)
}

// Exited reports whether the analyzer has stopped.
func (a *Analyzer) Exited() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

func (a *Analyzer) stop(err error) {
	a.once.Do(func() {
		a.err = err
		_ = a.serverOut.Close()
		_ = a.clientIn.Close()
		close(a.done)
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
}

// =============================================================================
// SERVING
// =============================================================================

func (a *Analyzer) readLoop() {
	defer close(a.inbox)
	framer := lsp.NewFramer()
	buf := make([]byte, 4096)
	for {
		n, err := a.clientIn.Read(buf)
		if n > 0 {
			frames, _ := framer.Push(buf[:n])
			for _, frame := range frames {
				var msg Message
				var wire struct {
					ID     json.RawMessage    `json:"id"`
					Method string             `json:"method"`
					Params json.RawMessage    `json:"params"`
					Result json.RawMessage    `json:"result"`
					Error  *lsp.ResponseError `json:"error"`
				}
				if json.Unmarshal(frame, &wire) != nil {
					continue
				}
				msg = Message{ID: wire.ID, Method: wire.Method, Params: wire.Params, Result: wire.Result, Error: wire.Error}
				a.inbox <- msg
			}
		}
		if err != nil {
			return
		}
	}
}

func (a *Analyzer) serve() {
	for msg := range a.inbox {
		a.mu.Lock()
		a.received = append(a.received, msg)
		a.cond.Broadcast()
		a.mu.Unlock()

		switch {
		case msg.Method == "" && len(msg.ID) > 0:
			a.deliverReply(msg)
		case msg.IsRequest():
			a.answer(msg)
		case msg.Method == "exit":
			a.stop(nil)
			return
		case msg.Method == "textDocument/didOpen" || msg.Method == "textDocument/didChange":
			a.autoPublish(msg)
		}
	}
}

func (a *Analyzer) answer(msg Message) {
	a.mu.Lock()
	fn, ok := a.handlers[msg.Method]
	silent := a.silent[msg.Method]
	a.mu.Unlock()

	if silent {
		return
	}
	if ok && fn == nil {
		a.Crash(fmt.Errorf("%s: exit on %s", a.id, msg.Method))
		return
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": msg.ID}
	if !ok {
		resp["error"] = lsp.ResponseError{Code: lsp.CodeMethodNotFound, Message: "method not found: " + msg.Method}
	} else {
		result, rerr := fn(msg.Params)
		if rerr != nil {
			resp["error"] = rerr
		} else {
			resp["result"] = result
		}
	}
	_ = a.send(resp)
}

func (a *Analyzer) autoPublish(msg Message) {
	a.mu.Lock()
	fn := a.diagnostics
	a.mu.Unlock()
	if fn == nil {
		return
	}

	var doc struct {
		TextDocument struct {
			URI  string `json:"uri"`
			Text string `json:"text"`
		} `json:"textDocument"`
		ContentChanges []struct {
			Text string `json:"text"`
		} `json:"contentChanges"`
	}
	if json.Unmarshal(msg.Params, &doc) != nil {
		return
	}
	text := doc.TextDocument.Text
	if n := len(doc.ContentChanges); n > 0 {
		text = doc.ContentChanges[n-1].Text
	}
	_ = a.Publish(doc.TextDocument.URI, fn(doc.TextDocument.URI, text))
}

func (a *Analyzer) deliverReply(msg Message) {
	var id int64
	if json.Unmarshal(msg.ID, &id) != nil {
		return
	}
	a.mu.Lock()
	ch, ok := a.replies[id]
	delete(a.replies, id)
	a.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (a *Analyzer) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return a.SendRaw(frame(data))
}

func frame(body []byte) []byte {
	return append([]byte(fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))), body...)
}

// SendRaw writes bytes to the client unmodified.
func (a *Analyzer) SendRaw(data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err := a.serverOut.Write(data)
	return err
}

// =============================================================================
// SCRIPTING
// =============================================================================

// Publish sends textDocument/publishDiagnostics for uri.
func (a *Analyzer) Publish(uri string, diags []lsp.Diagnostic) error {
	if diags == nil {
		diags = []lsp.Diagnostic{}
	}
	return a.Notify("textDocument/publishDiagnostics", lsp.PublishDiagnosticsParams{URI: uri, Diagnostics: diags})
}

// Notify sends a notification to the client.
func (a *Analyzer) Notify(method string, params interface{}) error {
	return a.send(map[string]interface{}{"jsonrpc": "2.0", "method": method, "params": params})
}

// Request sends an analyzer-initiated request and waits for the client's reply.
func (a *Analyzer) Request(ctx context.Context, method string, params interface{}) (Message, error) {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	ch := make(chan Message, 1)
	a.replies[id] = ch
	a.mu.Unlock()

	if err := a.send(map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method, "params": params}); err != nil {
		return Message{}, err
	}
	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-a.done:
		return Message{}, io.ErrClosedPipe
	}
}

// Received returns every message received so far.
func (a *Analyzer) Received() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Message, len(a.received))
	copy(out, a.received)
	return out
}

// Messages returns the received messages for method, in arrival order.
func (a *Analyzer) Messages(method string) []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Message
	for _, m := range a.received {
		if m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// WaitFor blocks until at least n messages for method arrived or timeout.
func (a *Analyzer) WaitFor(method string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer timer.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		count := 0
		for _, m := range a.received {
			if m.Method == method {
				count++
			}
		}
		if count >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-a.done:
			return false
		default:
		}
		a.cond.Wait()
	}
}

// =============================================================================
// SPAWNER
// =============================================================================

// Spawner hands out fake analyzers instead of starting processes.
type Spawner struct {
	mu      sync.Mutex
	factory func(spec lsp.SpawnSpec) (*Analyzer, error)
	specs   []lsp.SpawnSpec
	spawned []*Analyzer
}

// NewSpawner creates a spawner. factory decides what each spawn returns;
// returning an error simulates a failed start.
func NewSpawner(factory func(spec lsp.SpawnSpec) (*Analyzer, error)) *Spawner {
	return &Spawner{factory: factory}
}

// Spawn implements lsp.Spawner.
func (s *Spawner) Spawn(ctx context.Context, spec lsp.SpawnSpec) (lsp.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := s.factory(spec)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs = append(s.specs, spec)
	if err != nil {
		return nil, &lsp.SpawnError{Analyzer: spec.Analyzer, Command: spec.Command, Err: err}
	}
	s.spawned = append(s.spawned, a)
	return a, nil
}

// Specs returns every spawn request, including failed ones.
func (s *Spawner) Specs() []lsp.SpawnSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]lsp.SpawnSpec, len(s.specs))
	copy(out, s.specs)
	return out
}

// Spawned returns the analyzers started so far.
func (s *Spawner) Spawned() []*Analyzer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Analyzer, len(s.spawned))
	copy(out, s.spawned)
	return out
}

// Find returns the most recent analyzer spawned for id.
func (s *Spawner) Find(id string) *Analyzer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.spawned) - 1; i >= 0; i-- {
		if s.spawned[i].id == id {
			return s.spawned[i]
		}
	}
	return nil
}
