// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultQueueSize is the per-subscription backlog before events are dropped.
const DefaultQueueSize = 256

// Handler processes one event.
type Handler func(event *Event)

// Filter decides whether a subscription receives an event.
type Filter func(event *Event) bool

type subscription struct {
	id      string
	handler Handler
	filter  Filter
	types   []Type
	queue   chan *Event
	dropped atomic.Int64
}

// Emitter fans events out to subscribers.
//
// Description:
//
//	Each subscription has its own goroutine and FIFO queue, so a slow
//	consumer never blocks the emitting goroutine (usually a session read
//	loop). When a queue is full the event is dropped for that subscriber
//	only. A bounded buffer of recent events backs Recent.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	buffer        []Event
	bufferSize    int
	queueSize     int
	seq           atomic.Uint64
	sourceSeq     map[string]uint64
	closed        bool
	wg            sync.WaitGroup

	logger    *slog.Logger
	dropWarns rate.Sometimes
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets how many recent events are kept for Recent.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		e.bufferSize = size
	}
}

// WithQueueSize sets the per-subscription queue length.
func WithQueueSize(size int) EmitterOption {
	return func(e *Emitter) {
		e.queueSize = size
	}
}

// WithLogger sets the logger used for dropped events and handler panics.
func WithLogger(l *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = l
	}
}

// NewEmitter creates an event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*subscription),
		sourceSeq:     make(map[string]uint64),
		bufferSize:    1000,
		queueSize:     DefaultQueueSize,
		dropWarns:     rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.queueSize <= 0 {
		e.queueSize = DefaultQueueSize
	}
	if e.bufferSize < 0 {
		e.bufferSize = 0
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers handler for the given types (none means all types).
// It returns the subscription ID used by Unsubscribe.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, nil, types...)
}

// SubscribeWithFilter registers handler with an additional filter.
//
// Description:
//
//	Events are delivered in emission order on a dedicated goroutine.
//	Subscribing to a closed emitter returns an ID that never receives.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, types ...Type) string {
	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
		filter:  filter,
		types:   types,
		queue:   make(chan *Event, e.queueSize),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return sub.id
	}
	e.subscriptions[sub.id] = sub
	e.wg.Add(1)
	go e.deliver(sub)
	return sub.id
}

// Unsubscribe removes a subscription. Events already queued are still
// delivered. Returns false if the ID is unknown.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.subscriptions[id]
	if !ok {
		return false
	}
	delete(e.subscriptions, id)
	close(sub.queue)
	return true
}

// Emit records an event from source and queues it for every matching
// subscriber. Source is usually an analyzer id; SourceSeq counts events per
// source.
func (e *Emitter) Emit(source string, eventType Type, data any) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	event := Event{
		ID:        uuid.NewString(),
		Seq:       e.seq.Add(1),
		Source:    source,
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	e.sourceSeq[source]++
	event.SourceSeq = e.sourceSeq[source]
	if e.bufferSize > 0 {
		if len(e.buffer) >= e.bufferSize {
			e.buffer = e.buffer[1:]
		}
		e.buffer = append(e.buffer, event)
	}

	// Queueing happens under the lock so per-subscriber order matches Seq
	// and Unsubscribe cannot close a queue mid-send.
	for _, sub := range e.subscriptions {
		if !sub.wants(&event) {
			continue
		}
		ev := event
		select {
		case sub.queue <- &ev:
		default:
			n := sub.dropped.Add(1)
			e.dropWarns.Do(func() {
				e.logger.Warn("event subscriber queue full, dropping events",
					slog.String("subscription", sub.id),
					slog.Int64("dropped_total", n))
			})
		}
	}
	e.mu.Unlock()
}

// Recent returns up to n of the most recent events, oldest first. n <= 0
// returns the whole buffer.
func (e *Emitter) Recent(n int) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	start := 0
	if n > 0 && n < len(e.buffer) {
		start = len(e.buffer) - n
	}
	out := make([]Event, len(e.buffer)-start)
	copy(out, e.buffer[start:])
	return out
}

// Since returns buffered events with Seq greater than seq.
func (e *Emitter) Since(seq uint64) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Event
	for _, ev := range e.buffer {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped returns how many events a subscription has lost to overflow.
func (e *Emitter) Dropped(id string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if sub, ok := e.subscriptions[id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Close stops accepting events, drains every queue and waits for the
// delivery goroutines to exit. Safe to call more than once.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		for id, sub := range e.subscriptions {
			close(sub.queue)
			delete(e.subscriptions, id)
		}
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Emitter) deliver(sub *subscription) {
	defer e.wg.Done()
	for ev := range sub.queue {
		e.safeInvoke(sub.handler, ev)
	}
}

// safeInvoke runs a handler, recovering panics so one bad subscriber does
// not stop delivery to the others.
func (e *Emitter) safeInvoke(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				slog.String("event_type", string(event.Type)),
				slog.String("event_id", event.ID),
				slog.Any("panic", r))
		}
	}()
	handler(event)
}

func (s *subscription) wants(event *Event) bool {
	if len(s.types) > 0 {
		match := false
		for _, t := range s.types {
			if t == event.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return s.filter == nil || s.filter(event)
}
