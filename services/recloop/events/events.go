// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events is the outbound structured event channel of the loop.
//
// Components publish alerts and lifecycle notices to a Bus. Subscribers
// (the log, the websocket hub, tests) receive them synchronously and must
// not block. Publication is throttled per (component, type) so a flapping
// alert cannot flood subscribers; critical events bypass the throttle.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one structured notification.
type Event struct {
	ID        string             `json:"id"`
	Severity  Severity           `json:"severity"`
	Timestamp time.Time          `json:"timestamp"`
	Component string             `json:"component"`
	Type      string             `json:"type"`
	Message   string             `json:"message"`
	Values    map[string]float64 `json:"values,omitempty"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// Handler receives events. Implementations must return quickly.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

// HandleEvent calls f(e).
func (f HandlerFunc) HandleEvent(e Event) { f(e) }

// Publisher is what components depend on.
type Publisher interface {
	Publish(Event) bool
}

// Throttle defaults: one event per type every 10s with a burst of 3.
const (
	DefaultRate  = rate.Limit(0.1)
	DefaultBurst = 3
)

// Bus fans events out to subscribers.
//
// Thread Safety: Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int

	dropped atomic.Int64
	now     func() time.Time
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithRate sets the per (component, type) throttle.
func WithRate(limit rate.Limit, burst int) BusOption {
	return func(b *Bus) {
		b.limit = limit
		b.burst = burst
	}
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		handlers: make(map[uint64]Handler),
		limiters: make(map[string]*rate.Limiter),
		limit:    DefaultRate,
		burst:    DefaultBurst,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// SubscribeChan delivers events to a buffered channel. Events are dropped
// when the channel is full.
func (b *Bus) SubscribeChan(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	unsub := b.Subscribe(HandlerFunc(func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}))
	return ch, unsub
}

// Publish stamps e and delivers it.
//
// Outputs:
//
//	bool - False if the event was throttled.
func (b *Bus) Publish(e Event) bool {
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Severity != SeverityCritical && !b.allow(e.Component+"|"+e.Type) {
		b.dropped.Add(1)
		return false
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h.HandleEvent(e)
	}
	return true
}

// Dropped returns how many events were throttled.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

func (b *Bus) allow(key string) bool {
	b.limMu.Lock()
	lim, ok := b.limiters[key]
	if !ok {
		lim = rate.NewLimiter(b.limit, b.burst)
		b.limiters[key] = lim
	}
	b.limMu.Unlock()
	return lim.AllowN(b.now(), 1)
}

// LogHandler writes every event to logger at a level matching its
// severity.
func LogHandler(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return HandlerFunc(func(e Event) {
		level := slog.LevelInfo
		switch e.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}
		attrs := []any{
			slog.String("event_id", e.ID),
			slog.String("component", e.Component),
			slog.String("type", e.Type),
		}
		for k, v := range e.Labels {
			attrs = append(attrs, slog.String(k, v))
		}
		for k, v := range e.Values {
			attrs = append(attrs, slog.Float64(k, v))
		}
		logger.Log(context.Background(), level, e.Message, attrs...)
	})
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) bool { return true }
