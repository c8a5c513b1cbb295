// Package logstream fans log records out to live sinks: the activity
// journal, the operator console and the message broker.
package logstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Record is one log line as seen by sinks.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// AttrsJSON encodes the attributes, nil when there are none.
func (r Record) AttrsJSON() json.RawMessage {
	if len(r.Attrs) == 0 {
		return nil
	}
	data, err := json.Marshal(r.Attrs)
	if err != nil {
		return nil
	}
	return data
}

// Sink consumes records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

func (f SinkFunc) Write(ctx context.Context, rec Record) error { return f(ctx, rec) }

type entry struct {
	level slog.Level
	sink  Sink

	// set for async sinks
	ch      chan Record
	done    chan struct{}
	dropped atomic.Int64
}

// Hub routes records to named sinks by minimum level. Synchronous sinks are
// called in Publish; async sinks get a buffered queue and drop on overflow,
// so a slow sink never holds up the others.
type Hub struct {
	mu    sync.RWMutex
	sinks map[string]*entry
	wg    sync.WaitGroup

	// OnError reports sink failures. It must not log through the hub.
	OnError func(name string, err error)
}

func NewHub() *Hub {
	return &Hub{sinks: make(map[string]*entry)}
}

// Register adds a sink called synchronously for records at or above level.
// A sink with the same name is replaced.
func (h *Hub) Register(name string, level slog.Level, sink Sink) {
	h.put(name, &entry{level: level, sink: sink})
}

// RegisterAsync adds a sink fed through a queue of size buffer.
func (h *Hub) RegisterAsync(name string, level slog.Level, sink Sink, buffer int) {
	if buffer <= 0 {
		buffer = 256
	}
	e := &entry{level: level, sink: sink, ch: make(chan Record, buffer), done: make(chan struct{})}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(e.done)
		for rec := range e.ch {
			if err := e.sink.Write(context.Background(), rec); err != nil {
				h.report(name, err)
			}
		}
	}()
	h.put(name, e)
}

func (h *Hub) put(name string, e *entry) {
	h.mu.Lock()
	old := h.sinks[name]
	h.sinks[name] = e
	h.mu.Unlock()
	if old != nil && old.ch != nil {
		close(old.ch)
	}
}

// Unregister removes a sink. For an async sink it returns once the queued
// records have been written, so the sink can be closed right after.
func (h *Hub) Unregister(name string) {
	h.mu.Lock()
	e := h.sinks[name]
	delete(h.sinks, name)
	h.mu.Unlock()
	if e != nil && e.ch != nil {
		close(e.ch)
		<-e.done
	}
}

// MinLevel is the lowest level any sink accepts.
func (h *Hub) MinLevel() (slog.Level, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var lowest slog.Level
	found := false
	for _, e := range h.sinks {
		if !found || e.level < lowest {
			lowest, found = e.level, true
		}
	}
	return lowest, found
}

// Publish delivers rec to every sink whose level admits it.
func (h *Hub) Publish(ctx context.Context, rec Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for name, e := range h.sinks {
		if rec.Level < e.level {
			continue
		}
		if e.ch != nil {
			select {
			case e.ch <- rec:
			default:
				e.dropped.Add(1)
			}
			continue
		}
		if err := e.sink.Write(ctx, rec); err != nil {
			h.report(name, err)
		}
	}
}

// Dropped returns how many records an async sink lost to overflow.
func (h *Hub) Dropped(name string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if e, ok := h.sinks[name]; ok {
		return e.dropped.Load()
	}
	return 0
}

// Close stops every async sink after draining it.
func (h *Hub) Close() {
	h.mu.Lock()
	for name, e := range h.sinks {
		if e.ch != nil {
			close(e.ch)
		}
		delete(h.sinks, name)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) report(name string, err error) {
	if h.OnError != nil {
		h.OnError(name, err)
	}
}
