// Package events defines structured event types for the compaction job
// lifecycle.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Type represents the kind of event.
type Type string

const (
	JobSubmitted  Type = "job.submitted"
	JobResumed    Type = "job.resumed"
	StepCompleted Type = "step.completed"
	StepFailed    Type = "step.failed"
	JobCompleted  Type = "job.completed"
	JobFailed     Type = "job.failed"
)

// Event is a structured event emitted while a compaction job runs.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	JobID     string                 `json:"job_id"`
	Key       string                 `json:"key"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New creates a new event for the given job.
func New(eventType Type, jobID, key string) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		JobID:     jobID,
		Key:       key,
	}
}

// WithData adds data fields to the event and returns it for chaining.
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface for event consumers.
type Emitter interface {
	Emit(event *Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter by discarding the event.
func (NoopEmitter) Emit(*Event) {}

// SlogEmitter writes events to a structured logger.
type SlogEmitter struct {
	Logger *slog.Logger
}

// Emit logs the event at info level, or warn for failures.
func (s SlogEmitter) Emit(event *Event) {
	if s.Logger == nil {
		return
	}
	level := slog.LevelInfo
	if event.Type == StepFailed || event.Type == JobFailed {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("job_id", event.JobID),
		slog.String("conversation", event.Key),
	}
	for k, v := range event.Data {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.Logger.LogAttrs(context.Background(), level, string(event.Type), attrs...)
}

// CollectorEmitter collects events in memory for testing.
type CollectorEmitter struct {
	mu     sync.Mutex
	events []*Event
}

// Emit appends the event to the collector.
func (c *CollectorEmitter) Emit(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a snapshot of the collected events.
func (c *CollectorEmitter) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

// Types returns the types of collected events in order.
func (c *CollectorEmitter) Types() []Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Type, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

// MultiEmitter fans an event out to several emitters.
type MultiEmitter []Emitter

// Emit forwards the event to every emitter.
func (m MultiEmitter) Emit(event *Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
