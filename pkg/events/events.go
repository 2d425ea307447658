// Package events defines the structured event model emitted by the
// orchestration engine and a synchronous emitter for distributing events to
// subscribed sinks. Sinks are published to on the engine's tick path and must
// not block; anything slow (network, disk) should buffer internally.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of engine event
type Type string

const (
	// TypeRunStarted is emitted once when a run enters the Running state
	TypeRunStarted Type = "run_started"

	// TypeNodeStarted is emitted when a node is dispatched within a tick
	TypeNodeStarted Type = "node_started"

	// TypeNodeFinished is emitted when all of a node's invocations for a
	// tick have settled
	TypeNodeFinished Type = "node_finished"

	// TypeRunCompleted is emitted when a run reaches the Completed state
	TypeRunCompleted Type = "run_completed"

	// TypeRunCancelled is emitted when a run reaches the Cancelled state
	TypeRunCancelled Type = "run_cancelled"

	// TypeRunFailed is emitted when a run reaches the Failed state
	TypeRunFailed Type = "run_failed"
)

// Event is a single structured engine event
type Event struct {
	// ID uniquely identifies this event
	ID string `json:"id"`

	// Type is the event kind
	Type Type `json:"type"`

	// RunID identifies the run that produced the event
	RunID string `json:"runId"`

	// Node is the name of the node involved, empty for run-level events
	Node string `json:"node,omitempty"`

	// Tick is the tick number during which the event was produced,
	// zero for run_started
	Tick int `json:"tick,omitempty"`

	// Timestamp is when the event was produced
	Timestamp time.Time `json:"timestamp"`

	// Error carries the failure description for run_failed events
	Error string `json:"error,omitempty"`

	// Data carries event-specific details (process counts, durations)
	Data map[string]interface{} `json:"data,omitempty"`
}

// New creates an event with a fresh ID and the current timestamp
func New(eventType Type, runID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	}
}

// Sink receives engine events. Publish is called synchronously from the tick
// driver at defined points; implementations must return promptly.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// SinkFunc adapts a plain function to the Sink interface
type SinkFunc func(ctx context.Context, event Event)

// Publish implements Sink
func (f SinkFunc) Publish(ctx context.Context, event Event) {
	f(ctx, event)
}

// Emitter distributes events to all subscribed sinks in subscription order.
// It is safe for concurrent use.
type Emitter struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewEmitter creates an emitter with no sinks
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers a sink. Subscription order is delivery order.
func (e *Emitter) Subscribe(sink Sink) {
	if sink == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Emit publishes an event to every subscribed sink synchronously
func (e *Emitter) Emit(ctx context.Context, event Event) {
	e.mu.RLock()
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.RUnlock()

	for _, sink := range sinks {
		sink.Publish(ctx, event)
	}
}
