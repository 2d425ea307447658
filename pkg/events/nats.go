package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/wehubfusion/Talos/pkg/concurrency"
	"go.uber.org/zap"
)

// JetStreamSinkConfig holds configuration for the JetStream event sink
type JetStreamSinkConfig struct {
	// Stream is the JetStream stream name events are published to
	Stream string

	// Subject is the subject events are published to. Defaults to
	// "<stream>.events".
	Subject string

	// BufferSize is the size of the internal event buffer. Publish never
	// blocks the caller; events are dropped (and counted) when the buffer
	// is full.
	BufferSize int

	// Logger is the zap logger instance
	Logger *zap.Logger
}

// DefaultJetStreamSinkConfig returns a default sink configuration
func DefaultJetStreamSinkConfig(stream string) JetStreamSinkConfig {
	return JetStreamSinkConfig{
		Stream:     stream,
		Subject:    fmt.Sprintf("%s.events", stream),
		BufferSize: 256,
	}
}

// JetStreamSink publishes engine events as JSON records to a JetStream
// subject. Publishing happens on a background goroutine so the engine's tick
// path is never blocked by the broker; a circuit breaker suppresses publish
// attempts while the broker is unhealthy.
type JetStreamSink struct {
	js      nats.JetStreamContext
	config  JetStreamSinkConfig
	logger  *zap.Logger
	breaker *concurrency.CircuitBreaker
	buffer  chan Event
	done    chan struct{}
	dropped atomic.Int64
	closed  atomic.Bool
}

// NewJetStreamSink creates a sink publishing to the configured stream.
// The connection must already be established. The stream is created if it
// does not exist.
func NewJetStreamSink(conn *nats.Conn, config JetStreamSinkConfig) (*JetStreamSink, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}
	if config.Stream == "" {
		return nil, fmt.Errorf("stream name cannot be empty")
	}
	if config.Subject == "" {
		config.Subject = fmt.Sprintf("%s.events", config.Stream)
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	if err := ensureStream(js, config.Stream, config.Logger); err != nil {
		return nil, fmt.Errorf("failed to ensure stream '%s' exists: %w", config.Stream, err)
	}

	sink := &JetStreamSink{
		js:      js,
		config:  config,
		logger:  config.Logger,
		breaker: concurrency.NewCircuitBreaker(10, 30*time.Second),
		buffer:  make(chan Event, config.BufferSize),
		done:    make(chan struct{}),
	}
	go sink.publishLoop()

	return sink, nil
}

// ensureStream creates the JetStream stream if it doesn't exist
func ensureStream(js nats.JetStreamContext, streamName string, logger *zap.Logger) error {
	info, err := js.StreamInfo(streamName)
	if err != nil {
		if err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
		}
		logger.Info("Creating JetStream stream", zap.String("stream", streamName))
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     streamName,
			Subjects: []string{fmt.Sprintf("%s.*", streamName)},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
			MaxMsgs:  100000,
			Replicas: 1,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
		}
		return nil
	}

	logger.Info("JetStream stream already exists",
		zap.String("stream", streamName),
		zap.Uint64("messages", info.State.Msgs))
	return nil
}

// Publish implements Sink. It enqueues the event for background publishing
// and never blocks; events are dropped when the buffer is full.
func (s *JetStreamSink) Publish(ctx context.Context, event Event) {
	if s.closed.Load() {
		return
	}
	select {
	case s.buffer <- event:
	default:
		dropped := s.dropped.Add(1)
		s.logger.Warn("Event buffer full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("runID", event.RunID),
			zap.Int64("totalDropped", dropped))
	}
}

// Dropped returns the number of events dropped due to a full buffer
func (s *JetStreamSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the background publisher after draining buffered events
func (s *JetStreamSink) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.buffer)
		<-s.done
	}
}

// publishLoop drains the buffer and publishes each event to JetStream
func (s *JetStreamSink) publishLoop() {
	defer close(s.done)

	for event := range s.buffer {
		if s.breaker.IsOpen() {
			s.dropped.Add(1)
			continue
		}

		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.Error("Failed to marshal event", zap.Error(err))
			continue
		}

		if _, err := s.js.Publish(s.config.Subject, payload); err != nil {
			s.breaker.RecordFailure()
			s.logger.Error("Failed to publish event",
				zap.String("subject", s.config.Subject),
				zap.String("type", string(event.Type)),
				zap.Error(err))
			continue
		}
		s.breaker.RecordSuccess()
	}
}
