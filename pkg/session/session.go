// Package session adapts orchestration runs to a request/response contract.
// A Session owns a validated graph and a conversation log; each Invoke drives
// one engine run over the graph, returns the result node's output, and
// appends the completed turn to the log. Prior turns are replayed from the
// log when the session is created.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/concurrency"
	"github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/events"
	"github.com/wehubfusion/Talos/pkg/orchestration"
)

// Config configures a session
type Config struct {
	// Graph is the validated orchestration graph runs execute over. Required.
	Graph *orchestration.Graph

	// LogPath is the conversation log file. Optional; when empty no turns
	// are persisted or replayed.
	LogPath string

	// Logger is used for session and engine logging. Defaults to a no-op logger.
	Logger *zap.Logger

	// Limiter optionally bounds simultaneous node invocations per run
	Limiter *concurrency.Limiter

	// ReportFailures controls whether failed runs are reported to Sentry.
	// Reporting is a no-op unless sentry.Init has been called.
	ReportFailures bool
}

// Session executes orchestration runs one at a time against a fixed graph.
// Invoke may be called repeatedly; each call creates a fresh engine, so runs
// never share engine state (the conversation log and subscribed sinks are the
// only cross-run surfaces).
type Session struct {
	graph          *orchestration.Graph
	log            *Log
	logger         *zap.Logger
	limiter        *concurrency.Limiter
	emitter        *events.Emitter
	reportFailures bool

	mu      sync.Mutex
	turns   []Turn
	current *orchestration.Engine
}

// New creates a session and replays any prior turns from the conversation log
func New(cfg Config) (*Session, error) {
	if cfg.Graph == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{
		graph:          cfg.Graph,
		logger:         logger,
		limiter:        cfg.Limiter,
		emitter:        events.NewEmitter(),
		reportFailures: cfg.ReportFailures,
	}

	if cfg.LogPath != "" {
		log, err := OpenLog(cfg.LogPath, logger)
		if err != nil {
			return nil, err
		}
		turns, err := log.Replay()
		if err != nil {
			return nil, err
		}
		s.log = log
		s.turns = turns
		logger.Info("Replayed conversation log",
			zap.String("path", cfg.LogPath),
			zap.Int("turns", len(turns)))
	}

	return s, nil
}

// Subscribe registers a sink that receives every engine event produced by
// subsequent runs. Sinks must not block.
func (s *Session) Subscribe(sink events.Sink) {
	s.emitter.Subscribe(sink)
}

// Turns returns a copy of the conversation history, replayed turns first
func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Cancel requests cooperative cancellation of the in-flight run, if any.
// The run reaches Cancelled once its current tick settles.
func (s *Session) Cancel() {
	s.mu.Lock()
	engine := s.current
	s.mu.Unlock()
	if engine != nil {
		engine.Cancel()
	}
}

// Invoke drives one run: it seeds the entry node with input, executes the
// tick loop to a terminal state, and returns the result node's output. On
// cancellation it returns errors.ErrRunCancelled; on failure, the *RunError
// that terminated the run. Successful turns are appended to the conversation
// log before returning.
func (s *Session) Invoke(ctx context.Context, input interface{}) (interface{}, error) {
	engine, err := orchestration.NewEngine(s.graph,
		orchestration.WithLogger(s.logger),
		orchestration.WithEmitter(s.emitter),
		orchestration.WithLimiter(s.limiter),
	)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("session already has a run in flight")
	}
	s.current = engine
	s.mu.Unlock()

	started := time.Now().UTC()
	output, runErr := engine.Run(ctx, input)
	finished := time.Now().UTC()

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	if runErr != nil {
		if errors.IsCancelled(runErr) {
			s.logger.Info("Run cancelled", zap.String("run_id", engine.RunID()))
			return nil, runErr
		}
		s.logger.Error("Run failed",
			zap.String("run_id", engine.RunID()),
			zap.Error(runErr))
		if s.reportFailures {
			sentry.CaptureException(runErr)
		}
		return nil, runErr
	}

	turn := Turn{
		ID:         uuid.NewString(),
		RunID:      engine.RunID(),
		StartedAt:  started,
		FinishedAt: finished,
		Input:      input,
		Output:     output,
		Usage:      engine.Usage(),
	}
	if s.log != nil {
		if err := s.log.Append(turn); err != nil {
			// the run itself succeeded; log persistence failures must not
			// turn a completed run into a caller-visible error
			s.logger.Error("Failed to append conversation record",
				zap.String("run_id", engine.RunID()),
				zap.Error(err))
		}
	}
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.mu.Unlock()

	return output, nil
}
