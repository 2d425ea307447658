package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Talos/pkg/concurrency"
	"github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the lifecycle state of an engine run
type Status int32

const (
	// StatusNotStarted indicates Run has not been called yet
	StatusNotStarted Status = iota

	// StatusRunning indicates the tick loop is executing
	StatusRunning

	// StatusCompleted indicates the run finished successfully
	StatusCompleted

	// StatusCancelled indicates the run was cancelled cooperatively
	StatusCancelled

	// StatusFailed indicates a process exhausted its attempts with no dead
	// end allowed
	StatusFailed
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the zap logger instance. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEmitter sets the event emitter the engine publishes lifecycle events to
func WithEmitter(emitter *events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithLimiter bounds the number of simultaneous invocations across a tick.
// Unlimited when unset.
func WithLimiter(limiter *concurrency.Limiter) Option {
	return func(e *Engine) {
		e.limiter = limiter
	}
}

// Engine drives one orchestration run over a validated graph. An engine
// instance is single-use: construct, Run once, then read Status, Usage, and
// TerminalOutputs. The shared state lives exactly as long as the engine.
//
// Each tick dispatches every node holding processes, waits for all
// invocations to settle (the tick barrier), publishes checkpoint events,
// checks for cancellation, evaluates transitions, and computes the next
// active assignment. Cancellation is cooperative: it is observed at tick
// boundaries only, never preempting an in-flight invocation.
type Engine struct {
	graph   *Graph
	state   *State
	logger  *zap.Logger
	tracer  trace.Tracer
	emitter *events.Emitter
	limiter *concurrency.Limiter

	runID     string
	status    atomic.Int32
	cancelled atomic.Bool

	// driver-owned; mutated only by the tick loop goroutine
	tick        int
	initialized map[*Node]bool
	terminal    map[string]interface{}
	procs       []*Process
	result      interface{}
	hasResult   bool
}

// invocation is one settled unit of a tick: a node, the processes the
// result applies to (more than one only for single-invoke nodes), and the
// output or error.
type invocation struct {
	node   *Node
	procs  []*Process
	output interface{}
	err    error
}

// NewEngine creates an engine for one run over the graph
func NewEngine(graph *Graph, opts ...Option) (*Engine, error) {
	if graph == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}

	e := &Engine{
		graph:       graph,
		state:       NewState(),
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("talos/orchestration"),
		emitter:     events.NewEmitter(),
		runID:       uuid.NewString(),
		initialized: make(map[*Node]bool),
		terminal:    make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunID returns the unique identifier of this run
func (e *Engine) RunID() string {
	return e.runID
}

// Status returns the current lifecycle state
func (e *Engine) Status() Status {
	return Status(e.status.Load())
}

// State returns the shared orchestration state for this run
func (e *Engine) State() *State {
	return e.state
}

// Cancel requests cooperative cancellation. The run reaches Cancelled once
// the in-flight tick settles; no new tick starts afterwards.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// Usage returns the accumulated usage metrics across every process the run
// created. Stable once Run has returned.
func (e *Engine) Usage() Usage {
	var total Usage
	for _, p := range e.procs {
		total = total.Add(p.Usage())
	}
	return total
}

// TerminalOutputs returns the recorded dead-end outputs by node name.
// Stable once Run has returned.
func (e *Engine) TerminalOutputs() map[string]interface{} {
	outputs := make(map[string]interface{}, len(e.terminal))
	for k, v := range e.terminal {
		outputs[k] = v
	}
	return outputs
}

// Run seeds the entry node with input and drives the tick loop to a
// terminal state. It returns the designated result node's output on
// Completed (nil if the run drained without the result node producing a
// terminal output), errors.ErrRunCancelled on Cancelled, and a *RunError
// on Failed.
func (e *Engine) Run(ctx context.Context, input interface{}) (interface{}, error) {
	if !e.status.CompareAndSwap(int32(StatusNotStarted), int32(StatusRunning)) {
		return nil, errors.ErrAlreadyStarted
	}

	ctx, span := e.tracer.Start(ctx, "engine.run",
		trace.WithAttributes(attribute.String("run.id", e.runID)))
	defer span.End()

	e.logger.Info("Run started",
		zap.String("runID", e.runID),
		zap.String("entry", e.graph.entry.name))
	e.emit(ctx, events.New(events.TypeRunStarted, e.runID))

	seed := NewProcess(input, e.graph.entry.maxAttempts)
	e.procs = append(e.procs, seed)
	active := map[*Node][]*Process{e.graph.entry: {seed}}

	for len(active) > 0 {
		e.tick++
		tickCtx, tickSpan := e.tracer.Start(ctx, "engine.tick",
			trace.WithAttributes(attribute.Int("tick", e.tick)))

		// 1-2. Dispatch all active nodes and wait for every invocation to
		// settle. The barrier is absolute: tick N+1 never overlaps tick N.
		settled := e.dispatch(tickCtx, active)

		// Per-tick cleanup runs after the barrier, before transition
		// evaluation.
		e.cleanup(tickCtx, active)

		// 3. Checkpoint: per-node finish events.
		e.checkpoint(tickCtx, settled)

		// 4. Completion check: cancellation first.
		if e.cancelled.Load() || ctx.Err() != nil {
			tickSpan.End()
			return e.finishCancelled(ctx, span)
		}

		// 5. Advance: transition evaluation computes the next assignment.
		next, done, err := e.advance(tickCtx, settled)
		tickSpan.End()
		if err != nil {
			return e.finishFailed(ctx, span, err)
		}
		if done {
			return e.finishCompleted(ctx, span)
		}

		active = next
	}

	// Drained with no pending rerun: an empty-output completion.
	e.logger.Warn("Run drained without a result-node terminal output",
		zap.String("runID", e.runID),
		zap.Int("ticks", e.tick))
	return e.finishCompleted(ctx, span)
}

// dispatch starts every invocation for the tick and blocks until all have
// settled
func (e *Engine) dispatch(ctx context.Context, active map[*Node][]*Process) []*invocation {
	var settled []*invocation
	var wg sync.WaitGroup

	for node, procs := range active {
		if err := e.ensureInitialized(ctx, node); err != nil {
			// Initialization failure counts as an execution failure for
			// every process the node holds.
			for _, proc := range procs {
				settled = append(settled, &invocation{
					node:  node,
					procs: []*Process{proc},
					err:   fmt.Errorf("initialization failed: %w", err),
				})
			}
			continue
		}

		startEvent := events.New(events.TypeNodeStarted, e.runID)
		startEvent.Node = node.name
		startEvent.Tick = e.tick
		startEvent.Data = map[string]interface{}{"processes": len(procs)}
		e.emit(ctx, startEvent)

		e.logger.Debug("Dispatching node",
			zap.String("runID", e.runID),
			zap.String("node", node.name),
			zap.Int("tick", e.tick),
			zap.Int("processes", len(procs)),
			zap.Bool("singleInvoke", node.singleShot))

		if node.singleShot {
			// One invocation, first process as representative; the result
			// routes the whole set.
			inv := &invocation{node: node, procs: procs}
			settled = append(settled, inv)
			wg.Add(1)
			go func(node *Node, proc *Process, inv *invocation) {
				defer wg.Done()
				inv.output, inv.err = e.invokeOne(ctx, node, proc)
			}(node, procs[0], inv)
			continue
		}

		for _, proc := range procs {
			inv := &invocation{node: node, procs: []*Process{proc}}
			settled = append(settled, inv)
			wg.Add(1)
			go func(node *Node, proc *Process, inv *invocation) {
				defer wg.Done()
				inv.output, inv.err = e.invokeOne(ctx, node, proc)
			}(node, proc, inv)
		}
	}

	wg.Wait()
	return settled
}

// invokeOne executes a single invocation with run metadata, tracing, and
// panic containment
func (e *Engine) invokeOne(ctx context.Context, node *Node, proc *Process) (output interface{}, err error) {
	if e.limiter != nil {
		if acquireErr := e.limiter.Acquire(ctx); acquireErr != nil {
			return nil, acquireErr
		}
		defer e.limiter.Release()
	}

	ictx := withRunMetadata(ctx, e.runID, node.name, proc.Attempts(), e.tick)
	ictx, span := e.tracer.Start(ictx, "node.invoke",
		trace.WithAttributes(
			attribute.String("node", node.name),
			attribute.String("process.id", proc.ID()),
			attribute.Int("attempt", proc.Attempts())))

	proc.markStarted(time.Now())
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in node %q: %v", node.name, r)
		}
		elapsed := time.Since(start)
		proc.settleAttempt(elapsed)
		span.SetAttributes(attribute.Int64("duration_ms", elapsed.Milliseconds()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	output, err = node.runnable.Invoke(ictx, e.state, proc)
	return output, err
}

// ensureInitialized runs the node's initialization hook once per run
func (e *Engine) ensureInitialized(ctx context.Context, node *Node) error {
	if e.initialized[node] {
		return nil
	}
	if init, ok := node.runnable.(Initializer); ok {
		if err := init.InitializeRunnable(ctx); err != nil {
			// not marked initialized: a rescheduled process retries the hook
			e.logger.Error("Node initialization failed",
				zap.String("runID", e.runID),
				zap.String("node", node.name),
				zap.Error(err))
			return err
		}
	}
	e.initialized[node] = true
	return nil
}

// cleanup runs the per-tick cleanup hook on every node that held processes
func (e *Engine) cleanup(ctx context.Context, active map[*Node][]*Process) {
	for node := range active {
		fin, ok := node.runnable.(Finalizer)
		if !ok || !e.initialized[node] {
			continue
		}
		if err := fin.CleanupRunnable(ctx); err != nil {
			e.logger.Error("Node cleanup failed",
				zap.String("runID", e.runID),
				zap.String("node", node.name),
				zap.Int("tick", e.tick),
				zap.Error(err))
		}
	}
}

// checkpoint publishes a node_finished event per node with settle counts
func (e *Engine) checkpoint(ctx context.Context, settled []*invocation) {
	type counts struct{ processes, failures int }
	byNode := make(map[*Node]*counts)
	order := make([]*Node, 0)

	for _, inv := range settled {
		c, ok := byNode[inv.node]
		if !ok {
			c = &counts{}
			byNode[inv.node] = c
			order = append(order, inv.node)
		}
		c.processes += len(inv.procs)
		if inv.err != nil {
			c.failures += len(inv.procs)
		}
	}

	for _, node := range order {
		c := byNode[node]
		event := events.New(events.TypeNodeFinished, e.runID)
		event.Node = node.name
		event.Tick = e.tick
		event.Data = map[string]interface{}{
			"processes": c.processes,
			"failures":  c.failures,
		}
		e.emit(ctx, event)
	}
}

// advance evaluates transitions for every settled invocation and returns
// the next tick's active assignment. done reports that the result node
// produced a terminal output this tick; err carries a run failure.
func (e *Engine) advance(ctx context.Context, settled []*invocation) (map[*Node][]*Process, bool, error) {
	next := make(map[*Node][]*Process)
	done := false

	for _, inv := range settled {
		if inv.err != nil {
			if failErr := e.handleFailure(inv, next); failErr != nil {
				return nil, false, failErr
			}
			continue
		}

		for _, proc := range inv.procs {
			proc.setOutput(inv.output)

			matches := e.matchAdvancers(inv.node, inv.output)
			if len(matches) > 0 {
				for _, adv := range matches {
					converted := adv.Convert(inv.output)
					np := NewProcess(converted, adv.target.maxAttempts)
					e.procs = append(e.procs, np)
					next[adv.target] = append(next[adv.target], np)
				}
				continue
			}

			if inv.node.deadEnd {
				// Intentional sink: record the terminal output and retire
				// the process.
				e.terminal[inv.node.name] = inv.output
				e.logger.Debug("Process retired at dead end",
					zap.String("runID", e.runID),
					zap.String("node", inv.node.name),
					zap.String("processID", proc.ID()))
				if inv.node == e.graph.result {
					e.result = inv.output
					e.hasResult = true
					done = true
				}
				continue
			}

			// No matching transition and no dead end: reschedule on the
			// same node while attempts remain. This is the built-in
			// fan-in mechanism for shared-state joins.
			proc.recordFailure()
			if proc.CanReattempt() {
				e.logger.Debug("Rescheduling process for rerun",
					zap.String("runID", e.runID),
					zap.String("node", inv.node.name),
					zap.String("processID", proc.ID()),
					zap.Int("attempts", proc.Attempts()))
				next[inv.node] = append(next[inv.node], proc)
				continue
			}
			return nil, false, &errors.RunError{
				Node:       inv.node.name,
				Attempts:   proc.Attempts(),
				LastOutput: inv.output,
			}
		}
	}

	return next, done, nil
}

// handleFailure applies the execution failure policy to every process the
// invocation covered. A non-nil return fails the run.
func (e *Engine) handleFailure(inv *invocation, next map[*Node][]*Process) error {
	for _, proc := range inv.procs {
		proc.recordFailure()

		if proc.CanReattempt() {
			e.logger.Warn("Node invocation failed, rescheduling",
				zap.String("runID", e.runID),
				zap.String("node", inv.node.name),
				zap.String("processID", proc.ID()),
				zap.Int("attempts", proc.Attempts()),
				zap.Int("maxAttempts", proc.MaxAttempts()),
				zap.Error(inv.err))
			next[inv.node] = append(next[inv.node], proc)
			continue
		}

		if inv.node.deadEnd {
			e.logger.Warn("Dropping exhausted process at dead-end node",
				zap.String("runID", e.runID),
				zap.String("node", inv.node.name),
				zap.String("processID", proc.ID()),
				zap.Error(inv.err))
			continue
		}

		lastOutput, _ := proc.Output()
		return &errors.RunError{
			Node:       inv.node.name,
			Attempts:   proc.Attempts(),
			LastOutput: lastOutput,
			Err:        inv.err,
		}
	}
	return nil
}

// matchAdvancers returns the transitions that fire for an output: the first
// match in registration order, or every match when the node allows parallel
// advances
func (e *Engine) matchAdvancers(node *Node, output interface{}) []*Advancer {
	var matches []*Advancer
	for _, adv := range node.advancers {
		if !adv.Matches(e.state, output) {
			continue
		}
		matches = append(matches, adv)
		if !node.parallel {
			break
		}
	}
	return matches
}

func (e *Engine) finishCompleted(ctx context.Context, span trace.Span) (interface{}, error) {
	e.status.Store(int32(StatusCompleted))
	span.SetStatus(codes.Ok, "")

	event := events.New(events.TypeRunCompleted, e.runID)
	event.Tick = e.tick
	event.Data = map[string]interface{}{"hasResult": e.hasResult}
	e.emit(ctx, event)

	e.logger.Info("Run completed",
		zap.String("runID", e.runID),
		zap.Int("ticks", e.tick),
		zap.Bool("hasResult", e.hasResult))
	return e.result, nil
}

func (e *Engine) finishCancelled(ctx context.Context, span trace.Span) (interface{}, error) {
	e.status.Store(int32(StatusCancelled))
	span.SetStatus(codes.Error, "cancelled")

	event := events.New(events.TypeRunCancelled, e.runID)
	event.Tick = e.tick
	e.emit(ctx, event)

	e.logger.Info("Run cancelled",
		zap.String("runID", e.runID),
		zap.Int("ticks", e.tick))
	return nil, errors.ErrRunCancelled
}

func (e *Engine) finishFailed(ctx context.Context, span trace.Span, err error) (interface{}, error) {
	e.status.Store(int32(StatusFailed))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	event := events.New(events.TypeRunFailed, e.runID)
	event.Tick = e.tick
	event.Error = err.Error()
	if re, ok := errors.IsRunFailure(err); ok {
		event.Node = re.Node
	}
	e.emit(ctx, event)

	e.logger.Error("Run failed",
		zap.String("runID", e.runID),
		zap.Int("ticks", e.tick),
		zap.Error(err))
	return nil, err
}

// emit publishes an event through the configured emitter
func (e *Engine) emit(ctx context.Context, event events.Event) {
	e.emitter.Emit(ctx, event)
}
