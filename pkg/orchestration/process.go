package orchestration

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Usage tracks accumulated token consumption for a process
type Usage struct {
	// InputTokens is the number of prompt tokens consumed
	InputTokens int `json:"inputTokens"`

	// OutputTokens is the number of completion tokens produced
	OutputTokens int `json:"outputTokens"`

	// TotalTokens is the combined token count
	TotalTokens int `json:"totalTokens"`
}

// Add returns the element-wise sum of two usages
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// IsZero reports whether no usage has been recorded
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0
}

// UsageEvent is emitted by an observable sub-operation (e.g., a streaming
// model call) while it runs
type UsageEvent struct {
	// Usage is the incremental token consumption since the last event
	Usage Usage

	// Duration is the incremental execution time since the last event
	Duration time.Duration
}

// Observable is a long-running sub-operation that emits usage/timing events.
// Implementations must close the event channel when the sub-operation
// completes; the owning process drains it until then.
type Observable interface {
	Events() <-chan UsageEvent
}

// Process is one unit of work flowing through the graph: an input value,
// its eventual output, an attempt counter, and timing/usage metrics. A
// process belongs to exactly one node at any point in the run; ownership
// transfers only at tick boundaries.
//
// One attempt counter covers both node execution failures and routing
// exhaustion (no matching transition): either outcome consumes an attempt,
// and a process whose attempts are exhausted terminates the run unless its
// node allows dead ends.
type Process struct {
	id          string
	input       interface{}
	maxAttempts int

	mu        sync.Mutex
	output    interface{}
	hasOutput bool
	attempts  int
	startedAt time.Time
	duration  time.Duration
	usage     Usage
	obsWG     sync.WaitGroup
}

// NewProcess creates a fresh process carrying input with zero attempts
// consumed. maxAttempts below 1 is treated as 1.
func NewProcess(input interface{}, maxAttempts int) *Process {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Process{
		id:          uuid.NewString(),
		input:       input,
		maxAttempts: maxAttempts,
	}
}

// ID returns the unique process identifier
func (p *Process) ID() string {
	return p.id
}

// Input returns the input value the process was created with
func (p *Process) Input() interface{} {
	return p.input
}

// Output returns the output value once execution has completed
func (p *Process) Output() (interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output, p.hasOutput
}

// Attempts returns the number of attempts consumed so far
func (p *Process) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// MaxAttempts returns the attempt budget
func (p *Process) MaxAttempts() int {
	return p.maxAttempts
}

// CanReattempt reports whether the process has attempts remaining
func (p *Process) CanReattempt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts < p.maxAttempts
}

// StartedAt returns when the process was first dispatched
func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Duration returns the accumulated execution time across attempts
func (p *Process) Duration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

// Usage returns the accumulated usage metrics
func (p *Process) Usage() Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

// AddUsage accumulates usage directly, for sub-operations that report their
// totals synchronously rather than through an Observable
func (p *Process) AddUsage(usage Usage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage = p.usage.Add(usage)
}

// RegisterObservable subscribes the process to the usage/timing events of an
// attached sub-operation. Events are accumulated asynchronously as they
// arrive; the accumulation settles before the owning tick completes, because
// the engine waits for all registered observables after the invocation
// returns.
func (p *Process) RegisterObservable(obs Observable) {
	if obs == nil {
		return
	}
	p.obsWG.Add(1)
	go func() {
		defer p.obsWG.Done()
		for event := range obs.Events() {
			p.mu.Lock()
			p.usage = p.usage.Add(event.Usage)
			p.duration += event.Duration
			p.mu.Unlock()
		}
	}()
}

// markStarted stamps the first-dispatch time once
func (p *Process) markStarted(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}
}

// settleAttempt waits for registered observables to drain and accumulates
// the attempt's wall time. Called by the engine after Invoke returns, still
// inside the tick barrier.
func (p *Process) settleAttempt(elapsed time.Duration) {
	p.obsWG.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duration += elapsed
}

// setOutput records the completed output value
func (p *Process) setOutput(output interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = output
	p.hasOutput = true
}

// recordFailure consumes one attempt
func (p *Process) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
}
