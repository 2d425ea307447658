package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/events"
)

// countingNode records every invocation and passes its input through
type countingNode struct {
	invocations atomic.Int64
	delay       time.Duration
	fail        error
	output      interface{}
	useInput    bool
	onInvoke    func(ctx context.Context, state *State, proc *Process)
}

func (c *countingNode) Invoke(ctx context.Context, state *State, proc *Process) (interface{}, error) {
	c.invocations.Add(1)
	if c.onInvoke != nil {
		c.onInvoke(ctx, state, proc)
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.fail != nil {
		return nil, c.fail
	}
	if c.useInput {
		return proc.Input(), nil
	}
	return c.output, nil
}

func passthrough() *countingNode {
	return &countingNode{useInput: true}
}

func mustBuild(t *testing.T, b *Builder) *Graph {
	t.Helper()
	graph, err := b.Build()
	require.NoError(t, err)
	return graph
}

func newTestEngine(t *testing.T, graph *Graph) *Engine {
	t.Helper()
	engine, err := NewEngine(graph, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	return engine
}

func TestEngine_LinearRun(t *testing.T) {
	entry := passthrough()

	entryNode := NewNode("entry", entry)
	resultNode := NewNode("result", RunnableFunc(func(ctx context.Context, state *State, proc *Process) (interface{}, error) {
		return proc.Input().(int) * 2, nil
	}), WithDeadEnd())
	entryNode.AddAdvancer(resultNode, nil, nil)

	graph := mustBuild(t, NewBuilder().
		AddNode(entryNode).
		AddNode(resultNode).
		SetEntry("entry").
		SetResult("result"))

	engine := newTestEngine(t, graph)
	output, err := engine.Run(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, 42, output)
	assert.Equal(t, StatusCompleted, engine.Status())
	assert.Equal(t, int64(1), entry.invocations.Load())
}

func TestEngine_RunTwiceFails(t *testing.T) {
	node := NewNode("only", passthrough(), WithDeadEnd())
	graph := mustBuild(t, NewBuilder().AddNode(node).SetEntry("only").SetResult("only"))

	engine := newTestEngine(t, graph)
	_, err := engine.Run(context.Background(), "x")
	require.NoError(t, err)

	_, err = engine.Run(context.Background(), "x")
	require.ErrorIs(t, err, talerrors.ErrAlreadyStarted)
}

// A tick must not start while any invocation of the previous tick is still
// in flight: the collector behind a fan-out only starts after the slowest
// branch has finished.
func TestEngine_TickBarrier(t *testing.T) {
	var mu sync.Mutex
	branchEnds := make([]time.Time, 0, 3)
	var collectorStart time.Time

	entryNode := NewNode("entry", passthrough(), WithParallelAdvances())
	collector := NewNode("collector", RunnableFunc(func(ctx context.Context, state *State, proc *Process) (interface{}, error) {
		mu.Lock()
		if collectorStart.IsZero() {
			collectorStart = time.Now()
		}
		mu.Unlock()
		return "done", nil
	}), WithDeadEnd())

	builder := NewBuilder().AddNode(entryNode).AddNode(collector)
	for i, delay := range []time.Duration{5 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond} {
		d := delay
		branch := NewNode(fmt.Sprintf("branch-%d", i), RunnableFunc(func(ctx context.Context, state *State, proc *Process) (interface{}, error) {
			time.Sleep(d)
			mu.Lock()
			branchEnds = append(branchEnds, time.Now())
			mu.Unlock()
			return proc.Input(), nil
		}))
		branch.AddAdvancer(collector, nil, nil)
		entryNode.AddAdvancer(branch, nil, nil)
		builder.AddNode(branch)
	}

	graph := mustBuild(t, builder.SetEntry("entry").SetResult("collector"))
	engine := newTestEngine(t, graph)

	output, err := engine.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "done", output)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, branchEnds, 3)
	for _, end := range branchEnds {
		assert.False(t, collectorStart.Before(end),
			"collector started before a branch finished")
	}
}

func TestEngine_FirstMatchRouting(t *testing.T) {
	t1 := &countingNode{output: "t1"}
	t2 := &countingNode{output: "t2"}
	t3 := &countingNode{output: "t3"}

	entryNode := NewNode("entry", passthrough())
	n1 := NewNode("t1", t1, WithDeadEnd())
	n2 := NewNode("t2", t2, WithDeadEnd())
	n3 := NewNode("t3", t3, WithDeadEnd())

	never := func(state *State, output interface{}) bool { return false }
	always := func(state *State, output interface{}) bool { return true }
	entryNode.AddAdvancer(n1, never, nil)
	entryNode.AddAdvancer(n2, always, nil)
	entryNode.AddAdvancer(n3, always, nil)

	graph := mustBuild(t, NewBuilder().
		AddNode(entryNode).AddNode(n1).AddNode(n2).AddNode(n3).
		SetEntry("entry").SetResult("t2"))

	engine := newTestEngine(t, graph)
	output, err := engine.Run(context.Background(), "in")
	require.NoError(t, err)
	assert.Equal(t, "t2", output)
	assert.Equal(t, int64(0), t1.invocations.Load())
	assert.Equal(t, int64(1), t2.invocations.Load())
	assert.Equal(t, int64(0), t3.invocations.Load())
}

func TestEngine_ParallelFanOut(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]string)

	record := func(name string) Runnable {
		return RunnableFunc(func(ctx context.Context, state *State, proc *Process) (interface{}, error) {
			mu.Lock()
			seen[name] = proc.ID()
			mu.Unlock()
			return name, nil
		})
	}

	entryNode := NewNode("entry", passthrough(), WithParallelAdvances())
	n1 := NewNode("t1", record("t1"), WithDeadEnd())
	n2 := NewNode("t2", record("t2"), WithDeadEnd())
	n3 := NewNode("t3", record("t3"), WithDeadEnd())

	never := func(state *State, output interface{}) bool { return false }
	entryNode.AddAdvancer(n1, never, nil)
	entryNode.AddAdvancer(n2, nil, nil)
	entryNode.AddAdvancer(n3, nil, nil)

	graph := mustBuild(t, NewBuilder().
		AddNode(entryNode).AddNode(n1).AddNode(n2).AddNode(n3).
		SetEntry("entry").SetResult("t2"))

	engine := newTestEngine(t, graph)
	_, err := engine.Run(context.Background(), "in")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, seen, "t1")
	require.Contains(t, seen, "t2")
	require.Contains(t, seen, "t3")
	// fan-out produces independent processes, not a shared one
	assert.NotEqual(t, seen["t2"], seen["t3"])

	terminal := engine.TerminalOutputs()
	assert.Equal(t, "t2", terminal["t2"])
	assert.Equal(t, "t3", terminal["t3"])
}

// The nth failure with a budget of n is terminal: three attempts, not four.
func TestEngine_RerunExhaustion(t *testing.T) {
	failing := &countingNode{fail: errors.New("boom")}
	node := NewNode("flaky", failing, WithMaxAttempts(3))
	graph := mustBuild(t, NewBuilder().AddNode(node).SetEntry("flaky").SetResult("flaky"))

	engine := newTestEngine(t, graph)
	_, err := engine.Run(context.Background(), "in")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, engine.Status())

	runErr, ok := talerrors.IsRunFailure(err)
	require.True(t, ok)
	assert.Equal(t, "flaky", runErr.Node)
	assert.Equal(t, 3, runErr.Attempts)
	assert.Equal(t, int64(3), failing.invocations.Load())
	assert.ErrorContains(t, err, "boom")
}

func TestEngine_RoutingExhaustion(t *testing.T) {
	// output never matches the only transition and dead ends are not allowed
	entryNode := NewNode("entry", passthrough(), WithMaxAttempts(2))
	resultNode := NewNode("result", passthrough(), WithDeadEnd())
	never := func(state *State, output interface{}) bool { return false }
	entryNode.AddAdvancer(resultNode, never, nil)

	graph := mustBuild(t, NewBuilder().
		AddNode(entryNode).AddNode(resultNode).
		SetEntry("entry").SetResult("result"))

	engine := newTestEngine(t, graph)
	_, err := engine.Run(context.Background(), "in")
	require.Error(t, err)

	runErr, ok := talerrors.IsRunFailure(err)
	require.True(t, ok)
	assert.Equal(t, "entry", runErr.Node)
	assert.Equal(t, 2, runErr.Attempts)
	assert.Equal(t, "in", runErr.LastOutput)
	assert.Nil(t, runErr.Err)
}

func TestEngine_DeadEndTerminal(t *testing.T) {
	entryNode := NewNode("entry", passthrough())
	resultNode := NewNode("result", &countingNode{output: "final"}, WithDeadEnd())
	entryNode.AddAdvancer(resultNode, nil, nil)

	graph := mustBuild(t, NewBuilder().
		AddNode(entryNode).AddNode(resultNode).
		SetEntry("entry").SetResult("result"))

	engine := newTestEngine(t, graph)
	output, err := engine.Run(context.Background(), "in")
	require.NoError(t, err)
	assert.Equal(t, "final", output)
	assert.Equal(t, StatusCompleted, engine.Status())
	assert.Equal(t, "final", engine.TerminalOutputs()["result"])
}

// A dead end that is not the result node retires its processes; the run
// drains to an empty-output completion.
func TestEngine_DrainedCompletion(t *testing.T) {
	entryNode := NewNode("entry", passthrough())
	sink := NewNode("sink", &countingNode{output: "side"}, WithDeadEnd())
	resultNode := NewNode("result", passthrough(), WithDeadEnd())
	never := func(state *State, output interface{}) bool { return false }
	entryNode.AddAdvancer(resultNode, never, nil)
	entryNode.AddAdvancer(sink, nil, nil)

	graph := mustBuild(t, NewBuilder().
		AddNode(entryNode).AddNode(sink).AddNode(resultNode).
		SetEntry("entry").SetResult("result"))

	engine := newTestEngine(t, graph)
	output, err := engine.Run(context.Background(), "in")
	require.NoError(t, err)
	assert.Nil(t, output)
	assert.Equal(t, StatusCompleted, engine.Status())
	assert.Equal(t, "side", engine.TerminalOutputs()["sink"])
}

// joinGraph builds a diamond where one branch takes an extra hop, so the
// join sees the branches arrive on different ticks. The join reschedules
// until both branches have written their shared-state keys.
func joinGraph(t *testing.T, slowBranch string) *Graph {
	t.Helper()

	entryNode := NewNode("entry", passthrough(), WithParallelAdvances())
	join := NewNode("join", RunnableFunc(func(ctx context.Context, state *State, proc *Process) (interface{}, error) {
		if !state.HasAll("a", "b") {
			return nil, nil
		}
		a, _ := state.Get("a")
		b, _ := state.Get("b")
		return fmt.Sprintf("%v+%v", a, b), nil
	}), WithMaxAttempts(5), WithSingleInvoke())
	resultNode := NewNode("result", passthrough(), WithDeadEnd())

	matched := func(state *State, output interface{}) bool { return output != nil }
	join.AddAdvancer(resultNode, matched, nil)

	builder := NewBuilder().AddNode(entryNode).AddNode(join).AddNode(resultNode)
	for _, key := range []string{"a", "b"} {
		k := key
		branch := NewNode("branch-"+k, RunnableFunc(func(ctx context.Context, state *State, proc *Process) (interface{}, error) {
			state.Set(k, k)
			return k, nil
		}))
		builder.AddNode(branch)
		if "branch-"+k == slowBranch {
			// extra hop delays this branch's arrival at the join by a tick
			hop := NewNode("hop-"+k, passthrough())
			hop.AddAdvancer(branch, nil, nil)
			builder.AddNode(hop)
			entryNode.AddAdvancer(hop, nil, nil)
		} else {
			entryNode.AddAdvancer(branch, nil, nil)
		}
		branch.AddAdvancer(join, nil, nil)
	}

	return mustBuild(t, builder.SetEntry("entry").SetResult("result"))
}

func TestEngine_SharedStateJoin(t *testing.T) {
	for _, slow := range []string{"branch-a", "branch-b"} {
		t.Run("slow_"+slow, func(t *testing.T) {
			engine := newTestEngine(t, joinGraph(t, slow))
			output, err := engine.Run(context.Background(), "go")
			require.NoError(t, err)
			assert.Equal(t, "a+b", output)
			assert.Equal(t, StatusCompleted, engine.Status())
		})
	}
}

// Cancellation is observed at the tick boundary: the in-flight invocation
// runs to completion, and downstream nodes never execute.
func TestEngine_CancellationBoundary(t *testing.T) {
	started := make(chan struct{})
	worker := &countingNode{delay: 50 * time.Millisecond, output: "worked"}
	worker.onInvoke = func(ctx context.Context, state *State, proc *Process) {
		close(started)
	}
	result := &countingNode{output: "never"}

	entryNode := NewNode("entry", passthrough())
	workNode := NewNode("work", worker)
	resultNode := NewNode("result", result, WithDeadEnd())
	entryNode.AddAdvancer(workNode, nil, nil)
	workNode.AddAdvancer(resultNode, nil, nil)

	graph := mustBuild(t, NewBuilder().
		AddNode(entryNode).AddNode(workNode).AddNode(resultNode).
		SetEntry("entry").SetResult("result"))

	engine := newTestEngine(t, graph)
	go func() {
		<-started
		time.Sleep(10 * time.Millisecond)
		engine.Cancel()
	}()

	_, err := engine.Run(context.Background(), "in")
	require.ErrorIs(t, err, talerrors.ErrRunCancelled)
	assert.Equal(t, StatusCancelled, engine.Status())
	assert.Equal(t, int64(1), worker.invocations.Load(), "in-flight invoke must settle")
	assert.Equal(t, int64(0), result.invocations.Load(), "no tick may start after cancellation")
}

func TestEngine_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	entryNode := NewNode("entry", RunnableFunc(func(ctx context.Context, state *State, proc *Process) (interface{}, error) {
		cancel()
		return proc.Input(), nil
	}))
	resultNode := NewNode("result", passthrough(), WithDeadEnd())
	entryNode.AddAdvancer(resultNode, nil, nil)

	graph := mustBuild(t, NewBuilder().
		AddNode(entryNode).AddNode(resultNode).
		SetEntry("entry").SetResult("result"))

	engine := newTestEngine(t, graph)
	_, err := engine.Run(ctx, "in")
	require.ErrorIs(t, err, talerrors.ErrRunCancelled)
	assert.Equal(t, StatusCancelled, engine.Status())
}

func TestEngine_PanicContainment(t *testing.T) {
	entryNode := NewNode("entry", RunnableFunc(func(ctx context.Context, state *State, proc *Process) (interface{}, error) {
		panic("kaboom")
	}))
	resultNode := NewNode("result", passthrough(), WithDeadEnd())
	entryNode.AddAdvancer(resultNode, nil, nil)

	graph := mustBuild(t, NewBuilder().
		AddNode(entryNode).AddNode(resultNode).
		SetEntry("entry").SetResult("result"))

	engine := newTestEngine(t, graph)
	_, err := engine.Run(context.Background(), "in")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, engine.Status())
	assert.ErrorContains(t, err, "kaboom")
}

func TestEngine_RunMetadataInContext(t *testing.T) {
	var gotRunID, gotNode string
	var gotTick int

	entryNode := NewNode("entry", RunnableFunc(func(ctx context.Context, state *State, proc *Process) (interface{}, error) {
		gotRunID, _ = RunIDFromContext(ctx)
		gotNode, _ = NodeFromContext(ctx)
		gotTick, _ = TickFromContext(ctx)
		return proc.Input(), nil
	}), WithDeadEnd())

	graph := mustBuild(t, NewBuilder().AddNode(entryNode).SetEntry("entry").SetResult("entry"))
	engine := newTestEngine(t, graph)

	_, err := engine.Run(context.Background(), "in")
	require.NoError(t, err)
	assert.Equal(t, engine.RunID(), gotRunID)
	assert.Equal(t, "entry", gotNode)
	assert.Equal(t, 1, gotTick)
}

type hookedNode struct {
	countingNode
	initCalls    atomic.Int64
	cleanupCalls atomic.Int64
	initErr      error
}

func (h *hookedNode) InitializeRunnable(ctx context.Context) error {
	h.initCalls.Add(1)
	return h.initErr
}

func (h *hookedNode) CleanupRunnable(ctx context.Context) error {
	h.cleanupCalls.Add(1)
	return nil
}

// Initialize runs once per run; Cleanup runs once per participating tick.
func TestEngine_InitializeOnceCleanupPerTick(t *testing.T) {
	hooked := &hookedNode{}
	hooked.useInput = true

	// the node reschedules until its third invocation, so it participates
	// in 3 ticks
	hookedLoop := NewNode("hooked", hooked, WithMaxAttempts(5))
	resultNode := NewNode("result", passthrough(), WithDeadEnd())
	third := func(state *State, output interface{}) bool {
		return hooked.invocations.Load() >= 3
	}
	hookedLoop.AddAdvancer(resultNode, third, nil)

	graph := mustBuild(t, NewBuilder().
		AddNode(hookedLoop).AddNode(resultNode).
		SetEntry("hooked").SetResult("result"))

	engine := newTestEngine(t, graph)
	_, err := engine.Run(context.Background(), "in")
	require.NoError(t, err)

	assert.Equal(t, int64(1), hooked.initCalls.Load())
	assert.Equal(t, int64(3), hooked.invocations.Load())
	assert.Equal(t, int64(3), hooked.cleanupCalls.Load())
}

func TestEngine_InitializationFailureCountsAsExecution(t *testing.T) {
	hooked := &hookedNode{initErr: errors.New("no connection")}

	node := NewNode("hooked", hooked, WithMaxAttempts(2), WithDeadEnd())
	graph := mustBuild(t, NewBuilder().AddNode(node).SetEntry("hooked").SetResult("hooked"))

	engine := newTestEngine(t, graph)
	output, err := engine.Run(context.Background(), "in")
	// dead end drops the exhausted process; run drains to empty completion
	require.NoError(t, err)
	assert.Nil(t, output)
	assert.Equal(t, int64(0), hooked.invocations.Load())
	assert.Equal(t, int64(2), hooked.initCalls.Load(), "initialization retries with the process")
}

func TestEngine_SingleInvoke(t *testing.T) {
	counting := &countingNode{output: "combined"}

	entryNode := NewNode("entry", passthrough(), WithParallelAdvances())
	gather := NewNode("gather", counting, WithSingleInvoke())
	resultNode := NewNode("result", passthrough(), WithDeadEnd())
	b1 := NewNode("b1", passthrough())
	b2 := NewNode("b2", passthrough())
	entryNode.AddAdvancer(b1, nil, nil)
	entryNode.AddAdvancer(b2, nil, nil)
	b1.AddAdvancer(gather, nil, nil)
	b2.AddAdvancer(gather, nil, nil)
	gather.AddAdvancer(resultNode, nil, nil)

	graph := mustBuild(t, NewBuilder().
		AddNode(entryNode).AddNode(b1).AddNode(b2).AddNode(gather).AddNode(resultNode).
		SetEntry("entry").SetResult("result"))

	engine := newTestEngine(t, graph)
	output, err := engine.Run(context.Background(), "in")
	require.NoError(t, err)
	assert.Equal(t, "combined", output)
	// both branch processes arrive in the same tick; one invocation covers both
	assert.Equal(t, int64(1), counting.invocations.Load())
}

func TestEngine_EventSequence(t *testing.T) {
	var mu sync.Mutex
	var seen []events.Type

	emitter := events.NewEmitter()
	emitter.Subscribe(events.SinkFunc(func(ctx context.Context, event events.Event) {
		mu.Lock()
		seen = append(seen, event.Type)
		mu.Unlock()
	}))

	entryNode := NewNode("entry", passthrough())
	resultNode := NewNode("result", passthrough(), WithDeadEnd())
	entryNode.AddAdvancer(resultNode, nil, nil)
	graph := mustBuild(t, NewBuilder().
		AddNode(entryNode).AddNode(resultNode).
		SetEntry("entry").SetResult("result"))

	engine, err := NewEngine(graph, WithEmitter(emitter))
	require.NoError(t, err)
	_, err = engine.Run(context.Background(), "in")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []events.Type{
		events.TypeRunStarted,
		events.TypeNodeStarted,
		events.TypeNodeFinished,
		events.TypeNodeStarted,
		events.TypeNodeFinished,
		events.TypeRunCompleted,
	}, seen)
}

func TestEngine_UsageAggregation(t *testing.T) {
	entryNode := NewNode("entry", RunnableFunc(func(ctx context.Context, state *State, proc *Process) (interface{}, error) {
		proc.AddUsage(Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})
		return proc.Input(), nil
	}))
	resultNode := NewNode("result", RunnableFunc(func(ctx context.Context, state *State, proc *Process) (interface{}, error) {
		proc.AddUsage(Usage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10})
		return proc.Input(), nil
	}), WithDeadEnd())
	entryNode.AddAdvancer(resultNode, nil, nil)

	graph := mustBuild(t, NewBuilder().
		AddNode(entryNode).AddNode(resultNode).
		SetEntry("entry").SetResult("result"))

	engine := newTestEngine(t, graph)
	_, err := engine.Run(context.Background(), "in")
	require.NoError(t, err)

	total := engine.Usage()
	assert.Equal(t, 17, total.InputTokens)
	assert.Equal(t, 8, total.OutputTokens)
	assert.Equal(t, 25, total.TotalTokens)
}

func TestEngine_ConverterOnEdge(t *testing.T) {
	entryNode := NewTypedNode("entry", func(ctx context.Context, state *State, in string) (int, error) {
		return len(in), nil
	})
	resultNode := NewTypedNode("result", func(ctx context.Context, state *State, in string) (string, error) {
		return in, nil
	}, WithDeadEnd())
	entryNode.AddAdvancer(resultNode, nil, Convert(func(n int) string {
		return fmt.Sprintf("len=%d", n)
	}))

	graph := mustBuild(t, NewBuilder().
		AddNode(entryNode).AddNode(resultNode).
		SetEntry("entry").SetResult("result"))

	engine := newTestEngine(t, graph)
	output, err := engine.Run(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "len=5", output)
}
