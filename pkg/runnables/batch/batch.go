// Package batch provides an orchestration runnable that applies an item
// function to every element of a slice input within a single invocation.
// It covers data parallelism inside one node, as opposed to the engine's
// fan-out, which parallelizes across nodes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/concurrency"
	"github.com/wehubfusion/Talos/pkg/orchestration"
)

// Strategy selects how items are processed
type Strategy string

const (
	// StrategySequential processes items one by one in order
	StrategySequential Strategy = "sequential"

	// StrategyParallel processes items concurrently with a worker cap
	StrategyParallel Strategy = "parallel"
)

// ItemFunc processes one item of the batch. Failures are fail-fast: the
// first error aborts the invocation and counts against the process's
// attempt budget.
type ItemFunc func(ctx context.Context, state *orchestration.State, item interface{}, index int) (interface{}, error)

// Config holds configuration for a batch runnable
type Config struct {
	// Process is the per-item function. Required.
	Process ItemFunc

	// Strategy selects sequential or parallel processing. Defaults to
	// sequential.
	Strategy Strategy

	// MaxConcurrent caps parallel workers. Defaults to the CPU count.
	MaxConcurrent int

	// Logger is the zap logger instance; defaults to a no-op logger
	Logger *zap.Logger
}

// Runnable processes slice inputs item by item. The node's input must be a
// []interface{}; the output is the slice of per-item results in input order.
type Runnable struct {
	process  ItemFunc
	strategy Strategy
	limiter  *concurrency.Limiter
	logger   *zap.Logger
}

// New creates a batch runnable from the configuration
func New(config Config) (*Runnable, error) {
	if config.Process == nil {
		return nil, errors.New("process function cannot be nil")
	}
	if config.Strategy == "" {
		config.Strategy = StrategySequential
	}
	if config.Strategy != StrategySequential && config.Strategy != StrategyParallel {
		return nil, fmt.Errorf("unknown strategy %q", config.Strategy)
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = runtime.NumCPU()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Runnable{
		process:  config.Process,
		strategy: config.Strategy,
		limiter:  concurrency.NewLimiter(config.MaxConcurrent),
		logger:   config.Logger,
	}, nil
}

// Invoke implements orchestration.Runnable
func (r *Runnable) Invoke(ctx context.Context, state *orchestration.State, proc *orchestration.Process) (interface{}, error) {
	items, ok := proc.Input().([]interface{})
	if !ok {
		return nil, fmt.Errorf("batch input must be []interface{}, got %T", proc.Input())
	}
	if len(items) == 0 {
		return []interface{}{}, nil
	}

	r.logger.Debug("Processing batch",
		zap.Int("items", len(items)),
		zap.String("strategy", string(r.strategy)))

	if r.strategy == StrategySequential {
		return r.processSequential(ctx, state, items)
	}
	return r.processParallel(ctx, state, items)
}

func (r *Runnable) processSequential(ctx context.Context, state *orchestration.State, items []interface{}) ([]interface{}, error) {
	results := make([]interface{}, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		output, err := r.process(ctx, state, item, i)
		if err != nil {
			return nil, fmt.Errorf("failed processing item %d: %w", i, err)
		}
		results[i] = output
	}
	return results, nil
}

func (r *Runnable) processParallel(ctx context.Context, state *orchestration.State, items []interface{}) ([]interface{}, error) {
	results := make([]interface{}, len(items))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	var aborted error
	for i := range items {
		if err := r.limiter.Acquire(ctx); err != nil {
			aborted = err
			break
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer r.limiter.Release()

			output, err := r.process(ctx, state, items[idx], idx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("failed processing item %d: %w", idx, err)
					cancel()
				}
				return
			}
			results[idx] = output
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if aborted != nil {
		// external cancellation, not an item failure
		return nil, aborted
	}
	return results, nil
}
