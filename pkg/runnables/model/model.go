// Package model provides an orchestration runnable that calls a language
// model provider. The node's input and the shared state are handed to a
// prompt builder; the provider's response becomes the node's output, and
// token usage is accumulated onto the owning process.
package model

import (
	"context"
	"errors"
	"strings"

	"github.com/wehubfusion/Talos/pkg/llm"
	"github.com/wehubfusion/Talos/pkg/orchestration"
	"go.uber.org/zap"
)

// PromptBuilder produces the completion request for an invocation from the
// shared state and the process input
type PromptBuilder func(ctx context.Context, state *orchestration.State, input interface{}) (llm.Request, error)

// Config holds configuration for a model runnable
type Config struct {
	// Provider is the model provider to call
	Provider llm.Provider

	// BuildRequest produces the request for each invocation
	BuildRequest PromptBuilder

	// Stream selects the streaming call path; usage is then accumulated
	// incrementally through an observable registered on the process
	Stream bool

	// Logger is the zap logger instance; defaults to a no-op logger
	Logger *zap.Logger
}

// Runnable invokes a model provider once per process
type Runnable struct {
	provider llm.Provider
	build    PromptBuilder
	stream   bool
	logger   *zap.Logger
}

// New creates a model runnable from the configuration
func New(config Config) (*Runnable, error) {
	if config.Provider == nil {
		return nil, errors.New("provider cannot be nil")
	}
	if config.BuildRequest == nil {
		return nil, errors.New("request builder cannot be nil")
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runnable{
		provider: config.Provider,
		build:    config.BuildRequest,
		stream:   config.Stream,
		logger:   logger,
	}, nil
}

// Invoke implements orchestration.Runnable
func (r *Runnable) Invoke(ctx context.Context, state *orchestration.State, proc *orchestration.Process) (interface{}, error) {
	req, err := r.build(ctx, state, proc.Input())
	if err != nil {
		return nil, err
	}

	if r.stream {
		return r.invokeStream(ctx, proc, req)
	}

	resp, err := r.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	proc.AddUsage(orchestration.Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	})
	r.logger.Debug("Model call completed",
		zap.String("provider", r.provider.Name()),
		zap.String("model", resp.Model),
		zap.Int("totalTokens", resp.Usage.TotalTokens))
	return resp, nil
}

// invokeStream consumes the chunk stream, forwarding usage deltas to the
// process through an observable and assembling the full response
func (r *Runnable) invokeStream(ctx context.Context, proc *orchestration.Process, req llm.Request) (interface{}, error) {
	chunks, err := r.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	obs := newUsageObservable()
	proc.RegisterObservable(obs)
	defer obs.close()

	var content strings.Builder
	var usage llm.TokenUsage

	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		content.WriteString(chunk.Delta)
		if chunk.Usage != nil {
			usage.InputTokens += chunk.Usage.InputTokens
			usage.OutputTokens += chunk.Usage.OutputTokens
			usage.TotalTokens += chunk.Usage.TotalTokens
			obs.emit(orchestration.UsageEvent{
				Usage: orchestration.Usage{
					InputTokens:  chunk.Usage.InputTokens,
					OutputTokens: chunk.Usage.OutputTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				},
			})
		}
	}

	return &llm.Response{
		Content: content.String(),
		Model:   req.Model,
		Usage:   usage,
	}, nil
}

// usageObservable bridges stream usage deltas to the owning process
type usageObservable struct {
	ch chan orchestration.UsageEvent
}

func newUsageObservable() *usageObservable {
	return &usageObservable{ch: make(chan orchestration.UsageEvent, 8)}
}

// Events implements orchestration.Observable
func (o *usageObservable) Events() <-chan orchestration.UsageEvent {
	return o.ch
}

func (o *usageObservable) emit(event orchestration.UsageEvent) {
	o.ch <- event
}

func (o *usageObservable) close() {
	close(o.ch)
}
