package orchestration

import "context"

// contextKey is a private type for context keys so values set by the engine
// cannot collide with other packages
type contextKey string

const (
	runIDKey    contextKey = "talos.run_id"
	nodeNameKey contextKey = "talos.node"
	attemptKey  contextKey = "talos.attempt"
	tickKey     contextKey = "talos.tick"
)

// withRunMetadata injects run metadata into the context handed to Invoke
func withRunMetadata(ctx context.Context, runID, node string, attempt, tick int) context.Context {
	ctx = context.WithValue(ctx, runIDKey, runID)
	ctx = context.WithValue(ctx, nodeNameKey, node)
	ctx = context.WithValue(ctx, attemptKey, attempt)
	return context.WithValue(ctx, tickKey, tick)
}

// RunIDFromContext returns the run ID of the current invocation
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey).(string)
	return id, ok
}

// NodeFromContext returns the name of the node being invoked
func NodeFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(nodeNameKey).(string)
	return name, ok
}

// AttemptFromContext returns the current attempt number, zero-based
func AttemptFromContext(ctx context.Context) (int, bool) {
	attempt, ok := ctx.Value(attemptKey).(int)
	return attempt, ok
}

// TickFromContext returns the tick during which the invocation runs
func TickFromContext(ctx context.Context) (int, bool) {
	tick, ok := ctx.Value(tickKey).(int)
	return tick, ok
}
