// Package orchestration implements a tick-based graph execution engine.
//
// A graph is assembled from named nodes (runnables) connected by advancers
// (predicate + converter transitions) before a run starts and is immutable
// during the run. The engine drives the graph in synchronous ticks: every
// node holding processes is dispatched concurrently, the engine waits for
// all invocations to settle, and transition evaluation computes the next
// tick's process assignments. Runs terminate in one of three states:
// Completed, Cancelled, or Failed.
//
// Fan-out is expressed with parallel advances (several transitions firing
// from one output), fan-in with the shared-state join pattern: a join node
// returns its input unchanged while required state keys are missing, and
// only produces a differentiable output once every upstream branch has
// written its key, at which point a transition predicate can match.
package orchestration
