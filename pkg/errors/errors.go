package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrRunCancelled indicates that a run was cancelled cooperatively.
	// Cancellation is a terminal run state, not a failure.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrAlreadyStarted indicates that Run was called on an engine that
	// has already been started
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrInvalidGraph indicates that the graph failed construction-time validation
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrNoEntryNode indicates that the graph has no designated entry node
	ErrNoEntryNode = errors.New("no entry node configured")

	// ErrNoResultNode indicates that the graph has no designated result node
	ErrNoResultNode = errors.New("no result node configured")

	// ErrApprovalDenied indicates that a tool invocation was denied by the approver
	ErrApprovalDenied = errors.New("approval denied")
)

// RunError is the terminal error of a failed run. It carries the identity of
// the node whose process exhausted its attempt budget along with the last
// captured output or error for diagnostics.
type RunError struct {
	// Node is the name of the node where the run failed
	Node string

	// Attempts is the number of attempts the failing process consumed
	Attempts int

	// LastOutput is the last output produced by the process, if any
	LastOutput interface{}

	// Err is the underlying error from the final attempt, if the failure
	// came from node execution rather than routing exhaustion
	Err error
}

// Error implements the error interface
func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("run failed at node %q after %d attempts: %v", e.Node, e.Attempts, e.Err)
	}
	return fmt.Sprintf("run failed at node %q after %d attempts: no matching transition", e.Node, e.Attempts)
}

// Unwrap returns the underlying error
func (e *RunError) Unwrap() error {
	return e.Err
}

// BuildError describes a graph construction failure. Build errors are always
// reported synchronously by the builder and prevent any run from starting.
type BuildError struct {
	// Node is the name of the offending node, if the problem is node-local
	Node string

	// Message describes the validation failure
	Message string
}

// Error implements the error interface
func (e *BuildError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("graph validation failed for node %q: %s", e.Node, e.Message)
	}
	return fmt.Sprintf("graph validation failed: %s", e.Message)
}

// Unwrap allows errors.Is(err, ErrInvalidGraph) to match build errors
func (e *BuildError) Unwrap() error {
	return ErrInvalidGraph
}

// IsCancelled checks if an error is a cancellation
func IsCancelled(err error) bool {
	return errors.Is(err, ErrRunCancelled)
}

// IsRunFailure checks if an error is a run failure and returns the RunError
func IsRunFailure(err error) (*RunError, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
