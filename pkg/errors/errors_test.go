package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &RunError{Node: "fetch", Attempts: 3, Err: cause}

	assert.Contains(t, err.Error(), `node "fetch"`)
	assert.Contains(t, err.Error(), "3 attempts")
	assert.ErrorIs(t, err, cause)
}

func TestRunError_RoutingExhaustion(t *testing.T) {
	err := &RunError{Node: "route", Attempts: 2, LastOutput: "unmatched"}

	assert.Contains(t, err.Error(), "no matching transition")
	assert.Nil(t, err.Unwrap())
}

func TestBuildError_UnwrapsToInvalidGraph(t *testing.T) {
	err := &BuildError{Node: "a", Message: "duplicate node name"}

	assert.ErrorIs(t, err, ErrInvalidGraph)
	assert.Contains(t, err.Error(), `node "a"`)

	bare := &BuildError{Message: "graph has no nodes"}
	assert.NotContains(t, bare.Error(), "node \"")
}

func TestIsCancelled(t *testing.T) {
	assert.True(t, IsCancelled(ErrRunCancelled))
	assert.True(t, IsCancelled(fmt.Errorf("run ended: %w", ErrRunCancelled)))
	assert.False(t, IsCancelled(errors.New("other")))
}

func TestIsRunFailure(t *testing.T) {
	inner := &RunError{Node: "n", Attempts: 1}
	wrapped := fmt.Errorf("run ended: %w", inner)

	got, ok := IsRunFailure(wrapped)
	require.True(t, ok)
	assert.Equal(t, "n", got.Node)

	_, ok = IsRunFailure(errors.New("other"))
	assert.False(t, ok)
}
