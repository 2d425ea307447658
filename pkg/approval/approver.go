// Package approval provides the tool-invocation approval boundary. A
// runnable consults an Approver before performing an externally visible
// side effect; a denial is an ordinary output value for routing, not an
// engine-level error.
package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Approver decides whether a described side effect may proceed
type Approver interface {
	// RequestApproval returns true if the described operation should
	// proceed
	RequestApproval(ctx context.Context, description string) (bool, error)
}

// Auto is an approver with a fixed decision
type Auto bool

// RequestApproval implements Approver
func (a Auto) RequestApproval(ctx context.Context, description string) (bool, error) {
	return bool(a), nil
}

// Func adapts a plain function to the Approver interface
type Func func(ctx context.Context, description string) (bool, error)

// RequestApproval implements Approver
func (f Func) RequestApproval(ctx context.Context, description string) (bool, error) {
	return f(ctx, description)
}

// CLI prompts for approval on the command line. Safe for concurrent use;
// prompts are serialized.
type CLI struct {
	mu            sync.Mutex
	scanner       *bufio.Scanner
	writer        io.Writer
	alwaysApprove bool
}

// NewCLI creates a CLI approver reading from stdin and writing to stdout
func NewCLI() *CLI {
	return NewCLIWithIO(os.Stdin, os.Stdout)
}

// NewCLIWithIO creates a CLI approver with custom IO, for testing
func NewCLIWithIO(reader io.Reader, writer io.Writer) *CLI {
	return &CLI{scanner: bufio.NewScanner(reader), writer: writer}
}

// RequestApproval prompts the user and returns their decision. Answering
// "always" approves this and every later request in the session. EOF or an
// unrecognized answer denies.
func (c *CLI) RequestApproval(ctx context.Context, description string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.alwaysApprove {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fmt.Fprintf(c.writer, "\nApproval required:\n  %s\n\nProceed? [y/N/always]: ", description)

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return false, fmt.Errorf("failed to read input: %w", err)
		}
		return false, nil
	}

	switch strings.ToLower(strings.TrimSpace(c.scanner.Text())) {
	case "y", "yes":
		return true, nil
	case "always":
		c.alwaysApprove = true
		return true, nil
	default:
		return false, nil
	}
}
