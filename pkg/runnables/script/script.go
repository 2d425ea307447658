// Package script provides an orchestration runnable whose Invoke body is a
// sandboxed JavaScript function. The script must define an entry function
// (default "process") receiving the process input and a shared-state
// accessor; its return value becomes the node's output. Script errors are
// ordinary node execution errors and count against the process's attempt
// budget.
package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/wehubfusion/Talos/pkg/orchestration"
	"go.uber.org/zap"
)

// Config holds configuration for a script runnable
type Config struct {
	// Source is the JavaScript source. It must define the entry function.
	Source string

	// EntryPoint is the name of the function invoked per process.
	// Defaults to "process".
	EntryPoint string

	// Timeout is the maximum execution time per invocation. Defaults to
	// 5 seconds.
	Timeout time.Duration

	// PoolSize is the number of VM instances kept for reuse. Defaults
	// to 4.
	PoolSize int

	// Logger is the zap logger instance; defaults to a no-op logger
	Logger *zap.Logger
}

// Runnable executes a compiled script against pooled VM instances. It
// implements orchestration.Runnable; VMs are sandboxed and interrupted when
// the invocation times out or the run context is cancelled.
type Runnable struct {
	program *goja.Program
	entry   string
	timeout time.Duration
	pool    chan *goja.Runtime
	logger  *zap.Logger
}

// New compiles the script source and creates the runnable. Compilation
// errors surface here, before any run starts.
func New(config Config) (*Runnable, error) {
	if config.Source == "" {
		return nil, errors.New("script source cannot be empty")
	}
	if config.EntryPoint == "" {
		config.EntryPoint = "process"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 4
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	program, err := goja.Compile("script", config.Source, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}

	r := &Runnable{
		program: program,
		entry:   config.EntryPoint,
		timeout: config.Timeout,
		pool:    make(chan *goja.Runtime, config.PoolSize),
		logger:  config.Logger,
	}

	// Validate the entry point eagerly with a throwaway VM.
	vm, err := r.newVM()
	if err != nil {
		return nil, err
	}
	r.release(vm)

	return r, nil
}

// Invoke runs the entry function with the process input and a shared-state
// accessor. The state accessor exposes get/set/has; writes land in the
// run's shared state, so concurrent script nodes must partition keys like
// any other runnable.
func (r *Runnable) Invoke(ctx context.Context, state *orchestration.State, proc *orchestration.Process) (interface{}, error) {
	vm, err := r.acquire()
	if err != nil {
		return nil, err
	}

	entry, ok := goja.AssertFunction(vm.Get(r.entry))
	if !ok {
		return nil, fmt.Errorf("script entry point %q is not a function", r.entry)
	}

	// Interrupt the VM on timeout or run cancellation.
	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-execCtx.Done():
			vm.Interrupt(execCtx.Err())
		case <-watchDone:
		}
	}()

	result, err := entry(goja.Undefined(), vm.ToValue(proc.Input()), vm.ToValue(r.stateAPI(state)))
	close(watchDone)

	if err != nil {
		// Interrupted or failed VMs are discarded rather than pooled.
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			r.logger.Warn("Script interrupted", zap.Error(err))
			return nil, fmt.Errorf("script interrupted: %w", err)
		}
		r.logger.Warn("Script failed", zap.Error(err))
		return nil, fmt.Errorf("script failed: %w", err)
	}

	r.release(vm)
	return result.Export(), nil
}

// stateAPI builds the object handed to the script as its second argument
func (r *Runnable) stateAPI(state *orchestration.State) map[string]interface{} {
	return map[string]interface{}{
		"get": func(key string) interface{} {
			if state == nil {
				return nil
			}
			v, _ := state.Get(key)
			return v
		},
		"set": func(key string, value interface{}) {
			if state != nil {
				state.Set(key, value)
			}
		},
		"has": func(key string) bool {
			return state != nil && state.Has(key)
		},
	}
}

// acquire returns a pooled VM or creates a fresh one
func (r *Runnable) acquire() (*goja.Runtime, error) {
	select {
	case vm := <-r.pool:
		return vm, nil
	default:
		return r.newVM()
	}
}

// release returns a healthy VM to the pool, dropping it when full
func (r *Runnable) release(vm *goja.Runtime) {
	vm.ClearInterrupt()
	select {
	case r.pool <- vm:
	default:
	}
}

// newVM creates a sandboxed VM with the program loaded and the entry point
// verified
func (r *Runnable) newVM() (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := sandbox(vm); err != nil {
		return nil, fmt.Errorf("failed to sandbox VM: %w", err)
	}
	if _, err := vm.RunProgram(r.program); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}
	if _, ok := goja.AssertFunction(vm.Get(r.entry)); !ok {
		return nil, fmt.Errorf("script does not define entry function %q", r.entry)
	}
	return vm, nil
}

// sandbox removes globals scripts must not reach and blocks eval
func sandbox(vm *goja.Runtime) error {
	blocked := []string{
		"require",
		"module",
		"exports",
		"process",
		"global",
		"Buffer",
		"setImmediate",
		"clearImmediate",
	}
	for _, name := range blocked {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	restrictedEval := func(call goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("eval is not allowed"))
	}
	return vm.Set("eval", restrictedEval)
}
