// Package sandbox evaluates untrusted JavaScript and captures its console
// output. Each run gets a fresh interpreter with no host bindings beyond the
// injected console, so scripts cannot reach timers, network, or the
// filesystem, and state never leaks between runs.
package sandbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds evaluation wall time when no timeout is configured.
const DefaultTimeout = 2 * time.Second

// maxCallStackSize bounds interpreter stack depth so runaway recursion comes
// back as a fault instead of exhausting the host stack.
const maxCallStackSize = 4096

const (
	faultPrefix      = "❌ "
	noOutputSentinel = "✔ Executed (no console output)"
)

// Result is the outcome of one evaluation.
type Result struct {
	// Lines holds the console output in call order, one entry per call.
	Lines []string
	// Fault is the human-readable description of a runtime fault, empty on
	// success.
	Fault string
	// TimedOut reports that the run was forcibly terminated.
	TimedOut bool
	// Duration is the evaluation wall time.
	Duration time.Duration
}

// Output renders the result the way the terminal panel displays it.
func (r Result) Output() string {
	if r.Fault != "" {
		return faultPrefix + r.Fault
	}
	if len(r.Lines) == 0 {
		return noOutputSentinel
	}
	return strings.Join(r.Lines, "\n")
}

// Runner evaluates source text with a wall-clock bound.
type Runner struct {
	timeout time.Duration
}

// NewRunner returns a runner enforcing the given timeout. A zero or negative
// timeout falls back to DefaultTimeout.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{timeout: timeout}
}

// Timeout returns the configured wall-clock bound.
func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

type interruptReason struct{}

// Run evaluates src synchronously and returns the captured output. Faults are
// reported in the result, never as a panic or error from this method.
func (r *Runner) Run(src string) (res Result) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		// The interpreter panics on conditions like stack exhaustion;
		// contain them as faults.
		if rec := recover(); rec != nil {
			res = Result{Fault: fmt.Sprintf("%v", rec), Duration: time.Since(start)}
		}
	}()

	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)
	var lines []string
	logLine := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		lines = append(lines, strings.Join(parts, " "))
		return goja.Undefined()
	}

	console := vm.NewObject()
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, logLine); err != nil {
			return Result{Fault: err.Error()}
		}
	}
	if err := vm.Set("console", console); err != nil {
		return Result{Fault: err.Error()}
	}

	timer := time.AfterFunc(r.timeout, func() {
		vm.Interrupt(interruptReason{})
	})
	defer timer.Stop()

	_, err := vm.RunString(src)
	if err != nil {
		if _, overflow := err.(*goja.StackOverflowError); overflow {
			return Result{Lines: lines, Fault: "maximum call stack size exceeded"}
		}
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			return Result{
				Lines:    lines,
				Fault:    fmt.Sprintf("execution timed out after %s", r.timeout),
				TimedOut: true,
			}
		}
		return Result{Lines: lines, Fault: faultMessage(err)}
	}
	return Result{Lines: lines}
}

// faultMessage renders a thrown value or compile error without the stack
// trace the engine attaches to Error().
func faultMessage(err error) string {
	if ex, ok := err.(*goja.Exception); ok {
		return ex.Value().String()
	}
	return err.Error()
}
