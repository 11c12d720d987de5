package sandbox

import (
	"strings"
	"testing"
	"time"
)

func TestRunCapturesConsoleLog(t *testing.T) {
	r := NewRunner(0)
	res := r.Run("console.log(1, 2);")
	if res.Fault != "" {
		t.Fatalf("unexpected fault: %s", res.Fault)
	}
	if len(res.Lines) != 1 || res.Lines[0] != "1 2" {
		t.Fatalf("expected single line %q, got %v", "1 2", res.Lines)
	}
	if res.Output() != "1 2" {
		t.Errorf("unexpected output: %q", res.Output())
	}
}

func TestRunMultipleLines(t *testing.T) {
	r := NewRunner(0)
	res := r.Run(`
		console.log("a");
		console.log("b", "c");
		console.log(true, null, undefined);
	`)
	want := []string{"a", "b c", "true null undefined"}
	if len(res.Lines) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), res.Lines)
	}
	for i := range want {
		if res.Lines[i] != want[i] {
			t.Errorf("line %d: expected %q, got %q", i, want[i], res.Lines[i])
		}
	}
}

func TestRunNoOutputSentinel(t *testing.T) {
	r := NewRunner(0)
	res := r.Run("var x = 40 + 2;")
	if res.Fault != "" {
		t.Fatalf("unexpected fault: %s", res.Fault)
	}
	if len(res.Lines) != 0 {
		t.Fatalf("expected no lines, got %v", res.Lines)
	}
	if res.Output() != "✔ Executed (no console output)" {
		t.Errorf("unexpected sentinel: %q", res.Output())
	}
}

func TestRunFault(t *testing.T) {
	r := NewRunner(0)
	res := r.Run(`throw new Error("boom");`)
	if res.Fault == "" {
		t.Fatal("expected a fault")
	}
	if res.TimedOut {
		t.Error("fault must not be reported as timeout")
	}
	if !strings.Contains(res.Fault, "boom") {
		t.Errorf("fault should carry the message, got %q", res.Fault)
	}
	if !strings.HasPrefix(res.Output(), "❌ ") {
		t.Errorf("output should carry the failure marker, got %q", res.Output())
	}
}

func TestRunSyntaxError(t *testing.T) {
	r := NewRunner(0)
	res := r.Run("function (")
	if res.Fault == "" {
		t.Fatal("expected a fault for invalid source")
	}
}

func TestRunTimeout(t *testing.T) {
	r := NewRunner(100 * time.Millisecond)
	done := make(chan Result, 1)
	go func() { done <- r.Run("while (true) {}") }()

	select {
	case res := <-done:
		if !res.TimedOut {
			t.Fatalf("expected TimedOut, got %+v", res)
		}
		if !strings.HasPrefix(res.Output(), "❌ ") {
			t.Errorf("timeout output should carry the failure marker, got %q", res.Output())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runaway evaluation was not terminated")
	}
}

func TestRunsAreIsolated(t *testing.T) {
	r := NewRunner(0)
	if res := r.Run("globalThis.leak = 'x';"); res.Fault != "" {
		t.Fatalf("setup run failed: %s", res.Fault)
	}
	res := r.Run("console.log(typeof globalThis.leak);")
	if res.Fault != "" {
		t.Fatalf("unexpected fault: %s", res.Fault)
	}
	if len(res.Lines) != 1 || res.Lines[0] != "undefined" {
		t.Errorf("state leaked between runs: %v", res.Lines)
	}
}

func TestNoAmbientAuthority(t *testing.T) {
	r := NewRunner(0)
	for _, src := range []string{
		"setTimeout(function(){}, 1);",
		"require('fs');",
		"fetch('http://example.com');",
	} {
		res := r.Run(src)
		if res.Fault == "" {
			t.Errorf("%s: expected denial, got output %v", src, res.Lines)
		}
	}
}

func TestFaultDoesNotPanicHost(t *testing.T) {
	r := NewRunner(0)
	// Deep recursion exhausts the interpreter stack; must come back as a
	// fault, not a panic.
	res := r.Run("function f(){ return f(); } f();")
	if res.Fault == "" {
		t.Error("expected a fault from stack exhaustion")
	}
}
