package circuit

import (
	"context"
	"testing"
	"time"

	"github.com/bardlex/minelab/pkg/errors"
)

func testConfig() *Config {
	return &Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         20 * time.Millisecond,
		ResetTimeout:    time.Second,
	}
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	cb := New(testConfig())

	for n := 0; n < 10; n++ {
		err := cb.Execute(context.Background(), func() error { return nil })
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("state = %v, want closed", cb.GetState())
	}
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := New(testConfig())
	failing := func() error {
		return errors.New(errors.ErrorTypeTransport, "submit_solution", "refused")
	}

	for n := 0; n < 3; n++ {
		_ = cb.Execute(context.Background(), failing)
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want open after %d failures", cb.GetState(), 3)
	}

	// While open, calls are rejected without running the function
	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	if err == nil {
		t.Error("Execute() should fail while circuit is open")
	}
	if called {
		t.Error("function should not run while circuit is open")
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cfg := testConfig()
	cb := New(cfg)
	failing := func() error {
		return errors.New(errors.ErrorTypeTransport, "submit_solution", "refused")
	}

	for n := 0; n < cfg.MaxFailures; n++ {
		_ = cb.Execute(context.Background(), failing)
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.GetState())
	}

	time.Sleep(cfg.Timeout + 5*time.Millisecond)

	for n := 0; n < cfg.SuccessRequired; n++ {
		if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("Execute() during recovery error = %v", err)
		}
	}

	if cb.GetState() != StateClosed {
		t.Errorf("state = %v, want closed after recovery", cb.GetState())
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cfg := testConfig()
	cb := New(cfg)
	failing := func() error {
		return errors.New(errors.ErrorTypeTransport, "fetch_template", "refused")
	}

	for n := 0; n < cfg.MaxFailures; n++ {
		_ = cb.Execute(context.Background(), failing)
	}

	time.Sleep(cfg.Timeout + 5*time.Millisecond)

	// First probe fails: straight back to open
	_ = cb.Execute(context.Background(), failing)
	if cb.GetState() != StateOpen {
		t.Errorf("state = %v, want open after half-open failure", cb.GetState())
	}
}

func TestExecuteWithResult(t *testing.T) {
	cb := New(testConfig())

	got, err := ExecuteWithResult(context.Background(), cb, func() (string, error) {
		return "template", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult() error = %v", err)
	}
	if got != "template" {
		t.Errorf("ExecuteWithResult() = %q, want %q", got, "template")
	}
}

func TestReset(t *testing.T) {
	cfg := testConfig()
	cb := New(cfg)

	for n := 0; n < cfg.MaxFailures; n++ {
		_ = cb.Execute(context.Background(), func() error {
			return errors.New(errors.ErrorTypeNetwork, "dial", "refused")
		})
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.GetState())
	}

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Errorf("state = %v, want closed after Reset", cb.GetState())
	}
	if stats := cb.GetStats(); stats.Failures != 0 {
		t.Errorf("failures = %d, want 0 after Reset", stats.Failures)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
