package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/chat4all/chat4all/internal/model"
)

// scriptedAdapter returns the queued errors in order, then nil.
type scriptedAdapter struct {
	name  string
	errs  []error
	calls int
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Send(context.Context, *model.Message) error {
	a.calls++
	if len(a.errs) == 0 {
		return nil
	}
	err := a.errs[0]
	a.errs = a.errs[1:]
	return err
}

func TestBreaker_OpensAfterConsecutiveRetryableFailures(t *testing.T) {
	fail := Retryable(errors.New("down"))
	inner := &scriptedAdapter{
		name: "push",
		errs: []error{fail, fail, fail, fail, fail},
	}
	a := NewBreakerAdapter(inner)
	msg := testMessage()

	for i := 0; i < 5; i++ {
		if err := a.Send(context.Background(), msg); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}

	// Breaker is now open; the inner adapter is no longer called.
	before := inner.calls
	err := a.Send(context.Background(), msg)
	if err == nil {
		t.Fatal("expected open-circuit error")
	}
	if !IsRetryable(err) {
		t.Errorf("open circuit should be retryable, got %v", err)
	}
	if inner.calls != before {
		t.Errorf("inner adapter called while circuit open")
	}
}

func TestBreaker_TerminalFailuresDoNotTrip(t *testing.T) {
	reject := Terminal(errors.New("rejected"))
	inner := &scriptedAdapter{
		name: "push",
		errs: []error{reject, reject, reject, reject, reject, reject, reject},
	}
	a := NewBreakerAdapter(inner)
	msg := testMessage()

	for i := 0; i < 7; i++ {
		err := a.Send(context.Background(), msg)
		if err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
		if !IsTerminal(err) {
			t.Fatalf("call %d: circuit opened on terminal failures: %v", i, err)
		}
	}
	if inner.calls != 7 {
		t.Errorf("inner calls = %d, want 7", inner.calls)
	}
}

func TestBreaker_PassesThroughSuccess(t *testing.T) {
	inner := &scriptedAdapter{name: "push"}
	a := NewBreakerAdapter(inner)

	if err := a.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if a.Name() != "push" {
		t.Errorf("Name = %s", a.Name())
	}
}
