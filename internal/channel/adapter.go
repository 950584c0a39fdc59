// Package channel holds the delivery-channel adapters and the routing table
// that decides which channels a conversation's messages go out on.
//
// Adapter failures carry a classification: retryable failures (network
// errors, 5xx, throttling, open circuit breakers) are handed back to the
// broker for delayed redelivery, terminal failures (payload rejected by the
// remote) fail the delivery record immediately.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/chat4all/chat4all/internal/model"
)

// Adapter delivers a message over one named channel.
type Adapter interface {
	Name() string
	Send(ctx context.Context, msg *model.Message) error
}

// RetryableError marks a transient failure worth retrying.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// TerminalError marks a permanent failure; retrying would not help.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return "terminal: " + e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Retryable wraps err as a retryable failure.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// Retryablef formats a retryable failure.
func Retryablef(format string, args ...any) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

// Terminal wraps err as a terminal failure.
func Terminal(err error) error {
	return &TerminalError{Err: err}
}

// Terminalf formats a terminal failure.
func Terminalf(format string, args ...any) error {
	return &TerminalError{Err: fmt.Errorf(format, args...)}
}

// IsTerminal reports whether err is classified terminal.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// IsRetryable reports whether err should be retried. Unclassified errors
// count as retryable: at-least-once delivery prefers a wasted attempt over a
// silently dropped message.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsTerminal(err)
}
