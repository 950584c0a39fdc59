package channel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/chat4all/chat4all/internal/model"
)

// BreakerAdapter wraps an Adapter in a circuit breaker. While the breaker is
// open, Send fails fast with a retryable error so deliveries back off through
// the broker instead of piling onto a struggling endpoint.
type BreakerAdapter struct {
	inner Adapter
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerAdapter wraps inner in a circuit breaker. The breaker trips after
// five consecutive retryable failures and probes again after 30 seconds.
// Terminal failures count as successes for the breaker: the endpoint answered,
// it just rejected the payload.
func NewBreakerAdapter(inner Adapter) *BreakerAdapter {
	settings := gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsTerminal(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("channel: breaker state change",
				"channel", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerAdapter{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

func (a *BreakerAdapter) Name() string { return a.inner.Name() }

func (a *BreakerAdapter) Send(ctx context.Context, msg *model.Message) error {
	_, err := a.cb.Execute(func() (any, error) {
		return nil, a.inner.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Retryablef("channel %s: circuit open", a.inner.Name())
	}
	return err
}
