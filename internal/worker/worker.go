// Package worker consumes message events from the broker and drives each
// delivery record through its status lifecycle.
//
// One goroutine per partition, strictly sequential within a partition. The
// store's compare-and-set status update is the dedup backstop: a redelivered
// or concurrently processed event loses the CAS and becomes a no-op. Events
// are acknowledged only after every channel's outcome is durably recorded;
// channels that failed transiently are handed back to the broker for delayed
// redelivery instead of being retried in-process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chat4all/chat4all/internal/broker"
	"github.com/chat4all/chat4all/internal/channel"
	"github.com/chat4all/chat4all/internal/dedup"
	"github.com/chat4all/chat4all/internal/model"
	"github.com/chat4all/chat4all/internal/store"
)

// AdapterSource resolves a channel name to its adapter. *channel.Router
// satisfies it.
type AdapterSource interface {
	Adapter(name string) (channel.Adapter, bool)
}

// Options tunes the delivery loop.
type Options struct {
	Partitions     int
	MaxAttempts    int
	RetryBackoff   time.Duration
	AdapterTimeout time.Duration
	StoreTimeout   time.Duration
}

func (o *Options) fillDefaults() {
	if o.Partitions <= 0 {
		o.Partitions = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.AdapterTimeout <= 0 {
		o.AdapterTimeout = 5 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 3 * time.Second
	}
}

// Worker runs the delivery pipeline over all partitions.
type Worker struct {
	store    store.Store
	adapters AdapterSource
	consumer broker.MessageConsumer
	status   broker.StatusPublisher
	index    *dedup.Index
	opts     Options

	stops []func()
}

// New creates a worker. The dedup index may be nil; dedup then relies on the
// store's compare-and-set alone.
func New(st store.Store, adapters AdapterSource, consumer broker.MessageConsumer, status broker.StatusPublisher, index *dedup.Index, opts Options) *Worker {
	opts.fillDefaults()
	return &Worker{
		store:    st,
		adapters: adapters,
		consumer: consumer,
		status:   status,
		index:    index,
		opts:     opts,
	}
}

// Start subscribes every partition. Call Stop to halt consumption.
func (w *Worker) Start(ctx context.Context) error {
	for p := 0; p < w.opts.Partitions; p++ {
		stop, err := w.consumer.ConsumePartition(ctx, p, func(d broker.Delivery) {
			w.handle(ctx, d)
		})
		if err != nil {
			w.Stop()
			return fmt.Errorf("subscribing partition %d: %w", p, err)
		}
		w.stops = append(w.stops, stop)
	}
	slog.Info("worker: started", "partitions", w.opts.Partitions)
	return nil
}

// Stop halts all partition consumers and waits for in-flight handlers.
func (w *Worker) Stop() {
	for _, stop := range w.stops {
		stop()
	}
	w.stops = nil
}

func (w *Worker) handle(ctx context.Context, d broker.Delivery) {
	delay, retry := w.processEvent(ctx, &d.Event)
	if retry {
		if err := d.Retry(delay); err != nil {
			slog.Error("worker: scheduling redelivery failed",
				"message_id", d.Event.MessageID, "error", err)
		}
		return
	}
	if err := d.Ack(); err != nil {
		slog.Error("worker: ack failed",
			"message_id", d.Event.MessageID, "error", err)
	}
}

// processEvent drives every channel of one event as far as it can go. It
// returns retry=true with a delay when at least one channel failed transiently
// and still has attempt budget; the event is then redelivered as a whole, and
// already-settled channels drop out through the dedup index and the CAS.
func (w *Worker) processEvent(ctx context.Context, ev *model.MessageEvent) (time.Duration, bool) {
	msg, err := w.getMessage(ctx, ev.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		// An event for a message that was never persisted cannot make
		// progress; redelivering it would loop forever.
		slog.Error("worker: event references unknown message", "message_id", ev.MessageID)
		return 0, false
	}
	if err != nil {
		slog.Warn("worker: loading message failed", "message_id", ev.MessageID, "error", err)
		return w.opts.RetryBackoff, true
	}

	var retryDelay time.Duration
	retry := false
	for _, ch := range ev.Channels {
		delay, chRetry := w.deliverChannel(ctx, ev, msg, ch)
		if chRetry {
			retry = true
			if delay > retryDelay {
				retryDelay = delay
			}
		}
	}
	return retryDelay, retry
}

// deliverChannel advances one (message, channel) delivery record. It returns
// retry=true with a backoff delay when the channel should be attempted again.
func (w *Worker) deliverChannel(ctx context.Context, ev *model.MessageEvent, msg *model.Message, ch string) (time.Duration, bool) {
	if w.index != nil && w.index.Settled(ev.MessageID, ch) {
		return 0, false
	}

	switch err := w.advance(ctx, ev, ch, model.StatusSent, model.StatusRouted, ""); {
	case err == nil:
		// Fresh delivery.
	case errors.Is(err, store.ErrStaleStatus):
		settled, recErr := w.recordSettled(ctx, ev.MessageID, ch)
		if recErr != nil {
			slog.Warn("worker: reading delivery record failed",
				"message_id", ev.MessageID, "channel", ch, "error", recErr)
			return w.opts.RetryBackoff, true
		}
		if settled {
			// Another worker or an earlier delivery already finished
			// this channel.
			return 0, false
		}
		// Record is ROUTED from a redelivery; fall through and attempt
		// the send again.
	case errors.Is(err, store.ErrNotFound):
		slog.Error("worker: delivery record missing",
			"message_id", ev.MessageID, "channel", ch)
		return 0, false
	default:
		slog.Warn("worker: routing transition failed",
			"message_id", ev.MessageID, "channel", ch, "error", err)
		return w.opts.RetryBackoff, true
	}

	adapter, ok := w.adapters.Adapter(ch)
	if !ok {
		return w.failChannel(ctx, ev, ch, fmt.Sprintf("no adapter for channel %q", ch))
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.opts.AdapterTimeout)
	sendErr := adapter.Send(sendCtx, msg)
	cancel()

	if sendErr == nil {
		if err := w.advance(ctx, ev, ch, model.StatusRouted, model.StatusDelivered, ""); err != nil &&
			!errors.Is(err, store.ErrStaleStatus) {
			slog.Warn("worker: delivered transition failed",
				"message_id", ev.MessageID, "channel", ch, "error", err)
			return w.opts.RetryBackoff, true
		}
		w.markSettled(ev.MessageID, ch)
		return 0, false
	}

	if channel.IsTerminal(sendErr) {
		// Count the invocation so the persisted record reflects it.
		if _, err := w.recordAttempt(ctx, ev.MessageID, ch, sendErr.Error()); err != nil {
			slog.Warn("worker: recording attempt failed",
				"message_id", ev.MessageID, "channel", ch, "error", err)
			return w.opts.RetryBackoff, true
		}
		return w.failChannel(ctx, ev, ch, sendErr.Error())
	}

	attempts, err := w.recordAttempt(ctx, ev.MessageID, ch, sendErr.Error())
	if err != nil {
		slog.Warn("worker: recording attempt failed",
			"message_id", ev.MessageID, "channel", ch, "error", err)
		return w.opts.RetryBackoff, true
	}
	if attempts >= w.opts.MaxAttempts {
		slog.Warn("worker: attempt budget exhausted",
			"message_id", ev.MessageID, "channel", ch, "attempts", attempts)
		return w.failChannel(ctx, ev, ch, fmt.Sprintf("attempts exhausted: %s", sendErr.Error()))
	}

	slog.Info("worker: delivery failed, scheduling retry",
		"message_id", ev.MessageID, "channel", ch,
		"attempt", attempts, "error", sendErr)
	return Backoff(w.opts.RetryBackoff, attempts), true
}

// failChannel moves the record to FAILED. A lost CAS means another worker got
// there first, which is fine either way.
func (w *Worker) failChannel(ctx context.Context, ev *model.MessageEvent, ch, lastError string) (time.Duration, bool) {
	err := w.advance(ctx, ev, ch, model.StatusRouted, model.StatusFailed, lastError)
	if err != nil && !errors.Is(err, store.ErrStaleStatus) {
		slog.Warn("worker: failed transition failed",
			"message_id", ev.MessageID, "channel", ch, "error", err)
		return w.opts.RetryBackoff, true
	}
	w.markSettled(ev.MessageID, ch)
	return 0, false
}

// advance runs the CAS and, on success, publishes the corresponding status
// event. Status publication is best effort: the store is the system of
// record, fan-out is ephemeral.
func (w *Worker) advance(ctx context.Context, ev *model.MessageEvent, ch string, from, to model.Status, lastError string) error {
	storeCtx, cancel := context.WithTimeout(ctx, w.opts.StoreTimeout)
	err := w.store.AdvanceStatus(storeCtx, ev.MessageID, ch, from, to, lastError)
	cancel()
	if err != nil {
		return err
	}

	if w.status != nil {
		statusEv := &model.StatusEvent{
			MessageID:      ev.MessageID,
			ConversationID: ev.ConversationID,
			SenderID:       ev.SenderID,
			Channel:        ch,
			Status:         to,
			Error:          lastError,
			Timestamp:      time.Now().UTC(),
		}
		if pubErr := w.status.PublishStatus(ctx, statusEv); pubErr != nil {
			slog.Warn("worker: status publish failed",
				"message_id", ev.MessageID, "channel", ch, "status", to, "error", pubErr)
		}
	}
	return nil
}

func (w *Worker) getMessage(ctx context.Context, id string) (*model.Message, error) {
	storeCtx, cancel := context.WithTimeout(ctx, w.opts.StoreTimeout)
	defer cancel()
	return w.store.GetMessage(storeCtx, id)
}

func (w *Worker) recordAttempt(ctx context.Context, messageID, ch, lastError string) (int, error) {
	storeCtx, cancel := context.WithTimeout(ctx, w.opts.StoreTimeout)
	defer cancel()
	return w.store.RecordAttempt(storeCtx, messageID, ch, lastError)
}

// recordSettled reports whether the delivery record reached a settled status.
func (w *Worker) recordSettled(ctx context.Context, messageID, ch string) (bool, error) {
	storeCtx, cancel := context.WithTimeout(ctx, w.opts.StoreTimeout)
	defer cancel()
	rec, err := w.store.GetDeliveryRecord(storeCtx, messageID, ch)
	if err != nil {
		return false, err
	}
	if rec.Status.Settled() {
		w.markSettled(messageID, ch)
		return true, nil
	}
	return false, nil
}

func (w *Worker) markSettled(messageID, ch string) {
	if w.index != nil {
		w.index.MarkSettled(messageID, ch)
	}
}
