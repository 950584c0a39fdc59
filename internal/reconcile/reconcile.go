// Package reconcile recovers orphaned deliveries. A crash between the ingress
// persist and the broker publish leaves SENT records with no event in flight;
// the sweeper periodically republishes events for records stuck in SENT past
// a threshold. Republishing an event that was in flight after all is harmless:
// the worker's dedup index and the store's compare-and-set absorb it.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chat4all/chat4all/internal/broker"
	"github.com/chat4all/chat4all/internal/model"
	"github.com/chat4all/chat4all/internal/store"
)

// sweepLimit bounds the records examined per sweep.
const sweepLimit = 500

// Sweeper republishes message events for stale SENT delivery records.
type Sweeper struct {
	store     store.Store
	publisher broker.MessagePublisher
	orphanAge time.Duration
	cron      *cron.Cron
}

// New creates a sweeper that treats SENT records older than orphanAge as
// orphaned.
func New(st store.Store, pub broker.MessagePublisher, orphanAge time.Duration) *Sweeper {
	return &Sweeper{
		store:     st,
		publisher: pub,
		orphanAge: orphanAge,
	}
}

// Start schedules the sweep with a cron spec such as "@every 1m". Call Stop
// to shut it down.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if n, err := s.Sweep(ctx); err != nil {
			slog.Error("reconcile: sweep failed", "error", err)
		} else if n > 0 {
			slog.Info("reconcile: republished orphaned events", "count", n)
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	s.cron = c
	slog.Info("reconcile: sweeper started", "schedule", schedule, "orphan_age", s.orphanAge)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
}

// Sweep republishes one event per message that has SENT records older than
// the orphan age. It returns the number of events published.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.orphanAge)
	recs, err := s.store.ListStale(ctx, model.StatusSent, cutoff, sweepLimit)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	// Group stale channels by message so each message gets one event.
	channels := make(map[string][]string)
	order := make([]string, 0, len(recs))
	for _, rec := range recs {
		if _, seen := channels[rec.MessageID]; !seen {
			order = append(order, rec.MessageID)
		}
		channels[rec.MessageID] = append(channels[rec.MessageID], rec.Channel)
	}

	published := 0
	for _, messageID := range order {
		msg, err := s.store.GetMessage(ctx, messageID)
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("reconcile: stale record without message", "message_id", messageID)
			continue
		}
		if err != nil {
			return published, err
		}

		ev := &model.MessageEvent{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			Channels:       channels[messageID],
			Timestamp:      time.Now().UTC(),
		}
		if err := s.publisher.PublishMessage(ctx, ev); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
