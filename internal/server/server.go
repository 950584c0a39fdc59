// Package server is the synchronous entry point of the pipeline. It validates
// and persists incoming messages, publishes the corresponding broker events,
// and exposes the delivery record query surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chat4all/chat4all/internal/broker"
	"github.com/chat4all/chat4all/internal/channel"
	"github.com/chat4all/chat4all/internal/idgen"
	"github.com/chat4all/chat4all/internal/model"
	"github.com/chat4all/chat4all/internal/store"
)

// inputError marks validation failures so handlers can map them to 400.
type inputError string

func (e inputError) Error() string { return string(e) }

// errUnavailable marks store or broker outages so handlers map them to 503.
var errUnavailable = errors.New("upstream unavailable")

// Options tunes the ingress service.
type Options struct {
	StoreTimeout   time.Duration
	PublishTimeout time.Duration
	// RateLimit is messages per second per sender; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

func (o *Options) fillDefaults() {
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 3 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
}

// IngressServer accepts messages, persists SENT delivery records, and
// publishes message events. It also serves the status query surface and the
// READ transition.
type IngressServer struct {
	store     store.Store
	publisher broker.MessagePublisher
	status    broker.StatusPublisher
	router    *channel.Router
	limiter   *senderLimiter
	opts      Options
}

// New returns an IngressServer. The status publisher may be nil; READ
// transitions then update the store without emitting fan-out events.
func New(st store.Store, pub broker.MessagePublisher, status broker.StatusPublisher, router *channel.Router, opts Options) *IngressServer {
	opts.fillDefaults()
	var limiter *senderLimiter
	if opts.RateLimit > 0 {
		limiter = newSenderLimiter(opts.RateLimit, opts.RateBurst)
	}
	return &IngressServer{
		store:     st,
		publisher: pub,
		status:    status,
		router:    router,
		limiter:   limiter,
		opts:      opts,
	}
}

// submitInput holds transport-agnostic parameters for submitting a message.
type submitInput struct {
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Payload        string            `json:"payload"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// submitMessage validates input, persists the message with one SENT delivery
// record per resolved channel, and publishes the message event. The publish
// happens only after the transaction commits: a crash in between leaves
// recoverable SENT orphans for the reconciliation sweep, never an event
// without a record.
func (s *IngressServer) submitMessage(ctx context.Context, in submitInput) (*model.Message, error) {
	now := time.Now().UTC()
	id, err := idgen.Generate()
	if err != nil {
		return nil, fmt.Errorf("generating message ID: %w", err)
	}

	msg := &model.Message{
		ID:             id,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Payload:        in.Payload,
		Channels:       s.router.Resolve(in.ConversationID),
		Metadata:       in.Metadata,
		CreatedAt:      now,
	}
	if err := msg.Validate(); err != nil {
		return nil, inputError(err.Error())
	}

	if s.limiter != nil && !s.limiter.Allow(in.SenderID) {
		return nil, errRateLimited
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	err = s.store.RunInTransaction(storeCtx, func(tx store.Store) error {
		if err := tx.CreateMessage(storeCtx, msg); err != nil {
			return err
		}
		for _, ch := range msg.Channels {
			rec := &model.DeliveryRecord{
				MessageID:      msg.ID,
				ConversationID: msg.ConversationID,
				Channel:        ch,
				Status:         model.StatusSent,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := tx.CreateDeliveryRecord(storeCtx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("ingress: persisting message failed", "message_id", msg.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", errUnavailable, err)
	}

	ev := &model.MessageEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Channels:       msg.Channels,
		Timestamp:      now,
	}
	pubCtx, cancelPub := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PublishTimeout)
	defer cancelPub()
	if err := s.publisher.PublishMessage(pubCtx, ev); err != nil {
		// The SENT records are durable; the reconciliation sweep will
		// republish. Still surface the outage to the caller.
		slog.Error("ingress: publishing message event failed", "message_id", msg.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", errUnavailable, err)
	}

	slog.Info("ingress: message accepted",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"channels", msg.Channels)
	return msg, nil
}

// getMessage loads one message.
func (s *IngressServer) getMessage(ctx context.Context, id string) (*model.Message, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.store.GetMessage(storeCtx, id)
}

// listMessages returns conversation history.
func (s *IngressServer) listMessages(ctx context.Context, filter model.MessageFilter) ([]*model.Message, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.store.ListMessages(storeCtx, filter)
}

// getDeliveryRecords returns the per-channel delivery records of a message.
func (s *IngressServer) getDeliveryRecords(ctx context.Context, messageID string) ([]*model.DeliveryRecord, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.store.GetDeliveryRecords(storeCtx, messageID)
}

// markRead advances every DELIVERED record of the message to READ and emits
// the corresponding status events. Records in other statuses are skipped.
func (s *IngressServer) markRead(ctx context.Context, messageID string) ([]*model.DeliveryRecord, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	// The sender rides on READ events so user-scoped subscribers see them.
	msg, err := s.store.GetMessage(storeCtx, messageID)
	if err != nil {
		return nil, err
	}

	recs, err := s.store.GetDeliveryRecords(storeCtx, messageID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, rec := range recs {
		if rec.Status != model.StatusDelivered {
			continue
		}
		err := s.store.AdvanceStatus(storeCtx, messageID, rec.Channel, model.StatusDelivered, model.StatusRead, "")
		if errors.Is(err, store.ErrStaleStatus) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rec.Status = model.StatusRead
		rec.UpdatedAt = now

		if s.status != nil {
			statusEv := &model.StatusEvent{
				MessageID:      rec.MessageID,
				ConversationID: rec.ConversationID,
				SenderID:       msg.SenderID,
				Channel:        rec.Channel,
				Status:         model.StatusRead,
				Timestamp:      now,
			}
			if pubErr := s.status.PublishStatus(ctx, statusEv); pubErr != nil {
				slog.Warn("ingress: read status publish failed",
					"message_id", messageID, "channel", rec.Channel, "error", pubErr)
			}
		}
	}
	return recs, nil
}
