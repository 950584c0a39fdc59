package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/chat4all/chat4all/internal/model"
)

// consumerAckWait is how long JetStream waits for an acknowledgment before
// redelivering an in-flight message. It bounds the crash window of a worker.
const consumerAckWait = 30 * time.Second

// JetStreamBus implements MessagePublisher and MessageConsumer on a JetStream
// stream with one subject per partition. Durable explicit-ack consumers with
// MaxAckPending=1 give consumer-group semantics across worker replicas while
// keeping each partition strictly sequential.
type JetStreamBus struct {
	conn       *nats.Conn
	js         jetstream.JetStream
	partitions int
}

// Compile-time checks.
var (
	_ MessagePublisher = (*JetStreamBus)(nil)
	_ MessageConsumer  = (*JetStreamBus)(nil)
)

// NewJetStreamBus connects to NATS, ensures the messages stream exists, and
// returns a bus for the given partition count. Extra nats.Option values
// (e.g. reconnect handlers) can be appended.
func NewJetStreamBus(ctx context.Context, url string, partitions int, opts ...nats.Option) (*JetStreamBus, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      MessagesStream,
		Subjects:  []string{messageSubjectPrefix + ">"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring stream %s: %w", MessagesStream, err)
	}

	return &JetStreamBus{conn: nc, js: js, partitions: partitions}, nil
}

// Partitions returns the configured partition count.
func (b *JetStreamBus) Partitions() int {
	return b.partitions
}

// PublishMessage publishes a message event to its conversation's partition
// and waits for the stream's acknowledgment, so a nil return means the event
// is durably queued.
func (b *JetStreamBus) PublishMessage(ctx context.Context, ev *model.MessageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling message event: %w", err)
	}
	subject := MessageSubject(Partition(ev.ConversationID, b.partitions))
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// ConsumePartition creates (or resumes) the durable consumer for a partition
// and invokes handler for each delivered event. MaxAckPending=1 means the
// next event is not delivered until the current one is acknowledged or
// scheduled for retry, preserving publish order within the partition.
func (b *JetStreamBus) ConsumePartition(ctx context.Context, partition int, handler func(Delivery)) (func(), error) {
	cons, err := b.js.CreateOrUpdateConsumer(ctx, MessagesStream, jetstream.ConsumerConfig{
		Durable:       fmt.Sprintf("deliver-p%d", partition),
		FilterSubject: MessageSubject(partition),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       consumerAckWait,
		MaxDeliver:    -1,
		MaxAckPending: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer for partition %d: %w", partition, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var ev model.MessageEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			// Poison payload: terminate so it is not redelivered forever.
			slog.Warn("dropping malformed message event", "subject", msg.Subject(), "error", err)
			_ = msg.Term()
			return
		}

		var attempt uint64 = 1
		if meta, err := msg.Metadata(); err == nil {
			attempt = meta.NumDelivered
		}

		handler(Delivery{
			Event:   ev,
			Attempt: attempt,
			Ack:     msg.Ack,
			Retry:   msg.NakWithDelay,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("starting consumer for partition %d: %w", partition, err)
	}

	// Drain lets the in-flight handler finish; Closed reports when it has.
	return func() {
		cc.Drain()
		<-cc.Closed()
	}, nil
}

// Close closes the underlying NATS connection.
func (b *JetStreamBus) Close() error {
	b.conn.Close()
	return nil
}
